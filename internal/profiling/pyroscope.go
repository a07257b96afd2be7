// pyroscope.go - Continuous profiling.
// Copyright (C) 2026  The Onionswarm Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package profiling starts Pyroscope continuous profiling.
package profiling

import (
	"errors"
	"os"

	"github.com/grafana/pyroscope-go"
	"gopkg.in/op/go-logging.v1"
)

const defaultServiceTag = "onionswarm"

// ErrNoServer is returned when PYROSCOPE_SERVER_ADDRESS is unset.
var ErrNoServer = errors.New("profiling: PYROSCOPE_SERVER_ADDRESS is not set")

// Settings are read from the PYROSCOPE_* environment variables.
type Settings struct {
	ServerAddress string
	AppName       string
	ServiceTag    string
}

// SettingsFromEnv returns the profiling settings of the environment.
func SettingsFromEnv() (*Settings, error) {
	s := &Settings{
		ServerAddress: os.Getenv("PYROSCOPE_SERVER_ADDRESS"),
		AppName:       os.Getenv("PYROSCOPE_APP_NAME"),
		ServiceTag:    os.Getenv("PYROSCOPE_SERVICE_TAG"),
	}
	if s.ServerAddress == "" {
		return nil, ErrNoServer
	}
	if s.AppName == "" {
		s.AppName = defaultServiceTag
	}
	if s.ServiceTag == "" {
		s.ServiceTag = defaultServiceTag
	}
	return s, nil
}

// Start initializes Pyroscope profiling. The returned function stops it.
func Start(log *logging.Logger) (func(), error) {
	s, err := SettingsFromEnv()
	if err != nil {
		return nil, err
	}
	log.Info("Starting Pyroscope")
	p, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: s.AppName,
		ServerAddress:   s.ServerAddress,
		Logger:          pyroscope.StandardLogger,
		Tags: map[string]string{
			"service": s.ServiceTag,
		},
	})
	if err != nil {
		return nil, err
	}
	log.Infof("Pyroscope started at %s, app name: %s, service tag: %s", s.ServerAddress, s.AppName, s.ServiceTag)
	return func() {
		if err := p.Stop(); err != nil {
			log.Warningf("Failed to stop Pyroscope: %v", err)
		}
	}, nil
}
