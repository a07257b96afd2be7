// proxy.go - Upstream proxy support.
// Copyright (C) 2018  Yawning Angel.
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

// Package proxy dials guard nodes through an optional upstream SOCKS5
// proxy, with Tor stream isolation when the proxy is a Tor SOCKSPort.
package proxy

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"

	"golang.org/x/net/proxy"

	"github.com/katzenpost/hpqc/rand"
)

const (
	typeNone      = "none"
	typeTorSocks5 = "tor+socks5"
	typeSocks5    = "socks5"

	netUnix = "unix"
	netTCP  = "tcp"

	// RFC 1929 caps both credentials at 255 bytes.
	maxCredentialLen = 255
)

// isolationPrefix is unique per process so two daemons sharing a Tor
// instance never share circuits.
var isolationPrefix = newIsolationPrefix()

// Config is the upstream proxy configuration.
type Config struct {
	// Type is one of "none", "socks5" or "tor+socks5".
	Type string

	// Network is "tcp" or "unix".
	Network string

	// Address is the proxy address, an IP:port or a socket path.
	Address string

	// User and Password are optional SOCKS5 credentials.
	User     string
	Password string

	auth *proxy.Auth
}

// DialContextFn matches net.Dialer.DialContext.
type DialContextFn func(ctx context.Context, network, address string) (net.Conn, error)

// FixupAndValidate normalizes the configuration and checks it.
func (cfg *Config) FixupAndValidate() error {
	cfg.Type = strings.ToLower(cfg.Type)
	if cfg.Type == "" {
		cfg.Type = typeNone
	}
	switch cfg.Type {
	case typeNone:
		return nil
	case typeSocks5, typeTorSocks5:
	default:
		return fmt.Errorf("proxy: unsupported type %q", cfg.Type)
	}
	if err := cfg.validateCredentials(); err != nil {
		return err
	}
	cfg.Network = strings.ToLower(cfg.Network)
	return validateAddress(cfg.Network, cfg.Address)
}

func (cfg *Config) validateCredentials() error {
	hasUser, hasPass := cfg.User != "", cfg.Password != ""
	switch {
	case len(cfg.User) > maxCredentialLen || len(cfg.Password) > maxCredentialLen:
		return errors.New("proxy: credentials too long")
	case hasUser != hasPass:
		return errors.New("proxy: User and Password must be set together")
	case !hasUser:
		return nil
	case cfg.Type == typeTorSocks5:
		return errors.New("proxy: tor+socks5 derives its own credentials")
	}
	cfg.auth = &proxy.Auth{User: cfg.User, Password: cfg.Password}
	return nil
}

func validateAddress(network, addr string) error {
	switch network {
	case netTCP:
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return fmt.Errorf("proxy: address %q: %w", addr, err)
		}
		if net.ParseIP(host) == nil {
			return fmt.Errorf("proxy: address %q: host is not an IP", addr)
		}
		if p, err := strconv.ParseUint(port, 10, 16); err != nil || p == 0 {
			return fmt.Errorf("proxy: address %q: bad port", addr)
		}
	case netUnix:
		fi, err := os.Lstat(addr)
		if err != nil {
			return fmt.Errorf("proxy: address %q: %w", addr, err)
		}
		if fi.Mode()&os.ModeSocket == 0 {
			return fmt.Errorf("proxy: address %q is not a socket", addr)
		}
	default:
		return fmt.Errorf("proxy: unsupported network %q", network)
	}
	return nil
}

// ToDialContext returns a dialer through the proxy, or nil when no proxy
// is configured. With tor+socks5 each tag gets its own circuit.
func (cfg *Config) ToDialContext(tag string) DialContextFn {
	if cfg.Type != typeSocks5 && cfg.Type != typeTorSocks5 {
		return nil
	}
	auth := cfg.auth
	if cfg.Type == typeTorSocks5 {
		sum := sha512.Sum512_256([]byte(tag))
		auth = &proxy.Auth{
			User:     isolationPrefix + hex.EncodeToString(sum[:16]),
			Password: "\x00",
		}
	}
	network, address := cfg.Network, cfg.Address
	return func(ctx context.Context, targetNet, targetAddr string) (net.Conn, error) {
		d, err := proxy.SOCKS5(network, address, auth, &net.Dialer{})
		if err != nil {
			return nil, err
		}
		cd, ok := d.(proxy.ContextDialer)
		if !ok {
			return nil, errors.New("proxy: dialer lacks DialContext")
		}
		return cd.DialContext(ctx, targetNet, targetAddr)
	}
}

func newIsolationPrefix() string {
	var seed [8]byte
	if _, err := io.ReadFull(rand.Reader, seed[:]); err != nil {
		panic("proxy: " + err.Error())
	}
	sum := sha512.Sum512_256(append(seed[:], strconv.Itoa(os.Getpid())...))
	return "onionswarm:" + hex.EncodeToString(sum[:8]) + ":"
}
