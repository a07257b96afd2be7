// SPDX-FileCopyrightText: Copyright (C) 2026  The Onionswarm Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package profiling

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSettingsFromEnv(t *testing.T) {
	require := require.New(t)

	t.Setenv("PYROSCOPE_SERVER_ADDRESS", "")
	_, err := SettingsFromEnv()
	require.ErrorIs(err, ErrNoServer)

	t.Setenv("PYROSCOPE_SERVER_ADDRESS", "http://127.0.0.1:4040")
	t.Setenv("PYROSCOPE_APP_NAME", "")
	t.Setenv("PYROSCOPE_SERVICE_TAG", "client-7")
	s, err := SettingsFromEnv()
	require.NoError(err)
	require.Equal("onionswarm", s.AppName)
	require.Equal("client-7", s.ServiceTag)
}
