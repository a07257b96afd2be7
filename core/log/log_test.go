// SPDX-FileCopyrightText: Copyright (C) 2026  The Onionswarm Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package log

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBackend(t *testing.T) {
	require := require.New(t)

	t.Run("invalid level", func(t *testing.T) {
		_, err := New("", "LOUD", false)
		require.Error(err)
		require.Error(ValidateLevel("LOUD"))
		require.NoError(ValidateLevel("debug"))
	})

	t.Run("file output and rotate", func(t *testing.T) {
		f := filepath.Join(t.TempDir(), "onionswarm.log")
		b, err := New(f, "info", false)
		require.NoError(err)
		require.Equal("INFO", b.Level())

		l := b.GetLogger("test")
		l.Infof("hello %s", "world")
		l.Debug("dropped")

		require.NoError(b.Rotate())
		b.GetGoLogger("gotest", "WARNING").Println("from runtime logger")

		raw, err := os.ReadFile(f)
		require.NoError(err)
		require.Contains(string(raw), "test: hello world")
		require.NotContains(string(raw), "dropped")
		require.Contains(string(raw), "gotest: from runtime logger")
	})

	t.Run("disabled", func(t *testing.T) {
		b, err := New("", "DEBUG", true)
		require.NoError(err)
		n, err := b.GetLogWriter("quiet", "DEBUG").Write([]byte("nothing\n"))
		require.NoError(err)
		require.Equal(8, n)
	})
}
