// SPDX-FileCopyrightText: Copyright (C) 2026  The Onionswarm Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/onionswarm/internal/testutil"
)

func seedNodes(n int) string {
	var b strings.Builder
	for i, node := range testutil.NewNodes(n) {
		fmt.Fprintf(&b, "\n[[SeedNodes]]\n  IP = %q\n  Port = %d\n  X25519 = %q\n  Ed25519 = %q\n",
			node.IP, 22000+i, node.X25519, node.Ed25519)
	}
	return b.String()
}

func TestConfig(t *testing.T) {
	require := require.New(t)

	_, err := Load(nil)
	require.EqualError(err, "No nil buffer as config file")

	dataDir := t.TempDir()
	basicConfig := fmt.Sprintf(`# A basic configuration example.
[Identity]
DataDir = %q

[Logging]
Level = "debug"

[Poller]
Groups = [ "05%s" ]
`, dataDir, strings.Repeat("ab", 32)) + seedNodes(3)

	cfg, err := Load([]byte(basicConfig))
	require.NoError(err)
	require.Equal("DEBUG", cfg.Logging.Level)
	require.Equal(filepath.Join(dataDir, defaultKeyFile), cfg.Identity.KeyFile)
	require.Equal(defaultPassphraseEnv, cfg.Identity.PassphraseEnv)
	require.Equal(BackendBolt, cfg.Storage.Backend)
	require.Equal(filepath.Join(dataDir, defaultBoltFile), cfg.Storage.Bolt.File)
	require.Equal(2, cfg.Onion.Paths)
	require.Equal(10*time.Second, cfg.Onion.Timeout())
	require.Equal(5*time.Second, cfg.Poller.Tick())
	require.Len(cfg.SeedNodes, 3)

	p := cfg.Onion.RetryPolicy()
	require.Equal(5, p.MaxAttempts)
	require.Equal(time.Second, p.BaseDelay)
	require.Equal(2*time.Second, p.MaxDelay)

	t.Run("store round trips", func(t *testing.T) {
		f := filepath.Join(t.TempDir(), "onionswarm.toml")
		require.NoError(Store(cfg, f))
		again, err := LoadFile(f)
		require.NoError(err)
		require.Equal(cfg.Identity, again.Identity)
		require.Equal(cfg.Storage.Backend, again.Storage.Backend)
		require.Equal(cfg.Poller.Groups, again.Poller.Groups)
		require.Equal(cfg.SeedNodes, again.SeedNodes)
	})
}

func TestInvalidConfig(t *testing.T) {
	dataDir := t.TempDir()
	identity := fmt.Sprintf("[Identity]\nDataDir = %q\n", dataDir)
	nodes := seedNodes(3)

	for _, v := range []struct {
		name   string
		config string
	}{
		{"no identity", nodes},
		{"relative data dir", "[Identity]\nDataDir = \"state\"\n" + nodes},
		{"bad log level", identity + "[Logging]\nLevel = \"LOUD\"\n" + nodes},
		{"too few seed nodes", identity + seedNodes(2)},
		{"bad group", identity + "[Poller]\nGroups = [\"06abcd\"]\n" + nodes},
		{"unknown backend", identity + "[Storage]\nBackend = \"floppy\"\n" + nodes},
		{"redis without block", identity + "[Storage]\nBackend = \"redis\"\n" + nodes},
		{"postgres without dsn", identity + "[Storage]\nBackend = \"postgres\"\n" + nodes},
		{"undecoded key", identity + "Frobnicate = true\n" + nodes},
		{"http3 through proxy", identity + "[Transport]\nUseHTTP3 = true\n[Transport.UpstreamProxy]\nType = \"socks5\"\nNetwork = \"tcp\"\nAddress = \"127.0.0.1:9050\"\n" + nodes},
		{"bad metrics address", identity + "[Metrics]\nAddress = \"nowhere\"\n" + nodes},
	} {
		t.Run(v.name, func(t *testing.T) {
			_, err := Load([]byte(v.config))
			require.Error(t, err)
		})
	}
}

func TestStorageBackends(t *testing.T) {
	require := require.New(t)
	dataDir := t.TempDir()
	base := fmt.Sprintf("[Identity]\nDataDir = %q\n", dataDir)

	cfg, err := Load([]byte(base + "[Storage]\nBackend = \"Redis\"\n[Storage.Redis]\nAddr = \"127.0.0.1:6379\"\nPrefix = \"os:\"\n" + seedNodes(3)))
	require.NoError(err)
	require.Equal(BackendRedis, cfg.Storage.Backend)
	require.Equal("os:", cfg.Storage.Redis.Prefix)

	cfg, err = Load([]byte(base + "[Storage]\nBackend = \"postgres\"\n[Storage.Postgres]\nDataSourceName = \"postgres://localhost/onionswarm\"\n" + seedNodes(3)))
	require.NoError(err)
	require.Equal(defaultPgxMaxConns, cfg.Storage.Postgres.MaxConns)

	cfg, err = Load([]byte(base + "[Storage]\nBackend = \"memory\"\n" + seedNodes(3)))
	require.NoError(err)
	require.Nil(cfg.Storage.Bolt)
}
