// SPDX-FileCopyrightText: Copyright (C) 2026  The Onionswarm Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/onionswarm/core/log"
)

func exerciseStorage(t *testing.T, s Storage, prefix string) {
	require := require.New(t)

	_, ok, err := s.GetItem(prefix + "pendingMessages")
	require.NoError(err)
	require.False(ok)

	require.NoError(s.SetItem(prefix+"pendingMessages", "first"))
	require.NoError(s.SetItem(prefix+"pendingMessages", "second"))
	require.NoError(s.SetItem(prefix+"guardNodes", ""))

	v, ok, err := s.GetItem(prefix + "pendingMessages")
	require.NoError(err)
	require.True(ok)
	require.Equal("second", v)

	v, ok, err = s.GetItem(prefix + "guardNodes")
	require.NoError(err)
	require.True(ok)
	require.Empty(v)
}

func TestMem(t *testing.T) {
	m := NewMem()
	exerciseStorage(t, m, "")
	require.Equal(t, 3, m.Writes())
	require.NoError(t, m.Close())
	require.ErrorIs(t, m.SetItem("a", "b"), ErrClosed)
}

func TestBolt(t *testing.T) {
	require := require.New(t)

	backend, err := log.New("", "DEBUG", false)
	require.NoError(err)
	f := filepath.Join(t.TempDir(), "onionswarm.db")

	b, err := NewBolt(f, backend.GetLogger("bolt"))
	require.NoError(err)
	exerciseStorage(t, b, "")
	require.NoError(b.Close())

	// Values survive reopening.
	b, err = NewBolt(f, backend.GetLogger("bolt"))
	require.NoError(err)
	defer b.Close()
	v, ok, err := b.GetItem("pendingMessages")
	require.NoError(err)
	require.True(ok)
	require.Equal("second", v)
}

func TestRedis(t *testing.T) {
	addr := os.Getenv("ONIONSWARM_TEST_REDIS")
	if addr == "" {
		t.Skip("ONIONSWARM_TEST_REDIS not set")
	}
	r, err := NewRedis(&RedisConfig{Addr: addr, Prefix: "onionswarm-test:" + t.Name() + ":"})
	require.NoError(t, err)
	defer r.Close()
	exerciseStorage(t, r, fmt.Sprintf("%d:", time.Now().UnixNano()))
}

func TestPostgres(t *testing.T) {
	dsn := os.Getenv("ONIONSWARM_TEST_POSTGRES")
	if dsn == "" {
		t.Skip("ONIONSWARM_TEST_POSTGRES not set")
	}
	backend, err := log.New("", "DEBUG", false)
	require.NoError(t, err)
	p, err := NewPostgres(dsn, 0, "DEBUG", backend.GetLogger("pgx"))
	require.NoError(t, err)
	defer p.Close()
	exerciseStorage(t, p, fmt.Sprintf("%d:", time.Now().UnixNano()))
}
