// SPDX-FileCopyrightText: Copyright (C) 2026  The Onionswarm Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package identity

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/onionswarm/core/crypto/envelope"
)

func TestIdentity(t *testing.T) {
	require := require.New(t)
	id, err := Generate()
	require.NoError(err)

	sid := id.SessionID()
	require.True(strings.HasPrefix(sid, SessionIDPrefix))
	require.Len(sid, 2+2*envelope.KeySize)
	require.Equal(hex.EncodeToString(id.X25519PublicKey()), sid[2:])

	t.Run("envelopes round trip", func(t *testing.T) {
		sender, err := Generate()
		require.NoError(err)
		sealed, err := envelope.SealAndSign(sender, id.X25519PublicKey(), []byte("hi"))
		require.NoError(err)
		pt, from, err := id.Open(sealed)
		require.NoError(err)
		require.Equal([]byte("hi"), pt)
		require.True(sender.SigningPublicKey().Equal(from))
	})
}

func TestSaveLoad(t *testing.T) {
	require := require.New(t)
	path := filepath.Join(t.TempDir(), "identity.key")
	pass := []byte("correct horse")

	id, created, err := LoadOrGenerate(path, pass)
	require.NoError(err)
	require.True(created)

	again, created, err := LoadOrGenerate(path, pass)
	require.NoError(err)
	require.False(created)
	require.Equal(id.SessionID(), again.SessionID())
	require.Equal(id.signing.Bytes(), again.signing.Bytes())

	_, err = Load(path, []byte("wrong"))
	require.ErrorIs(err, ErrBadPassphrase)

	fi, err := os.Stat(path)
	require.NoError(err)
	require.Equal(os.FileMode(0600), fi.Mode().Perm())

	_, err = Load(filepath.Join(t.TempDir(), "missing"), pass)
	require.ErrorIs(err, os.ErrNotExist)
}
