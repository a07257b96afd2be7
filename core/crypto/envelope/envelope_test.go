// SPDX-FileCopyrightText: Copyright (C) 2026  The Onionswarm Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package envelope

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/nacl/box"

	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/hpqc/sign/ed25519"
)

type staticKeys struct {
	sk  *ed25519.PrivateKey
	err error
}

func (s *staticKeys) SigningKey() (*ed25519.PrivateKey, error) {
	return s.sk, s.err
}

func TestAuthenticatedEnvelope(t *testing.T) {
	require := require.New(t)
	key := []byte("local secret storage key")

	t.Run("round trip", func(t *testing.T) {
		for _, p := range [][]byte{
			{},
			[]byte("a"),
			bytes.Repeat([]byte{0x10}, 16),
			bytes.Repeat([]byte("onion"), 101),
		} {
			ct, err := EncryptAuthenticated(key, p)
			require.NoError(err)
			require.Equal(0, (len(ct)-NonceSize-MACSize)%16)

			pt, err := DecryptAuthenticated(key, ct)
			require.NoError(err)
			require.Equal(len(p), len(pt))
			require.True(bytes.Equal(p, pt))
		}
	})

	t.Run("fresh nonce per call", func(t *testing.T) {
		a, err := EncryptAuthenticated(key, []byte("same"))
		require.NoError(err)
		b, err := EncryptAuthenticated(key, []byte("same"))
		require.NoError(err)
		require.NotEqual(a, b)
	})

	t.Run("every single bit flip fails", func(t *testing.T) {
		ct, err := EncryptAuthenticated(key, []byte("attack at dawn"))
		require.NoError(err)
		for i := 0; i < len(ct)*8; i++ {
			flipped := append([]byte{}, ct...)
			flipped[i/8] ^= 1 << (i % 8)
			_, err := DecryptAuthenticated(key, flipped)
			require.ErrorIs(err, ErrMACVerification, "bit %d", i)
		}
	})

	t.Run("wrong key", func(t *testing.T) {
		ct, err := EncryptAuthenticated(key, []byte("x"))
		require.NoError(err)
		_, err = DecryptAuthenticated([]byte("other"), ct)
		require.ErrorIs(err, ErrMACVerification)
	})

	t.Run("truncated", func(t *testing.T) {
		_, err := DecryptAuthenticated(key, make([]byte, NonceSize+MACSize))
		require.ErrorIs(err, ErrCiphertextTooShort)
	})
}

func TestSealAndSign(t *testing.T) {
	require := require.New(t)

	sk, _, err := ed25519.NewKeypair(rand.Reader)
	require.NoError(err)
	rPub, rPriv, err := box.GenerateKey(rand.Reader)
	require.NoError(err)

	t.Run("round trip", func(t *testing.T) {
		msg := []byte("hello device")
		sealed, err := SealAndSign(&staticKeys{sk: sk}, rPub[:], msg)
		require.NoError(err)
		require.False(bytes.Contains(sealed, sk.PublicKey().Bytes()))

		pt, sender, err := OpenAndVerify(rPub[:], rPriv[:], sealed)
		require.NoError(err)
		require.Equal(msg, pt)
		require.Equal(sk.PublicKey().Bytes(), sender.Bytes())
	})

	t.Run("wrong recipient", func(t *testing.T) {
		sealed, err := SealAndSign(&staticKeys{sk: sk}, rPub[:], []byte("x"))
		require.NoError(err)
		oPub, oPriv, err := box.GenerateKey(rand.Reader)
		require.NoError(err)
		_, _, err = OpenAndVerify(oPub[:], oPriv[:], sealed)
		require.ErrorIs(err, ErrOpen)
	})

	t.Run("signature is bound to the recipient", func(t *testing.T) {
		// Re-seal a valid inner payload to a second recipient: the
		// signature covers the first recipient key and must not verify.
		msg := []byte("forwarded")
		senderPub := sk.PublicKey().Bytes()
		sig := sk.SignMessage(signedMessage(msg, senderPub, rPub[:]))
		inner := append(append(append([]byte{}, msg...), senderPub...), sig...)

		oPub, oPriv, err := box.GenerateKey(rand.Reader)
		require.NoError(err)
		sealed, err := box.SealAnonymous(nil, inner, oPub, rand.Reader)
		require.NoError(err)
		_, _, err = OpenAndVerify(oPub[:], oPriv[:], sealed)
		require.ErrorIs(err, ErrSignature)
	})

	t.Run("missing signing key", func(t *testing.T) {
		_, err := SealAndSign(nil, rPub[:], []byte("x"))
		require.ErrorIs(err, ErrNoSigningKey)
		_, err = SealAndSign(&staticKeys{}, rPub[:], []byte("x"))
		require.ErrorIs(err, ErrNoSigningKey)
		_, err = SealAndSign(&staticKeys{err: errors.New("locked")}, rPub[:], []byte("x"))
		require.ErrorIs(err, ErrNoSigningKey)
	})

	t.Run("bad recipient key", func(t *testing.T) {
		_, err := SealAndSign(&staticKeys{sk: sk}, []byte{1, 2, 3}, []byte("x"))
		require.ErrorIs(err, ErrInvalidKey)
	})
}
