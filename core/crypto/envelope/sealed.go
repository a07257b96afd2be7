// sealed.go - Signed and anonymously sealed message envelope.
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

// Package envelope implements the two envelopes used by onionswarm: a
// per-recipient envelope that is signed by the sender and sealed to the
// recipient, and an authenticated symmetric envelope for local secrets.
package envelope

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/box"

	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/hpqc/sign/ed25519"
)

const (
	// KeySize is the size of an X25519 public or private key.
	KeySize = 32

	trailerSize = ed25519.PublicKeySize + ed25519.SignatureSize
)

var (
	// ErrNoSigningKey is returned when the local signing keypair is
	// unavailable.
	ErrNoSigningKey = errors.New("envelope: no signing keypair available")

	// ErrInvalidKey is returned for malformed X25519 keys.
	ErrInvalidKey = errors.New("envelope: invalid X25519 key")

	// ErrOpen is returned when a sealed envelope cannot be opened.
	ErrOpen = errors.New("envelope: failed to open sealed box")

	// ErrSignature is returned when the sender signature does not verify.
	ErrSignature = errors.New("envelope: invalid sender signature")
)

// SigningKeySource supplies the local long term signing keypair.
type SigningKeySource interface {
	SigningKey() (*ed25519.PrivateKey, error)
}

func toKey(b []byte) (*[KeySize]byte, error) {
	if len(b) != KeySize {
		return nil, ErrInvalidKey
	}
	k := new([KeySize]byte)
	copy(k[:], b)
	return k, nil
}

func signedMessage(plaintext, senderPub, recipient []byte) []byte {
	msg := make([]byte, 0, len(plaintext)+len(senderPub)+len(recipient))
	msg = append(msg, plaintext...)
	msg = append(msg, senderPub...)
	return append(msg, recipient...)
}

// SealAndSign signs plaintext || senderPub || recipient with the local
// signing key and seals plaintext || senderPub || signature to the
// recipient's X25519 key.
func SealAndSign(keys SigningKeySource, recipient, plaintext []byte) ([]byte, error) {
	if keys == nil {
		return nil, ErrNoSigningKey
	}
	sk, err := keys.SigningKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoSigningKey, err)
	}
	if sk == nil {
		return nil, ErrNoSigningKey
	}
	rk, err := toKey(recipient)
	if err != nil {
		return nil, err
	}

	senderPub := sk.PublicKey().Bytes()
	sig := sk.SignMessage(signedMessage(plaintext, senderPub, recipient))

	inner := make([]byte, 0, len(plaintext)+trailerSize)
	inner = append(inner, plaintext...)
	inner = append(inner, senderPub...)
	inner = append(inner, sig...)
	return box.SealAnonymous(nil, inner, rk, rand.Reader)
}

// OpenAndVerify opens a sealed envelope with the recipient's X25519
// keypair and verifies the embedded sender signature, returning the
// plaintext and the sender's signing key.
func OpenAndVerify(recipientPub, recipientPriv, sealed []byte) ([]byte, *ed25519.PublicKey, error) {
	pk, err := toKey(recipientPub)
	if err != nil {
		return nil, nil, err
	}
	sk, err := toKey(recipientPriv)
	if err != nil {
		return nil, nil, err
	}
	inner, ok := box.OpenAnonymous(nil, sealed, pk, sk)
	if !ok {
		return nil, nil, ErrOpen
	}
	if len(inner) < trailerSize {
		return nil, nil, ErrOpen
	}

	n := len(inner) - trailerSize
	plaintext := inner[:n]
	senderBytes := inner[n : n+ed25519.PublicKeySize]
	sig := inner[n+ed25519.PublicKeySize:]

	sender := new(ed25519.PublicKey)
	if err := sender.FromBytes(senderBytes); err != nil {
		return nil, nil, err
	}
	if !sender.Verify(sig, signedMessage(plaintext, senderBytes, recipientPub)) {
		return nil, nil, ErrSignature
	}
	return plaintext, sender, nil
}
