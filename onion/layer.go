// layer.go - Per hop onion layer encryption.
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

// Package onion builds layered onion request payloads and decodes the
// responses returned through a path.
package onion

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/curve25519"

	"github.com/katzenpost/hpqc/nike/x25519"
	"github.com/katzenpost/hpqc/rand"
)

const (
	// IVSize is the AES-GCM nonce size used on every layer.
	IVSize = 12

	tagSize = 16
)

var (
	// ErrDecode is returned when a response cannot be decoded with the
	// request's symmetric key.
	ErrDecode = errors.New("onion: ciphertext decode error")

	// ErrShortCiphertext is returned for ciphertexts without room for an
	// IV and tag.
	ErrShortCiphertext = errors.New("onion: ciphertext too short")

	// ErrInvalidKey is returned for malformed X25519 keys.
	ErrInvalidKey = errors.New("onion: invalid X25519 key")

	layerKeyLabel = []byte("LOKI")
)

// DestinationContext is the output of one layer encryption: the
// ciphertext, the symmetric key that protects it (and the response to it)
// and the ephemeral public key the recipient needs to derive that key.
type DestinationContext struct {
	Ciphertext   []byte
	SymmetricKey []byte
	EphemeralKey []byte
}

func layerKey(shared []byte) []byte {
	m := hmac.New(sha256.New, layerKeyLabel)
	m.Write(shared)
	return m.Sum(nil)
}

// EncodeLayer encrypts payload to a hop's X25519 key using a fresh
// ephemeral keypair.
func EncodeLayer(hopKey, payload []byte) (*DestinationContext, error) {
	if len(hopKey) != x25519.PublicKeySize {
		return nil, ErrInvalidKey
	}
	eph, err := x25519.NewKeypair(rand.Reader)
	if err != nil {
		return nil, err
	}
	defer eph.Reset()

	shared, err := curve25519.X25519(eph.Bytes(), hopKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	key := layerKey(shared)
	ct, err := sealGCM(key, payload)
	if err != nil {
		return nil, err
	}
	return &DestinationContext{
		Ciphertext:   ct,
		SymmetricKey: key,
		EphemeralKey: append([]byte{}, eph.Public().Bytes()...),
	}, nil
}

// OpenLayer is the relay side of EncodeLayer. It returns the layer
// plaintext and the symmetric key the relay uses for its reply.
func OpenLayer(privKey, ephemeralKey, ciphertext []byte) ([]byte, []byte, error) {
	shared, err := curve25519.X25519(privKey, ephemeralKey)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	key := layerKey(shared)
	pt, err := openGCM(key, ciphertext)
	if err != nil {
		return nil, nil, err
	}
	return pt, key, nil
}

// SealResponse encrypts a destination response the way a relay returns
// it: base64(iv || AES-GCM(key, body)).
func SealResponse(key, body []byte) (string, error) {
	ct, err := sealGCM(key, body)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ct), nil
}

// DecodeOnionResult decodes the raw text returned by the guard. The text
// is either a JSON object carrying the ciphertext in its result field or
// the bare base64 ciphertext.
func DecodeOnionResult(symmetricKey []byte, rawText string) ([]byte, error) {
	text := rawText
	var wrapped struct {
		Result *string `json:"result"`
	}
	if err := json.Unmarshal([]byte(rawText), &wrapped); err == nil && wrapped.Result != nil {
		text = *wrapped.Result
	}

	ct, err := base64.StdEncoding.DecodeString(strings.TrimSpace(text))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	pt, err := openGCM(symmetricKey, ct)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return pt, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func sealGCM(key, plaintext []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, IVSize, IVSize+len(plaintext)+tagSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, err
	}
	return aead.Seal(iv, iv, plaintext, nil), nil
}

func openGCM(key, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < IVSize+tagSize {
		return nil, ErrShortCiphertext
	}
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, ciphertext[:IVSize], ciphertext[IVSize:], nil)
}
