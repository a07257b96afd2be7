// symmetric.go - Nonce keyed authenticated symmetric envelope.
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

package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"io"

	"github.com/katzenpost/hpqc/rand"
)

const (
	// NonceSize is the size of the random per-envelope nonce.
	NonceSize = 16

	// MACSize is the size of the truncated HMAC-SHA256 tag.
	MACSize = 16

	blockSize = aes.BlockSize
)

var (
	// ErrMACVerification is returned when the envelope fails its
	// integrity check.
	ErrMACVerification = errors.New("envelope: MAC verification failed")

	// ErrCiphertextTooShort is returned for envelopes that cannot hold a
	// nonce, one cipher block and a MAC.
	ErrCiphertextTooShort = errors.New("envelope: ciphertext too short")

	// ErrBadPadding is returned when an authenticated envelope carries
	// invalid PKCS#7 padding.
	ErrBadPadding = errors.New("envelope: invalid padding")
)

var zeroIV [blockSize]byte

func hmacSHA256(key, msg []byte) []byte {
	m := hmac.New(sha256.New, key)
	m.Write(msg)
	return m.Sum(nil)
}

// deriveKeys expands the long term key and a nonce into a per-envelope
// cipher key and MAC key.
func deriveKeys(key, nonce []byte) (cipherKey, macKey []byte) {
	cipherKey = hmacSHA256(key, nonce)
	macKey = hmacSHA256(key, cipherKey)
	return
}

// EncryptAuthenticated seals plaintext under key and returns
// nonce || ciphertext || mac. The AES-256-CBC IV is all zero, which is
// only sound because the cipher key is derived from a fresh nonce.
func EncryptAuthenticated(key, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	cipherKey, macKey := deriveKeys(key, nonce)

	block, err := aes.NewCipher(cipherKey)
	if err != nil {
		return nil, err
	}
	padded := pkcs7Pad(plaintext)
	out := make([]byte, NonceSize+len(padded), NonceSize+len(padded)+MACSize)
	copy(out, nonce)
	cipher.NewCBCEncrypter(block, zeroIV[:]).CryptBlocks(out[NonceSize:], padded)

	mac := hmacSHA256(macKey, out[NonceSize:])
	return append(out, mac[:MACSize]...), nil
}

// DecryptAuthenticated opens an envelope produced by EncryptAuthenticated.
// The MAC is checked in constant time before any decryption takes place.
func DecryptAuthenticated(key, data []byte) ([]byte, error) {
	if len(data) < NonceSize+blockSize+MACSize {
		return nil, ErrCiphertextTooShort
	}
	nonce := data[:NonceSize]
	ct := data[NonceSize : len(data)-MACSize]
	mac := data[len(data)-MACSize:]
	if len(ct)%blockSize != 0 {
		return nil, ErrMACVerification
	}

	cipherKey, macKey := deriveKeys(key, nonce)
	expected := hmacSHA256(macKey, ct)
	if !hmac.Equal(expected[:MACSize], mac) {
		return nil, ErrMACVerification
	}

	block, err := aes.NewCipher(cipherKey)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, zeroIV[:]).CryptBlocks(out, ct)
	return pkcs7Unpad(out)
}

func pkcs7Pad(b []byte) []byte {
	n := blockSize - len(b)%blockSize
	out := make([]byte, len(b)+n)
	copy(out, b)
	for i := len(b); i < len(out); i++ {
		out[i] = byte(n)
	}
	return out
}

func pkcs7Unpad(b []byte) ([]byte, error) {
	if len(b) == 0 || len(b)%blockSize != 0 {
		return nil, ErrBadPadding
	}
	n := int(b[len(b)-1])
	if n == 0 || n > blockSize {
		return nil, ErrBadPadding
	}
	for _, v := range b[len(b)-n:] {
		if int(v) != n {
			return nil, ErrBadPadding
		}
	}
	return b[:len(b)-n], nil
}
