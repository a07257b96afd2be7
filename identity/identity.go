// identity.go - Long term client identity.
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

// Package identity holds the long term keys of a client: the ed25519
// signing key that authenticates outbound envelopes and the X25519 key
// that names the client's mailbox.
package identity

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"

	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/hpqc/sign/ed25519"

	"github.com/katzenpost/onionswarm/core/crypto/envelope"
)

const (
	// SessionIDPrefix prefixes the hex X25519 key in a session id.
	SessionIDPrefix = "05"

	saltSize = 16

	argonTime    = 3
	argonMemory  = 32 * 1024
	argonThreads = 4
)

var (
	// ErrBadPassphrase is returned when an identity file does not decrypt.
	ErrBadPassphrase = errors.New("identity: wrong passphrase or corrupted file")

	errBadKeys = errors.New("identity: malformed key material")
)

type keyFile struct {
	Salt   []byte `cbor:"salt"`
	Sealed []byte `cbor:"sealed"`
}

type keyMaterial struct {
	Ed25519 []byte `cbor:"ed25519"`
	X25519  []byte `cbor:"x25519"`
}

// Identity is a client's key pair set.
type Identity struct {
	signing *ed25519.PrivateKey
	xPub    [envelope.KeySize]byte
	xPriv   [envelope.KeySize]byte
}

// Generate returns a fresh identity.
func Generate() (*Identity, error) {
	sk, _, err := ed25519.NewKeypair(rand.Reader)
	if err != nil {
		return nil, err
	}
	xPub, xPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Identity{signing: sk, xPub: *xPub, xPriv: *xPriv}, nil
}

func fromMaterial(m *keyMaterial) (*Identity, error) {
	if len(m.X25519) != envelope.KeySize {
		return nil, errBadKeys
	}
	sk := ed25519.NewEmptyPrivateKey()
	if err := sk.FromBytes(m.Ed25519); err != nil {
		return nil, errBadKeys
	}
	id := &Identity{signing: sk}
	copy(id.xPriv[:], m.X25519)
	pub, err := curve25519.X25519(id.xPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, errBadKeys
	}
	copy(id.xPub[:], pub)
	return id, nil
}

// SigningKey returns the ed25519 key that signs outbound envelopes.
func (id *Identity) SigningKey() (*ed25519.PrivateKey, error) {
	return id.signing, nil
}

// SigningPublicKey returns the public half of the signing key.
func (id *Identity) SigningPublicKey() *ed25519.PublicKey {
	return id.signing.PublicKey()
}

// SessionID returns the mailbox name of this identity.
func (id *Identity) SessionID() string {
	return SessionIDPrefix + hex.EncodeToString(id.xPub[:])
}

// X25519PublicKey returns the mailbox key.
func (id *Identity) X25519PublicKey() []byte {
	return append([]byte{}, id.xPub[:]...)
}

// Open decrypts and authenticates an envelope addressed to this identity.
func (id *Identity) Open(sealed []byte) ([]byte, *ed25519.PublicKey, error) {
	return envelope.OpenAndVerify(id.xPub[:], id.xPriv[:], sealed)
}

// Save writes the identity to path, encrypted under passphrase.
func (id *Identity) Save(path string, passphrase []byte) error {
	plaintext, err := cbor.Marshal(&keyMaterial{
		Ed25519: id.signing.Bytes(),
		X25519:  id.xPriv[:],
	})
	if err != nil {
		return err
	}
	kf := &keyFile{Salt: make([]byte, saltSize)}
	if _, err := io.ReadFull(rand.Reader, kf.Salt); err != nil {
		return err
	}
	if kf.Sealed, err = envelope.EncryptAuthenticated(stretch(passphrase, kf.Salt), plaintext); err != nil {
		return err
	}
	b, err := cbor.Marshal(kf)
	if err != nil {
		return err
	}
	return writeFile(path, b)
}

// Load reads an identity written by Save.
func Load(path string, passphrase []byte) (*Identity, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var kf keyFile
	if err := cbor.Unmarshal(b, &kf); err != nil {
		return nil, fmt.Errorf("identity: %s: %w", path, err)
	}
	plaintext, err := envelope.DecryptAuthenticated(stretch(passphrase, kf.Salt), kf.Sealed)
	if err != nil {
		return nil, ErrBadPassphrase
	}
	var m keyMaterial
	if err := cbor.Unmarshal(plaintext, &m); err != nil {
		return nil, errBadKeys
	}
	return fromMaterial(&m)
}

// LoadOrGenerate loads the identity at path, creating and saving a new
// one if the file does not exist.
func LoadOrGenerate(path string, passphrase []byte) (*Identity, bool, error) {
	id, err := Load(path, passphrase)
	switch {
	case err == nil:
		return id, false, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, false, err
	}
	if id, err = Generate(); err != nil {
		return nil, false, err
	}
	if err = id.Save(path, passphrase); err != nil {
		return nil, false, err
	}
	return id, true, nil
}

func stretch(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, argonTime, argonMemory, argonThreads, envelope.KeySize)
}

func writeFile(path string, b []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
