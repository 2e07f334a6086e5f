// Package wrap provides keystore.Wrapper implementations that protect key
// material at rest: a local wrapper deriving a master key from a passphrase,
// and a Google Cloud KMS wrapper for hardware-backed protection.
package wrap

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/pbkdf2"

	"github.com/haukened/biogate/internal/keystore"
)

const (
	// SaltSize is the length of the PBKDF2 salt in bytes.
	SaltSize = 16
	// pbkdf2Iter is the PBKDF2 iteration count for SHA-256.
	pbkdf2Iter = 600_000
	// masterKeyLen is the derived master key length (AES-256).
	masterKeyLen = 32
	// nonceSize is the AES-GCM nonce length.
	nonceSize = 12
)

var _ keystore.Wrapper = (*Local)(nil)

// ErrUnwrap is returned when a wrapped blob fails authentication.
var ErrUnwrap = errors.New("unwrap failed")

// Local wraps key material with AES-256-GCM under a master key derived
// from a passphrase. Output format: nonce || ciphertext.
type Local struct {
	aead cipher.AEAD
}

// NewLocal derives the master key from passphrase and salt.
func NewLocal(passphrase, salt []byte) (*Local, error) {
	if len(passphrase) == 0 {
		return nil, errors.New("empty passphrase")
	}
	if len(salt) < SaltSize {
		return nil, errors.New("salt too short")
	}
	mk := pbkdf2.Key(passphrase, salt, pbkdf2Iter, masterKeyLen, sha256.New)
	defer Zeroize(mk)
	return newLocalFromKey(mk)
}

func newLocalFromKey(mk []byte) (*Local, error) {
	block, err := aes.NewCipher(mk)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Local{aead: aead}, nil
}

// Wrap encrypts plain, binding name as associated data.
func (l *Local) Wrap(_ context.Context, name string, plain []byte) ([]byte, error) {
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return l.aead.Seal(nonce, nonce, plain, []byte(name)), nil
}

// Unwrap decrypts a blob produced by Wrap for the same name.
func (l *Local) Unwrap(_ context.Context, name string, wrapped []byte) ([]byte, error) {
	if len(wrapped) < nonceSize+l.aead.Overhead() {
		return nil, errors.New("wrapped key too short")
	}
	out, err := l.aead.Open(nil, wrapped[:nonceSize], wrapped[nonceSize:], []byte(name))
	if err != nil {
		return nil, ErrUnwrap
	}
	return out, nil
}

// Zeroize overwrites the contents of the byte slice with zeros.
func Zeroize(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
}
