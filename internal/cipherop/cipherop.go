// Package cipherop provides single-use AES-CBC/PKCS#7 operations bound to one
// authentication proof. An Operation is built for exactly one input, handed
// to the code that collects the proof, and consumed by Finish; it cannot be
// reused.
package cipherop

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/haukened/biogate/internal/domain"
)

// BlockSize is the AES block size and the IV length.
const BlockSize = 16

// KeyMaterial is an opaque reference to a key held in secure storage. Raw
// key bytes are never exposed; callers only obtain an initialized block.
type KeyMaterial interface {
	NewBlock() (cipher.Block, error)
}

// Releaser is implemented by key material that holds secret bytes in
// memory. Release wipes them; NewBlock fails afterwards.
type Releaser interface {
	Release()
}

// Release wipes key when it implements Releaser.
func Release(key KeyMaterial) {
	if r, ok := key.(Releaser); ok {
		r.Release()
	}
}

// Direction tells whether an Operation encrypts or decrypts.
type Direction int

const (
	Encrypt Direction = iota + 1
	Decrypt
)

func (d Direction) String() string {
	if d == Encrypt {
		return "encrypt"
	}
	return "decrypt"
}

// Proof is the evidence of one successful authentication, scoped to the
// operation it was collected for.
type Proof struct {
	Binding string
}

// ErrConsumed is returned by Finish when the operation was already used.
var ErrConsumed = errors.New("operation already consumed")

// ErrProofMismatch is returned by Finish when the proof was collected for a
// different operation.
var ErrProofMismatch = errors.New("proof does not match operation")

// randReader is swapped in tests.
var randReader io.Reader = rand.Reader

// Operation carries an initialized cipher and the input it was built for.
type Operation struct {
	id    string
	dir   Direction
	key   KeyMaterial
	block cipher.Block
	iv    []byte
	input []byte

	mu   sync.Mutex
	used bool
}

// NewEncryption prepares an encryption of plaintext under key with a fresh
// random IV. The operation owns key from here on and releases it when it is
// finished or discarded.
func NewEncryption(key KeyMaterial, plaintext []byte) (*Operation, error) {
	block, err := newBlock(key)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, BlockSize)
	if _, err := io.ReadFull(randReader, iv); err != nil {
		return nil, fmt.Errorf("%w: generating iv: %v", domain.ErrCipherFailure, err)
	}
	return &Operation{
		id:    uuid.NewString(),
		dir:   Encrypt,
		key:   key,
		block: block,
		iv:    iv,
		input: append([]byte(nil), plaintext...),
	}, nil
}

// NewDecryption prepares a decryption of ciphertext with the given IV. Key
// ownership is as for NewEncryption.
func NewDecryption(key KeyMaterial, iv, ciphertext []byte) (*Operation, error) {
	if len(iv) != BlockSize {
		return nil, fmt.Errorf("%w: iv length %d", domain.ErrCipherFailure, len(iv))
	}
	block, err := newBlock(key)
	if err != nil {
		return nil, err
	}
	return &Operation{
		id:    uuid.NewString(),
		dir:   Decrypt,
		key:   key,
		block: block,
		iv:    append([]byte(nil), iv...),
		input: append([]byte(nil), ciphertext...),
	}, nil
}

func newBlock(key KeyMaterial) (cipher.Block, error) {
	if key == nil {
		return nil, fmt.Errorf("%w: nil key", domain.ErrCipherFailure)
	}
	block, err := key.NewBlock()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCipherFailure, err)
	}
	if block.BlockSize() != BlockSize {
		return nil, fmt.Errorf("%w: unexpected block size %d", domain.ErrCipherFailure, block.BlockSize())
	}
	return block, nil
}

// Binding is the identifier a prompt must echo back in its Proof.
func (o *Operation) Binding() string { return o.id }

// Direction reports what Finish will do.
func (o *Operation) Direction() Direction { return o.dir }

// IV returns a copy of the initialization vector.
func (o *Operation) IV() []byte { return append([]byte(nil), o.iv...) }

// Finish applies the cipher to the operation's input. It succeeds at most
// once and only with a proof collected for this operation. All failures
// wrap domain.ErrCipherFailure.
func (o *Operation) Finish(p Proof) ([]byte, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.used {
		return nil, fmt.Errorf("%w: %w", domain.ErrCipherFailure, ErrConsumed)
	}
	if p.Binding != o.id {
		return nil, fmt.Errorf("%w: %w", domain.ErrCipherFailure, ErrProofMismatch)
	}
	o.used = true
	defer o.wipe()

	switch o.dir {
	case Encrypt:
		padded := pad(o.input, BlockSize)
		out := make([]byte, len(padded))
		cipher.NewCBCEncrypter(o.block, o.iv).CryptBlocks(out, padded)
		return out, nil
	case Decrypt:
		if len(o.input) == 0 || len(o.input)%BlockSize != 0 {
			return nil, fmt.Errorf("%w: ciphertext length %d", domain.ErrCipherFailure, len(o.input))
		}
		out := make([]byte, len(o.input))
		cipher.NewCBCDecrypter(o.block, o.iv).CryptBlocks(out, o.input)
		plain, err := unpad(out, BlockSize)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrCipherFailure, err)
		}
		return plain, nil
	default:
		return nil, fmt.Errorf("%w: unknown direction", domain.ErrCipherFailure)
	}
}

// Discard releases the operation without using it.
func (o *Operation) Discard() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.used = true
	o.wipe()
}

func (o *Operation) wipe() {
	for i := range o.input {
		o.input[i] = 0
	}
	o.input = nil
	o.block = nil
	if o.key != nil {
		Release(o.key)
		o.key = nil
	}
}
