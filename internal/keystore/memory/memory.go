// Package memory provides an in-process keystore.Backend. Keys live only as
// long as the Backend; it suits embedders that re-provision on start and
// tests that need a real Registry without a database.
package memory

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/haukened/biogate/internal/domain"
	"github.com/haukened/biogate/internal/keystore"
)

var _ keystore.Backend = (*Backend)(nil)

// Backend is a mutex-guarded map of keys.
type Backend struct {
	mu   sync.Mutex
	keys map[domain.KeyName]*stored
	rand io.Reader
	now  func() time.Time
}

type stored struct {
	info keystore.KeyInfo
	raw  []byte
}

// New returns an empty Backend.
func New() *Backend {
	return &Backend{
		keys: make(map[domain.KeyName]*stored),
		rand: rand.Reader,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (b *Backend) Generate(_ context.Context, name domain.KeyName, spec keystore.KeySpec, enrollment string) error {
	if spec.Algorithm != "AES" {
		return fmt.Errorf("unsupported algorithm %q", spec.Algorithm)
	}
	raw := make([]byte, spec.KeyBits/8)
	if _, err := io.ReadFull(b.rand, raw); err != nil {
		return fmt.Errorf("generating key material: %w", err)
	}
	if _, err := aes.NewCipher(raw); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.keys[name] = &stored{
		info: keystore.KeyInfo{
			Name:       name,
			Spec:       spec,
			Status:     keystore.StatusActive,
			Enrollment: enrollment,
			CreatedAt:  b.now(),
		},
		raw: raw,
	}
	return nil
}

func (b *Backend) Get(_ context.Context, name domain.KeyName) (keystore.Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	k, ok := b.keys[name]
	if !ok {
		return keystore.Entry{}, fmt.Errorf("key %q: %w", name, domain.ErrKeyNotFound)
	}
	if k.info.Status != keystore.StatusActive {
		return keystore.Entry{}, fmt.Errorf("key %q: %w", name, domain.ErrKeyInvalidated)
	}
	return keystore.Entry{Info: k.info, Material: &material{key: append([]byte(nil), k.raw...)}}, nil
}

func (b *Backend) Invalidate(_ context.Context, name domain.KeyName) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	k, ok := b.keys[name]
	if !ok {
		return fmt.Errorf("key %q: %w", name, domain.ErrKeyNotFound)
	}
	b.invalidate(k)
	return nil
}

func (b *Backend) InvalidateAll(_ context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, k := range b.keys {
		if k.info.Status == keystore.StatusActive && k.info.Spec.InvalidatedByEnrollment {
			b.invalidate(k)
			n++
		}
	}
	return n, nil
}

// invalidate must be called with mu held. Material is dropped so an
// invalidated key can never be used again.
func (b *Backend) invalidate(k *stored) {
	k.info.Status = keystore.StatusInvalidated
	k.info.InvalidatedAt = b.now()
	for i := range k.raw {
		k.raw[i] = 0
	}
	k.raw = nil
}

func (b *Backend) Delete(_ context.Context, name domain.KeyName) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.keys[name]; !ok {
		return fmt.Errorf("key %q: %w", name, domain.ErrKeyNotFound)
	}
	delete(b.keys, name)
	return nil
}

func (b *Backend) List(_ context.Context) ([]keystore.KeyInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]keystore.KeyInfo, 0, len(b.keys))
	for _, k := range b.keys {
		out = append(out, k.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// material is a copy of the key bytes taken at Get time.
type material struct {
	mu  sync.Mutex
	key []byte
}

func (m *material) NewBlock() (cipher.Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.key == nil {
		return nil, errors.New("key material released")
	}
	return aes.NewCipher(m.key)
}

func (m *material) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.key {
		m.key[i] = 0
	}
	m.key = nil
}
