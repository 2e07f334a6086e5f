package keystore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/haukened/biogate/internal/cipherop"
	"github.com/haukened/biogate/internal/domain"
)

// Counter names emitted by the Registry.
const (
	CounterKeysGenerated   = "keys_generated_total"
	CounterKeysInvalidated = "keys_invalidated_total"
)

// KeyHandle is a reference to a usable key. It never exposes raw bytes.
type KeyHandle struct {
	Name     domain.KeyName
	Created  bool // true when this call generated the key
	material cipherop.KeyMaterial
}

// Material returns the opaque key reference for building a cipher operation.
func (h KeyHandle) Material() cipherop.KeyMaterial { return h.material }

// Release wipes the unwrapped material when the backend supports it. A
// cipher operation built from the handle releases it itself.
func (h KeyHandle) Release() {
	if h.material != nil {
		cipherop.Release(h.material)
	}
}

// Config holds the Registry collaborators. Backend and Capability are
// required; the rest are optional.
type Config struct {
	Backend    Backend
	Capability CapabilityProvider
	Enrollment EnrollmentSource
	Spec       KeySpec
	Counter    Counter
	Logger     *slog.Logger
}

// Registry serializes key provisioning and invalidation per name and
// enforces the capability gate on every entry point.
type Registry struct {
	backend    Backend
	caps       CapabilityProvider
	enrollment EnrollmentSource
	spec       KeySpec
	counter    Counter
	log        *slog.Logger

	group singleflight.Group
	locks nameLocks
}

// NewRegistry constructs a Registry. A zero Spec defaults to DefaultSpec.
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.Backend == nil || cfg.Capability == nil {
		return nil, errors.New("keystore: backend and capability are required")
	}
	if cfg.Spec.Algorithm == "" {
		cfg.Spec = DefaultSpec()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Registry{
		backend:    cfg.Backend,
		caps:       cfg.Capability,
		enrollment: cfg.Enrollment,
		spec:       cfg.Spec,
		counter:    cfg.Counter,
		log:        cfg.Logger.With("domain", "keystore"),
		locks:      nameLocks{m: make(map[domain.KeyName]*refLock)},
	}, nil
}

func (r *Registry) gate(ctx context.Context) error {
	if r.caps.Capability(ctx) != domain.Supported {
		return domain.ErrPlatformUnsupported
	}
	return nil
}

// GetOrCreate returns the key stored under name, generating it when absent
// or invalidated. Concurrent calls for one name share a single generation.
func (r *Registry) GetOrCreate(ctx context.Context, name domain.KeyName) (KeyHandle, error) {
	if err := r.gate(ctx); err != nil {
		return KeyHandle{}, err
	}
	v, err, _ := r.group.Do(string(name), func() (interface{}, error) {
		unlock := r.locks.lock(name)
		defer unlock()
		h, err := r.get(ctx, name)
		if err == nil {
			return h, nil
		}
		if !errors.Is(err, domain.ErrKeyNotFound) && !errors.Is(err, domain.ErrKeyInvalidated) {
			return KeyHandle{}, err
		}
		if err := r.generate(ctx, name); err != nil {
			return KeyHandle{}, err
		}
		h, err = r.get(ctx, name)
		if err != nil {
			return KeyHandle{}, err
		}
		h.Created = true
		return h, nil
	})
	if err != nil {
		return KeyHandle{}, err
	}
	return v.(KeyHandle), nil
}

// Get returns an existing key without generating one. It reports
// domain.ErrKeyInvalidated for keys revoked by an enrollment change,
// including keys whose recorded enrollment no longer matches the host.
func (r *Registry) Get(ctx context.Context, name domain.KeyName) (KeyHandle, error) {
	if err := r.gate(ctx); err != nil {
		return KeyHandle{}, err
	}
	unlock := r.locks.lock(name)
	defer unlock()
	return r.get(ctx, name)
}

// get must be called with the name lock held.
func (r *Registry) get(ctx context.Context, name domain.KeyName) (KeyHandle, error) {
	e, err := r.backend.Get(ctx, name)
	if err != nil {
		return KeyHandle{}, err
	}
	if e.Info.Spec.InvalidatedByEnrollment && r.enrollment != nil {
		current, err := r.enrollment.EnrollmentState(ctx)
		if err != nil {
			return KeyHandle{}, fmt.Errorf("reading enrollment state: %w", err)
		}
		if e.Info.Enrollment != current {
			r.log.Warn("enrollment changed since key generation", "key", name)
			if err := r.backend.Invalidate(ctx, name); err != nil && !errors.Is(err, domain.ErrKeyNotFound) {
				return KeyHandle{}, err
			}
			r.inc(CounterKeysInvalidated, 1)
			return KeyHandle{}, fmt.Errorf("key %q: %w", name, domain.ErrKeyInvalidated)
		}
	}
	return KeyHandle{Name: name, material: e.Material}, nil
}

func (r *Registry) generate(ctx context.Context, name domain.KeyName) error {
	enrollment := ""
	if r.enrollment != nil {
		s, err := r.enrollment.EnrollmentState(ctx)
		if err != nil {
			return fmt.Errorf("reading enrollment state: %w", err)
		}
		enrollment = s
	}
	if err := r.backend.Generate(ctx, name, r.spec, enrollment); err != nil {
		return fmt.Errorf("generating key %q: %w", name, err)
	}
	r.inc(CounterKeysGenerated, 1)
	r.log.Info("key generated", "key", name, "algorithm", r.spec.Algorithm, "bits", r.spec.KeyBits)
	return nil
}

// Invalidate marks name unusable. Any later use reports ErrKeyInvalidated.
func (r *Registry) Invalidate(ctx context.Context, name domain.KeyName) error {
	if err := r.gate(ctx); err != nil {
		return err
	}
	unlock := r.locks.lock(name)
	defer unlock()
	if err := r.backend.Invalidate(ctx, name); err != nil {
		return err
	}
	r.inc(CounterKeysInvalidated, 1)
	r.log.Info("key invalidated", "key", name)
	return nil
}

// InvalidateAll revokes every enrollment-bound key, as happens when the
// enrolled credential set changes.
func (r *Registry) InvalidateAll(ctx context.Context) (int, error) {
	if err := r.gate(ctx); err != nil {
		return 0, err
	}
	r.locks.lockAll()
	defer r.locks.unlockAll()
	n, err := r.backend.InvalidateAll(ctx)
	if err != nil {
		return 0, err
	}
	r.inc(CounterKeysInvalidated, int64(n))
	r.log.Info("keys invalidated", "count", n)
	return n, nil
}

// Delete removes the key under name.
func (r *Registry) Delete(ctx context.Context, name domain.KeyName) error {
	if err := r.gate(ctx); err != nil {
		return err
	}
	unlock := r.locks.lock(name)
	defer unlock()
	return r.backend.Delete(ctx, name)
}

// List returns metadata for every stored key.
func (r *Registry) List(ctx context.Context) ([]KeyInfo, error) {
	if err := r.gate(ctx); err != nil {
		return nil, err
	}
	return r.backend.List(ctx)
}

func (r *Registry) inc(name string, delta int64) {
	if r.counter != nil && delta > 0 {
		r.counter.Inc(name, delta)
	}
}

// nameLocks is a reference-counted mutex per key name. lockAll excludes
// every per-name holder for bulk operations.
type nameLocks struct {
	all sync.RWMutex
	mu  sync.Mutex
	m   map[domain.KeyName]*refLock
}

type refLock struct {
	sync.Mutex
	refs int
}

func (l *nameLocks) lock(name domain.KeyName) func() {
	l.all.RLock()
	l.mu.Lock()
	rl := l.m[name]
	if rl == nil {
		rl = &refLock{}
		l.m[name] = rl
	}
	rl.refs++
	l.mu.Unlock()

	rl.Lock()
	return func() {
		rl.Unlock()
		l.mu.Lock()
		rl.refs--
		if rl.refs == 0 {
			delete(l.m, name)
		}
		l.mu.Unlock()
		l.all.RUnlock()
	}
}

func (l *nameLocks) lockAll()   { l.all.Lock() }
func (l *nameLocks) unlockAll() { l.all.Unlock() }
