// Package keystore defines the key handle abstraction: named symmetric keys
// whose material stays inside secure storage, generated on first use and
// invalidated when the enrolled credential set changes. The storage
// boundary is the Backend port; adapter packages (sqlite, wrap) provide the
// concrete implementations.
package keystore

import (
	"context"
	"time"

	"github.com/haukened/biogate/internal/cipherop"
	"github.com/haukened/biogate/internal/domain"
)

// Status is the lifecycle state of a stored key.
type Status string

const (
	StatusActive      Status = "active"
	StatusInvalidated Status = "invalidated"
)

// KeySpec describes how a key is generated and when it becomes unusable.
type KeySpec struct {
	Algorithm               string
	BlockMode               string
	Padding                 string
	KeyBits                 int
	AuthenticationRequired  bool
	InvalidatedByEnrollment bool
	// ValidityDuration of 0 means every use needs a fresh proof.
	ValidityDuration time.Duration
	Authenticators   domain.Authenticators
}

// DefaultSpec is AES-256/CBC/PKCS7, invalidated on new enrollment.
func DefaultSpec() KeySpec {
	return KeySpec{
		Algorithm:               "AES",
		BlockMode:               "CBC",
		Padding:                 "PKCS7",
		KeyBits:                 256,
		AuthenticationRequired:  false,
		InvalidatedByEnrollment: true,
		Authenticators:          domain.DefaultAuthenticators,
	}
}

// KeyInfo is the non-secret metadata of a stored key.
type KeyInfo struct {
	Name          domain.KeyName
	Spec          KeySpec
	Status        Status
	Enrollment    string // enrollment fingerprint at generation time
	CreatedAt     time.Time
	InvalidatedAt time.Time
}

// Entry is a stored key: its metadata plus an opaque material reference.
type Entry struct {
	Info     KeyInfo
	Material cipherop.KeyMaterial
}

// Backend is the secure key storage port.
type Backend interface {
	// Generate creates fresh key material under name, replacing any
	// invalidated key of the same name.
	Generate(ctx context.Context, name domain.KeyName, spec KeySpec, enrollment string) error
	// Get returns the key or an error wrapping domain.ErrKeyNotFound or
	// domain.ErrKeyInvalidated.
	Get(ctx context.Context, name domain.KeyName) (Entry, error)
	// Invalidate marks a key unusable. Unknown names wrap ErrKeyNotFound.
	Invalidate(ctx context.Context, name domain.KeyName) error
	// InvalidateAll marks every active key with InvalidatedByEnrollment
	// unusable and returns how many changed.
	InvalidateAll(ctx context.Context) (int, error)
	// Delete removes a key and its material.
	Delete(ctx context.Context, name domain.KeyName) error
	// List returns metadata for all keys ordered by name.
	List(ctx context.Context) ([]KeyInfo, error)
}

// Wrapper protects key material at rest. name is bound to the wrapped blob
// as associated data so blobs cannot be swapped between keys.
type Wrapper interface {
	Wrap(ctx context.Context, name string, plain []byte) ([]byte, error)
	Unwrap(ctx context.Context, name string, wrapped []byte) ([]byte, error)
}

// CapabilityProvider reports whether the host offers secure key storage.
type CapabilityProvider interface {
	Capability(ctx context.Context) domain.CapabilityStatus
}

// EnrollmentSource reports a fingerprint of the enrolled credential set.
type EnrollmentSource interface {
	EnrollmentState(ctx context.Context) (string, error)
}

// Counter receives key lifecycle counts.
type Counter interface {
	Inc(name string, delta int64)
}
