// Package app defines the application layer "ports" (interfaces) and the
// use-cases built on them: the authentication gate and the service that
// composes it with the key registry, cipher operations and the envelope
// codec. It follows a hexagonal (ports & adapters) design: this package
// declares what the core needs from the host, while adapter packages
// (platform, keystore/sqlite, keystore/wrap) provide concrete
// implementations.
package app

import (
	"context"

	"github.com/haukened/biogate/internal/cipherop"
	"github.com/haukened/biogate/internal/domain"
	"github.com/haukened/biogate/internal/keystore"
)

// CapabilityProvider reports whether the host offers the secure storage
// every entry point depends on. It is checked first, before anything else.
type CapabilityProvider interface {
	Capability(ctx context.Context) domain.CapabilityStatus
}

// PromptInfo is what the host shows the user.
type PromptInfo struct {
	Title          string
	Subtitle       string
	Authenticators domain.Authenticators
	// Binding identifies the cipher operation the proof will unlock. A
	// successful prompt echoes it back in PromptResult.Proof.
	Binding string
}

// ResultKind classifies a raw host answer.
type ResultKind int

const (
	KindSuccess ResultKind = iota
	KindFailed
	KindError
	KindCanceled
)

// PromptResult is a raw host answer. Code and Message are only meaningful
// for KindError.
type PromptResult struct {
	Kind    ResultKind
	Code    int
	Message string
	Proof   cipherop.Proof
}

// Authenticator is the boundary to the host authentication subsystem.
type Authenticator interface {
	// CanAuthenticate answers without prompting.
	CanAuthenticate(ctx context.Context, allowed domain.Authenticators) domain.Availability
	// Prompt blocks until the user answers or ctx is done.
	Prompt(ctx context.Context, info PromptInfo) PromptResult
}

// Enroller manages the enrolled credential set.
type Enroller interface {
	// Enroll starts (or performs) enrollment of a credential.
	Enroll(ctx context.Context, allowed domain.Authenticators) error
	// EnrollmentState returns a fingerprint that changes whenever the
	// enrolled credential set changes.
	EnrollmentState(ctx context.Context) (string, error)
}

// KeyRegistry is the subset of keystore.Registry the service uses.
type KeyRegistry interface {
	GetOrCreate(ctx context.Context, name domain.KeyName) (keystore.KeyHandle, error)
	Get(ctx context.Context, name domain.KeyName) (keystore.KeyHandle, error)
	Invalidate(ctx context.Context, name domain.KeyName) error
	List(ctx context.Context) ([]keystore.KeyInfo, error)
}

// Counter receives outcome counts. metrics.Manager satisfies it.
type Counter interface {
	Inc(name string, delta int64)
}

// Host error codes understood by the gate. The values follow the codes
// reported by common mobile biometric APIs so adapters can pass them
// through unchanged.
const (
	CodeHWUnavailable      = 1
	CodeUnableToProcess    = 2
	CodeTimeout            = 3
	CodeNoSpace            = 4
	CodeCanceled           = 5
	CodeLockout            = 7
	CodeVendor             = 8
	CodeLockoutPermanent   = 9
	CodeUserCanceled       = 10
	CodeNoBiometrics       = 11
	CodeHWNotPresent       = 12
	CodeNegativeButton     = 13
	CodeNoDeviceCredential = 14
)

// Counter names emitted by the gate and service.
const (
	CounterAuthSucceeded    = "auth_succeeded_total"
	CounterAuthFailed       = "auth_failed_total"
	CounterAuthCanceled     = "auth_canceled_total"
	CounterAuthError        = "auth_error_total"
	CounterEncrypt          = "encrypt_total"
	CounterDecrypt          = "decrypt_total"
	CounterUnrecoverableKey = "unrecoverable_key_total"
)
