// Package terminal implements a device-credential authenticator for hosts
// without a biometric sensor. The user proves presence by typing a PIN on
// the controlling terminal; the PIN is kept as an Argon2id hash in a 0600
// file whose digest doubles as the enrollment fingerprint.
package terminal

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/term"

	"github.com/haukened/biogate/internal/app"
	"github.com/haukened/biogate/internal/cipherop"
	"github.com/haukened/biogate/internal/domain"
)

var (
	_ app.Authenticator = (*Authenticator)(nil)
	_ app.Enroller      = (*Authenticator)(nil)
)

// MinPINLen is the shortest PIN Enroll accepts.
const MinPINLen = 4

var (
	ErrPINTooShort = fmt.Errorf("pin must be at least %d characters", MinPINLen)
	ErrPINMismatch = errors.New("pins do not match")
)

// Terminal reads secrets from the user.
type Terminal interface {
	IsTerminal() bool
	ReadSecret(ctx context.Context, prompt string) (string, error)
}

// Config holds the Authenticator settings. PINFile is required.
type Config struct {
	PINFile     string
	MaxAttempts int
	Terminal    Terminal  // defaults to stdin/stderr
	Out         io.Writer // prompt text; defaults to stderr
	Logger      *slog.Logger
}

// Authenticator implements app.Authenticator and app.Enroller.
type Authenticator struct {
	path        string
	maxAttempts int
	term        Terminal
	out         io.Writer
	log         *slog.Logger

	mu sync.Mutex
}

// New constructs an Authenticator.
func New(cfg Config) (*Authenticator, error) {
	if cfg.PINFile == "" {
		return nil, errors.New("terminal: pin file is required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Out == nil {
		cfg.Out = os.Stderr
	}
	if cfg.Terminal == nil {
		cfg.Terminal = StdTerminal{In: os.Stdin, Out: cfg.Out}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Authenticator{
		path:        cfg.PINFile,
		maxAttempts: cfg.MaxAttempts,
		term:        cfg.Terminal,
		out:         cfg.Out,
		log:         cfg.Logger.With("domain", "terminal"),
	}, nil
}

func (a *Authenticator) failuresPath() string { return a.path + ".failures" }

// CanAuthenticate never prompts.
func (a *Authenticator) CanAuthenticate(_ context.Context, allowed domain.Authenticators) domain.Availability {
	if !allowed.Has(domain.DeviceCredential) || !a.term.IsTerminal() {
		return domain.Unavailable
	}
	if _, err := os.Stat(a.path); err != nil {
		return domain.AvailableButNoneEnrolled
	}
	return domain.Available
}

// Prompt asks for the PIN once. A wrong PIN is Failed until MaxAttempts
// consecutive failures, after which every prompt reports a lockout until
// the PIN is re-enrolled.
func (a *Authenticator) Prompt(ctx context.Context, info app.PromptInfo) app.PromptResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	encoded, err := os.ReadFile(a.path)
	if errors.Is(err, fs.ErrNotExist) {
		return app.PromptResult{Kind: app.KindError, Code: app.CodeNoDeviceCredential, Message: "no pin enrolled"}
	}
	if err != nil {
		return app.PromptResult{Kind: app.KindError, Code: app.CodeUnableToProcess, Message: err.Error()}
	}
	failures := a.readFailures()
	if failures >= a.maxAttempts {
		return app.PromptResult{Kind: app.KindError, Code: app.CodeLockoutPermanent, Message: "too many failed attempts"}
	}

	fmt.Fprintln(a.out, info.Title)
	if info.Subtitle != "" {
		fmt.Fprintln(a.out, info.Subtitle)
	}
	pin, err := a.term.ReadSecret(ctx, "PIN: ")
	if err != nil {
		if ctx.Err() != nil {
			return app.PromptResult{Kind: app.KindCanceled}
		}
		return app.PromptResult{Kind: app.KindError, Code: app.CodeUnableToProcess, Message: err.Error()}
	}
	if pin == "" {
		return app.PromptResult{Kind: app.KindError, Code: app.CodeUserCanceled, Message: "empty pin"}
	}

	ok, err := verifyPIN(pin, string(encoded))
	if err != nil {
		return app.PromptResult{Kind: app.KindError, Code: app.CodeUnableToProcess, Message: err.Error()}
	}
	if !ok {
		failures++
		a.writeFailures(failures)
		a.log.Info("wrong pin", "failures", failures)
		if failures >= a.maxAttempts {
			return app.PromptResult{Kind: app.KindError, Code: app.CodeLockout, Message: "too many failed attempts"}
		}
		return app.PromptResult{Kind: app.KindFailed}
	}
	if failures > 0 {
		a.writeFailures(0)
	}
	return app.PromptResult{Kind: app.KindSuccess, Proof: cipherop.Proof{Binding: info.Binding}}
}

// Enroll reads a new PIN twice and replaces the stored hash. Replacing the
// PIN changes the enrollment fingerprint.
func (a *Authenticator) Enroll(ctx context.Context, allowed domain.Authenticators) error {
	if !allowed.Has(domain.DeviceCredential) {
		return fmt.Errorf("terminal: device credential not allowed: %w", domain.ErrUnavailable)
	}
	if !a.term.IsTerminal() {
		return fmt.Errorf("terminal: no controlling terminal: %w", domain.ErrUnavailable)
	}
	pin, err := a.term.ReadSecret(ctx, "New PIN: ")
	if err != nil {
		return err
	}
	confirm, err := a.term.ReadSecret(ctx, "Confirm PIN: ")
	if err != nil {
		return err
	}
	if pin != confirm {
		return ErrPINMismatch
	}
	return a.SetPIN(pin)
}

// SetPIN stores the hash of pin, replacing any previous one, and clears
// the failure count.
func (a *Authenticator) SetPIN(pin string) error {
	if len(pin) < MinPINLen {
		return ErrPINTooShort
	}
	encoded, err := hashPIN(pin, randReader)
	if err != nil {
		return fmt.Errorf("hashing pin: %w", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := writeFileAtomic(a.path, []byte(encoded+"\n")); err != nil {
		return err
	}
	_ = os.Remove(a.failuresPath())
	a.log.Info("pin enrolled")
	return nil
}

// EnrollmentState returns the hex SHA-256 of the stored hash, or "" when
// nothing is enrolled.
func (a *Authenticator) EnrollmentState(context.Context) (string, error) {
	b, err := os.ReadFile(a.path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

func (a *Authenticator) readFailures() int {
	b, err := os.ReadFile(a.failuresPath())
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func (a *Authenticator) writeFailures(n int) {
	if err := writeFileAtomic(a.failuresPath(), []byte(strconv.Itoa(n)+"\n")); err != nil {
		a.log.Error("recording failed attempts", "error", err)
	}
}

// writeFileAtomic writes data to a temp file in the same directory, syncs
// it and renames it over path.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".pin-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer func() { _ = os.Remove(tmp) }()
	if err := f.Chmod(0o600); err != nil {
		_ = f.Close()
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// StdTerminal reads secrets from a terminal file descriptor without echo.
type StdTerminal struct {
	In  *os.File
	Out io.Writer
}

func (s StdTerminal) IsTerminal() bool { return term.IsTerminal(int(s.In.Fd())) }

// ReadSecret returns when a line is read or ctx is done. On cancel the
// pending read is abandoned.
func (s StdTerminal) ReadSecret(ctx context.Context, prompt string) (string, error) {
	fmt.Fprint(s.Out, prompt)
	type result struct {
		b   []byte
		err error
	}
	ch := make(chan result, 1)
	go func() {
		b, err := term.ReadPassword(int(s.In.Fd()))
		ch <- result{b, err}
	}()
	select {
	case r := <-ch:
		fmt.Fprintln(s.Out)
		return string(r.b), r.err
	case <-ctx.Done():
		fmt.Fprintln(s.Out)
		return "", ctx.Err()
	}
}
