package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/biogate/internal/app"
	"github.com/haukened/biogate/internal/config"
	"github.com/haukened/biogate/internal/domain"
	"github.com/haukened/biogate/internal/platform/terminal"
)

// scriptTerminal answers PIN prompts from a queue.
type scriptTerminal struct {
	mu      sync.Mutex
	answers []string
}

func (s *scriptTerminal) IsTerminal() bool { return true }

func (s *scriptTerminal) ReadSecret(ctx context.Context, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.answers) == 0 {
		return "", errors.New("no scripted answer")
	}
	a := s.answers[0]
	s.answers = s.answers[1:]
	return a, nil
}

func (s *scriptTerminal) push(answers ...string) {
	s.mu.Lock()
	s.answers = append(s.answers, answers...)
	s.mu.Unlock()
}

// setupEnv points the CLI at a fresh data directory and a scripted terminal.
func setupEnv(t *testing.T) (string, *scriptTerminal) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "data")
	t.Setenv("BIOGATE_DATA_DIR", dir)
	t.Setenv("BIOGATE_PASSPHRASE", "correct horse battery staple")
	t.Setenv("BIOGATE_LOG_LEVEL", "error")
	t.Setenv("BIOGATE_OTEL_ENABLED", "false")

	st := &scriptTerminal{}
	prev := openTerminal
	openTerminal = func() (terminal.Terminal, func() error) { return st, func() error { return nil } }
	t.Cleanup(func() { openTerminal = prev })
	return dir, st
}

func runCLI(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, exitOK},
		{"generic", errors.New("boom"), exitFailure},
		{"auth failed", domain.ErrAuthenticationFailed, exitFailure},
		{"config", fmt.Errorf("%w: bad", errConfig), exitConfig},
		{"unrecoverable", fmt.Errorf("%w: k", errUnrecoverableKey), exitUnrecoverable},
		{"unsupported", fmt.Errorf("keys: %w", domain.ErrPlatformUnsupported), exitUnsupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}

func TestRootCommandTree(t *testing.T) {
	root := newRootCmd()
	want := []string{"availability", "enroll", "encrypt", "decrypt", "keys", "invalidate", "watch", "metrics", "version"}
	for _, name := range want {
		sub, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, sub.Name())
	}
	for _, name := range []string{"encrypt", "decrypt", "invalidate"} {
		sub, _, _ := root.Find([]string{name})
		assert.NotNil(t, sub.Flags().Lookup("key"), name)
	}
	enc, _, _ := root.Find([]string{"encrypt"})
	assert.Equal(t, "Authenticate", enc.Flags().Lookup("title").DefValue)
}

func TestVersion(t *testing.T) {
	out, err := runCLI(t, "", "version")
	require.NoError(t, err)
	assert.Contains(t, out, version)
}

func TestEncryptRequiresKeyFlag(t *testing.T) {
	setupEnv(t)
	_, err := runCLI(t, "data", "encrypt")
	require.Error(t, err)
	assert.Equal(t, exitFailure, exitCode(err))
}

func TestConfigErrorExitCode(t *testing.T) {
	setupEnv(t)
	t.Setenv("BIOGATE_WRAP_PROVIDER", "vault")
	_, err := runCLI(t, "", "keys")
	require.Error(t, err)
	assert.Equal(t, exitConfig, exitCode(err))
}

func TestMissingEnvFileIsConfigError(t *testing.T) {
	setupEnv(t)
	_, err := runCLI(t, "", "--env-file", filepath.Join(t.TempDir(), "missing.env"), "keys")
	require.Error(t, err)
	assert.Equal(t, exitConfig, exitCode(err))
}

func TestUnsupportedPlatformExitCode(t *testing.T) {
	setupEnv(t)
	t.Setenv("BIOGATE_SECURE_STORAGE", "false")
	out, err := runCLI(t, "", "availability")
	require.Error(t, err)
	assert.Equal(t, exitUnsupported, exitCode(err))
	assert.Contains(t, out, "capability:     unsupported")
	assert.Contains(t, out, "availability:   unavailable")

	_, err = runCLI(t, "secret", "encrypt", "--key", "notes")
	assert.Equal(t, exitUnsupported, exitCode(err))
}

func TestAvailabilityBeforeEnrollment(t *testing.T) {
	setupEnv(t)
	out, err := runCLI(t, "", "availability")
	require.NoError(t, err)
	assert.Contains(t, out, "availability:   none_enrolled")
	assert.Contains(t, out, "authenticators: ")
}

func TestEncryptDecryptFlow(t *testing.T) {
	_, st := setupEnv(t)

	st.push("1234", "1234")
	out, err := runCLI(t, "", "enroll")
	require.NoError(t, err)
	assert.Equal(t, "enrolled\n", out)

	st.push("1234")
	envelope, err := runCLI(t, "hello biometrics", "encrypt", "--key", "notes", "--title", "Unlock notes")
	require.NoError(t, err)
	assert.Contains(t, envelope, "##SKCRYPT##")

	st.push("1234")
	plain, err := runCLI(t, envelope, "decrypt", "--key", "notes")
	require.NoError(t, err)
	assert.Equal(t, "hello biometrics", plain)

	st.push("9999")
	_, err = runCLI(t, envelope, "decrypt", "--key", "notes")
	require.ErrorIs(t, err, domain.ErrAuthenticationFailed)
	assert.Equal(t, exitFailure, exitCode(err))

	out, err = runCLI(t, "", "keys")
	require.NoError(t, err)
	assert.Contains(t, out, "notes")
	assert.Contains(t, out, "active")

	out, err = runCLI(t, "", "metrics")
	require.NoError(t, err)
	assert.Contains(t, out, app.CounterEncrypt)
	assert.Contains(t, out, app.CounterDecrypt)
	assert.Contains(t, out, app.CounterAuthFailed)
}

func TestReEnrollmentMakesKeyUnrecoverable(t *testing.T) {
	_, st := setupEnv(t)

	st.push("1234", "1234")
	_, err := runCLI(t, "", "enroll")
	require.NoError(t, err)
	st.push("1234")
	envelope, err := runCLI(t, "payload", "encrypt", "--key", "vault")
	require.NoError(t, err)

	st.push("5678", "5678")
	_, err = runCLI(t, "", "enroll")
	require.NoError(t, err)

	_, err = runCLI(t, envelope, "decrypt", "--key", "vault")
	require.ErrorIs(t, err, errUnrecoverableKey)
	assert.Equal(t, exitUnrecoverable, exitCode(err))
}

func TestDecryptMalformedEnvelope(t *testing.T) {
	_, st := setupEnv(t)
	st.push("1234", "1234")
	_, err := runCLI(t, "", "enroll")
	require.NoError(t, err)

	_, err = runCLI(t, "not-an-envelope", "decrypt", "--key", "notes")
	require.ErrorIs(t, err, domain.ErrMalformedEnvelope)
}

func TestInvalidateCommand(t *testing.T) {
	_, st := setupEnv(t)
	st.push("1234", "1234")
	_, err := runCLI(t, "", "enroll")
	require.NoError(t, err)
	st.push("1234")
	envelope, err := runCLI(t, "payload", "encrypt", "--key", "temp")
	require.NoError(t, err)

	out, err := runCLI(t, "", "invalidate", "--key", "temp")
	require.NoError(t, err)
	assert.Equal(t, "invalidated temp\n", out)

	_, err = runCLI(t, envelope, "decrypt", "--key", "temp")
	assert.Equal(t, exitUnrecoverable, exitCode(err))
}

func TestKeysRecordConfiguredAuthenticators(t *testing.T) {
	setupEnv(t)
	t.Setenv("BIOGATE_AUTHENTICATORS", "device_credential")
	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, domain.DeviceCredential, keySpec(cfg).Authenticators)
	assert.True(t, keySpec(cfg).InvalidatedByEnrollment)

	ctx := context.Background()
	d, err := buildDeps(ctx, cfg)
	require.NoError(t, err)
	defer d.close(ctx)
	_, err = d.keys.GetOrCreate(ctx, "notes")
	require.NoError(t, err)
	infos, err := d.keys.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, domain.DeviceCredential, infos[0].Spec.Authenticators)
}

func TestReadInputFromFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "in.txt")
	require.NoError(t, os.WriteFile(p, []byte("from file"), 0o600))
	b, err := readInput(p, strings.NewReader("from stdin"))
	require.NoError(t, err)
	assert.Equal(t, "from file", string(b))

	b, err = readInput("-", strings.NewReader("from stdin"))
	require.NoError(t, err)
	assert.Equal(t, "from stdin", string(b))
}

func TestLoadPassphrase(t *testing.T) {
	p := filepath.Join(t.TempDir(), "pass")
	require.NoError(t, os.WriteFile(p, []byte("s3cret\n"), 0o600))

	got, err := loadPassphrase(&config.Config{PassphraseFile: p})
	require.NoError(t, err)
	assert.Equal(t, "s3cret", string(got))

	got, err = loadPassphrase(&config.Config{Passphrase: "inline"})
	require.NoError(t, err)
	assert.Equal(t, "inline", string(got))

	_, err = loadPassphrase(&config.Config{})
	assert.ErrorIs(t, err, errConfig)

	empty := filepath.Join(t.TempDir(), "empty")
	require.NoError(t, os.WriteFile(empty, []byte("\n"), 0o600))
	_, err = loadPassphrase(&config.Config{PassphraseFile: empty})
	assert.ErrorIs(t, err, errConfig)
}

func TestEnsureDataDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	require.NoError(t, ensureDataDir(dir))
	st, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, st.IsDir())

	f := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(f, nil, 0o600))
	assert.ErrorIs(t, ensureDataDir(f), errConfig)
}
