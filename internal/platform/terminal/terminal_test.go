package terminal

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/biogate/internal/app"
	"github.com/haukened/biogate/internal/domain"
)

func init() {
	// Keep hashing cheap in tests.
	defaultParams = params{memory: 64, time: 1, threads: 1, keyLen: 32}
}

// scriptTerminal answers ReadSecret from a queue. An empty queue blocks
// until ctx is done.
type scriptTerminal struct {
	mu      sync.Mutex
	tty     bool
	answers []string
	prompts []string
}

func (s *scriptTerminal) IsTerminal() bool { return s.tty }

func (s *scriptTerminal) ReadSecret(ctx context.Context, prompt string) (string, error) {
	s.mu.Lock()
	s.prompts = append(s.prompts, prompt)
	if len(s.answers) > 0 {
		a := s.answers[0]
		s.answers = s.answers[1:]
		s.mu.Unlock()
		return a, nil
	}
	s.mu.Unlock()
	<-ctx.Done()
	return "", ctx.Err()
}

func (s *scriptTerminal) push(answers ...string) {
	s.mu.Lock()
	s.answers = append(s.answers, answers...)
	s.mu.Unlock()
}

func newTestAuth(t *testing.T, max int) (*Authenticator, *scriptTerminal, *bytes.Buffer) {
	t.Helper()
	st := &scriptTerminal{tty: true}
	out := &bytes.Buffer{}
	a, err := New(Config{
		PINFile:     filepath.Join(t.TempDir(), "pin.hash"),
		MaxAttempts: max,
		Terminal:    st,
		Out:         out,
	})
	require.NoError(t, err)
	return a, st, out
}

func TestNewRequiresPath(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestCanAuthenticate(t *testing.T) {
	a, st, _ := newTestAuth(t, 3)
	ctx := context.Background()

	assert.Equal(t, domain.AvailableButNoneEnrolled, a.CanAuthenticate(ctx, domain.DefaultAuthenticators))
	require.NoError(t, a.SetPIN("1234"))
	assert.Equal(t, domain.Available, a.CanAuthenticate(ctx, domain.DefaultAuthenticators))
	assert.Equal(t, domain.Unavailable, a.CanAuthenticate(ctx, domain.BiometricStrong))

	st.tty = false
	assert.Equal(t, domain.Unavailable, a.CanAuthenticate(ctx, domain.DefaultAuthenticators))
	assert.Empty(t, st.prompts, "availability must not prompt")
}

func TestPromptSuccessEchoesBinding(t *testing.T) {
	a, st, out := newTestAuth(t, 3)
	require.NoError(t, a.SetPIN("1234"))
	st.push("1234")
	r := a.Prompt(context.Background(), app.PromptInfo{Title: "Unlock vault", Subtitle: "for backup", Binding: "op-1"})
	assert.Equal(t, app.KindSuccess, r.Kind)
	assert.Equal(t, "op-1", r.Proof.Binding)
	assert.Contains(t, out.String(), "Unlock vault")
	assert.Contains(t, out.String(), "for backup")
}

func TestPromptWrongPINThenLockout(t *testing.T) {
	a, st, _ := newTestAuth(t, 2)
	require.NoError(t, a.SetPIN("1234"))
	ctx := context.Background()

	st.push("0000")
	assert.Equal(t, app.KindFailed, a.Prompt(ctx, app.PromptInfo{}).Kind)

	st.push("9999")
	r := a.Prompt(ctx, app.PromptInfo{})
	assert.Equal(t, app.KindError, r.Kind)
	assert.Equal(t, app.CodeLockout, r.Code)

	// Locked out even with the right PIN, without reading input.
	st.push("1234")
	r = a.Prompt(ctx, app.PromptInfo{})
	assert.Equal(t, app.KindError, r.Kind)
	assert.Equal(t, app.CodeLockoutPermanent, r.Code)

	// Re-enrolling clears the lockout.
	require.NoError(t, a.SetPIN("5678"))
	st.mu.Lock()
	st.answers = []string{"5678"}
	st.mu.Unlock()
	assert.Equal(t, app.KindSuccess, a.Prompt(ctx, app.PromptInfo{}).Kind)
}

func TestSuccessResetsFailures(t *testing.T) {
	a, st, _ := newTestAuth(t, 2)
	require.NoError(t, a.SetPIN("1234"))
	ctx := context.Background()
	st.push("0000", "1234", "0000")
	assert.Equal(t, app.KindFailed, a.Prompt(ctx, app.PromptInfo{}).Kind)
	assert.Equal(t, app.KindSuccess, a.Prompt(ctx, app.PromptInfo{}).Kind)
	assert.Equal(t, app.KindFailed, a.Prompt(ctx, app.PromptInfo{}).Kind)
}

func TestPromptEmptyInputIsUserCancel(t *testing.T) {
	a, st, _ := newTestAuth(t, 3)
	require.NoError(t, a.SetPIN("1234"))
	st.push("")
	r := a.Prompt(context.Background(), app.PromptInfo{})
	assert.Equal(t, app.KindError, r.Kind)
	assert.Equal(t, app.CodeUserCanceled, r.Code)
}

func TestPromptContextCancel(t *testing.T) {
	a, _, _ := newTestAuth(t, 3)
	require.NoError(t, a.SetPIN("1234"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, app.KindCanceled, a.Prompt(ctx, app.PromptInfo{}).Kind)
}

func TestPromptWithoutEnrollment(t *testing.T) {
	a, _, _ := newTestAuth(t, 3)
	r := a.Prompt(context.Background(), app.PromptInfo{})
	assert.Equal(t, app.KindError, r.Kind)
	assert.Equal(t, app.CodeNoDeviceCredential, r.Code)
}

func TestEnroll(t *testing.T) {
	a, st, _ := newTestAuth(t, 3)
	ctx := context.Background()

	st.push("1234", "4321")
	assert.ErrorIs(t, a.Enroll(ctx, domain.DefaultAuthenticators), ErrPINMismatch)

	st.push("12", "12")
	assert.ErrorIs(t, a.Enroll(ctx, domain.DefaultAuthenticators), ErrPINTooShort)

	assert.ErrorIs(t, a.Enroll(ctx, domain.BiometricStrong), domain.ErrUnavailable)

	st.push("2468", "2468")
	require.NoError(t, a.Enroll(ctx, domain.DefaultAuthenticators))
	info, err := os.Stat(a.path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	st.tty = false
	assert.ErrorIs(t, a.Enroll(ctx, domain.DefaultAuthenticators), domain.ErrUnavailable)
}

func TestEnrollmentStateChangesOnReenroll(t *testing.T) {
	a, _, _ := newTestAuth(t, 3)
	ctx := context.Background()

	s0, err := a.EnrollmentState(ctx)
	require.NoError(t, err)
	assert.Empty(t, s0)

	require.NoError(t, a.SetPIN("1234"))
	s1, err := a.EnrollmentState(ctx)
	require.NoError(t, err)
	assert.Len(t, s1, 64)

	again, err := a.EnrollmentState(ctx)
	require.NoError(t, err)
	assert.Equal(t, s1, again)

	// Same PIN, fresh salt: still a new enrollment.
	require.NoError(t, a.SetPIN("1234"))
	s2, err := a.EnrollmentState(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, s1, s2)
}

func TestPINHash(t *testing.T) {
	enc, err := hashPIN("1234", randReader)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(enc, "argon2id$v=19$"))

	ok, err := verifyPIN("1234", enc)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = verifyPIN("1235", enc)
	require.NoError(t, err)
	assert.False(t, ok)

	for _, bad := range []string{"", "bcrypt$x", "argon2id$v=1$m=1,t=1,p=1$AA$AA", "argon2id$v=19$m=x$AA$AA", "argon2id$v=19$m=64,t=1,p=1$!!$AA"} {
		_, err := verifyPIN("1234", bad)
		assert.ErrorIs(t, err, errBadHash, bad)
	}

	_, err = hashPIN("1234", strings.NewReader(""))
	assert.Error(t, err)
}

func TestCorruptHashIsHardError(t *testing.T) {
	a, st, _ := newTestAuth(t, 3)
	require.NoError(t, os.WriteFile(a.path, []byte("garbage"), 0o600))
	st.push("1234")
	r := a.Prompt(context.Background(), app.PromptInfo{})
	assert.Equal(t, app.KindError, r.Kind)
	assert.Equal(t, app.CodeUnableToProcess, r.Code)
}

func TestReadErrorIsHardError(t *testing.T) {
	a, _, _ := newTestAuth(t, 3)
	require.NoError(t, a.SetPIN("1234"))
	a.term = errTerminal{}
	r := a.Prompt(context.Background(), app.PromptInfo{})
	assert.Equal(t, app.KindError, r.Kind)
}

type errTerminal struct{}

func (errTerminal) IsTerminal() bool { return true }
func (errTerminal) ReadSecret(context.Context, string) (string, error) {
	return "", errors.New("tty gone")
}
