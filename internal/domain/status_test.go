package domain

import (
	"errors"
	"testing"
)

func TestOutcomeHardAndErr(t *testing.T) {
	tests := []struct {
		outcome Outcome
		hard    bool
		err     error
	}{
		{OutcomeSucceeded, false, nil},
		{OutcomeFailed, false, ErrAuthenticationFailed},
		{OutcomeCanceled, false, ErrCanceled},
		{OutcomeError, true, ErrAuthenticationError},
		{OutcomeNoneEnrolled, true, ErrNoneEnrolled},
		{OutcomeUnavailable, true, ErrUnavailable},
	}
	for _, tc := range tests {
		t.Run(tc.outcome.String(), func(t *testing.T) {
			if tc.outcome.Hard() != tc.hard {
				t.Fatalf("Hard() = %v, want %v", tc.outcome.Hard(), tc.hard)
			}
			if !errors.Is(tc.outcome.Err(), tc.err) && tc.outcome.Err() != tc.err {
				t.Fatalf("Err() = %v, want %v", tc.outcome.Err(), tc.err)
			}
		})
	}
}

func TestAvailabilityErr(t *testing.T) {
	if Available.Err() != nil {
		t.Fatalf("available should map to nil")
	}
	if AvailableButNoneEnrolled.Err() != ErrNoneEnrolled {
		t.Fatalf("none enrolled mismatch")
	}
	if Unavailable.Err() != ErrUnavailable {
		t.Fatalf("unavailable mismatch")
	}
	if AvailableButNoneEnrolled.String() != "none_enrolled" {
		t.Fatalf("unexpected label %q", AvailableButNoneEnrolled.String())
	}
}

func TestAuthErrorMatchesSentinel(t *testing.T) {
	err := error(&AuthError{Code: 7, Message: "lockout"})
	if !errors.Is(err, ErrAuthenticationError) {
		t.Fatalf("AuthError should match ErrAuthenticationError")
	}
	if errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("AuthError must not match the soft failure sentinel")
	}
	var ae *AuthError
	if !errors.As(err, &ae) || ae.Code != 7 {
		t.Fatalf("errors.As failed: %v", err)
	}
	if err.Error() != "authentication error (code 7): lockout" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}
