package domain

import (
	"strings"
	"testing"
)

// TestParseAuthenticatorsValid verifies that valid sets are parsed and
// rendered back in canonical order.
func TestParseAuthenticatorsValid(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		input     string
		want      Authenticators
		wantLabel string
	}{
		{name: "default pair", input: "biometric_strong|device_credential", want: DefaultAuthenticators, wantLabel: "biometric_strong|device_credential"},
		{name: "comma separated", input: "device_credential,biometric_weak", want: BiometricWeak | DeviceCredential, wantLabel: "biometric_weak|device_credential"},
		{name: "mixed case and spaces", input: " Biometric_Strong ", want: BiometricStrong, wantLabel: "biometric_strong"},
		{name: "duplicate collapses", input: "device_credential|device_credential", want: DeviceCredential, wantLabel: "device_credential"},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseAuthenticators(tc.input)
			if err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
			if got.String() != tc.wantLabel {
				t.Fatalf("expected label %q, got %q", tc.wantLabel, got.String())
			}
		})
	}
}

// TestParseAuthenticatorsInvalid verifies that invalid sets produce errors.
func TestParseAuthenticatorsInvalid(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		input   string
		wantErr string
	}{
		{name: "empty", input: "", wantErr: "empty authenticator set"},
		{name: "only separators", input: "||", wantErr: "empty authenticator set"},
		{name: "unknown name", input: "face", wantErr: "unknown authenticator"},
		{name: "one bad entry", input: "biometric_strong|iris", wantErr: "unknown authenticator"},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseAuthenticators(tc.input)
			if err == nil {
				t.Fatalf("expected error for input %q, got nil", tc.input)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got %q", tc.wantErr, err.Error())
			}
		})
	}
}

func TestAuthenticatorsPredicates(t *testing.T) {
	if !DefaultAuthenticators.Biometric() {
		t.Fatalf("default set should allow biometrics")
	}
	if DeviceCredential.Biometric() {
		t.Fatalf("device credential alone is not biometric")
	}
	if !DefaultAuthenticators.Has(DeviceCredential) {
		t.Fatalf("default set should contain device credential")
	}
	if DefaultAuthenticators.Has(BiometricWeak) {
		t.Fatalf("default set should not contain weak biometrics")
	}
	if DefaultAuthenticators.Has(0) {
		t.Fatalf("Has(0) must be false")
	}
}
