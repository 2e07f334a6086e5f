// Package domain authenticators.go contains the allowed-authenticator set
package domain

import (
	"fmt"
	"strings"
)

// Authenticators is the set of credential kinds a prompt may accept.
type Authenticators uint8

const (
	BiometricStrong Authenticators = 1 << iota
	BiometricWeak
	DeviceCredential
)

// DefaultAuthenticators accepts a strong biometric or the device credential.
const DefaultAuthenticators = BiometricStrong | DeviceCredential

var authenticatorNames = []struct {
	bit  Authenticators
	name string
}{
	{BiometricStrong, "biometric_strong"},
	{BiometricWeak, "biometric_weak"},
	{DeviceCredential, "device_credential"},
}

// ParseAuthenticators parses a "|" or "," separated list such as
// "biometric_strong|device_credential". Names are case-insensitive.
func ParseAuthenticators(s string) (Authenticators, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == '|' || r == ',' })
	if len(fields) == 0 {
		return 0, fmt.Errorf("empty authenticator set")
	}
	var out Authenticators
	for _, f := range fields {
		f = strings.ToLower(strings.TrimSpace(f))
		found := false
		for _, an := range authenticatorNames {
			if an.name == f {
				out |= an.bit
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown authenticator %q", f)
		}
	}
	return out, nil
}

// Has reports whether every bit of other is present.
func (a Authenticators) Has(other Authenticators) bool { return a&other == other && other != 0 }

// Biometric reports whether any biometric class is allowed.
func (a Authenticators) Biometric() bool { return a&(BiometricStrong|BiometricWeak) != 0 }

func (a Authenticators) String() string {
	var parts []string
	for _, an := range authenticatorNames {
		if a&an.bit != 0 {
			parts = append(parts, an.name)
		}
	}
	return strings.Join(parts, "|")
}
