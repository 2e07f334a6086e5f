// Package domain keyname.go contains functions to parse and validate key names
package domain

// MaxKeyNameLen bounds key names so they stay usable as storage identifiers.
const MaxKeyNameLen = 128

// KeyName identifies a symmetric key held in secure storage.
type KeyName string

// ParseKeyName validates s and returns it as a KeyName. It enforces:
// - non-empty
// - at most MaxKeyNameLen bytes
// - only [A-Za-z0-9._-], and not "." or ".."
// Returns ErrInvalidKeyName on failure.
func ParseKeyName(s string) (KeyName, error) {
	if !isValidKeyName(s) {
		return "", ErrInvalidKeyName
	}
	return KeyName(s), nil
}

// String returns the string form of the KeyName.
func (n KeyName) String() string { return string(n) }

// Valid reports whether the name satisfies the same rules as ParseKeyName.
func (n KeyName) Valid() bool { return isValidKeyName(string(n)) }

func isValidKeyName(s string) bool {
	if s == "" || len(s) > MaxKeyNameLen || s == "." || s == ".." {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c == '.' || c == '_' || c == '-':
		default:
			return false
		}
	}
	return true
}
