package terminal

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"
)

// params are the Argon2id cost parameters recorded in each hash.
type params struct {
	memory  uint32 // KiB
	time    uint32
	threads uint8
	keyLen  uint32
}

// defaultParams is swapped in tests.
var defaultParams = params{memory: 64 * 1024, time: 3, threads: 4, keyLen: 32}

const saltLen = 16

var errBadHash = errors.New("malformed pin hash")

var b64 = base64.RawStdEncoding

// hashPIN returns "argon2id$v=19$m=..,t=..,p=..$salt$hash".
func hashPIN(pin string, rnd io.Reader) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rnd, salt); err != nil {
		return "", err
	}
	p := defaultParams
	key := argon2.IDKey([]byte(pin), salt, p.time, p.memory, p.threads, p.keyLen)
	return fmt.Sprintf("argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.memory, p.time, p.threads, b64.EncodeToString(salt), b64.EncodeToString(key)), nil
}

// verifyPIN reports whether pin matches encoded.
func verifyPIN(pin, encoded string) (bool, error) {
	parts := strings.Split(strings.TrimSpace(encoded), "$")
	if len(parts) != 5 || parts[0] != "argon2id" {
		return false, errBadHash
	}
	var version int
	if _, err := fmt.Sscanf(parts[1], "v=%d", &version); err != nil || version != argon2.Version {
		return false, errBadHash
	}
	var p params
	if _, err := fmt.Sscanf(parts[2], "m=%d,t=%d,p=%d", &p.memory, &p.time, &p.threads); err != nil {
		return false, errBadHash
	}
	salt, err := b64.DecodeString(parts[3])
	if err != nil {
		return false, errBadHash
	}
	want, err := b64.DecodeString(parts[4])
	if err != nil || len(want) == 0 {
		return false, errBadHash
	}
	got := argon2.IDKey([]byte(pin), salt, p.time, p.memory, p.threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

// randReader is swapped in tests.
var randReader io.Reader = rand.Reader
