// Package envelope encodes a ciphertext and its initialization vector into a
// single transport string and splits it back apart.
//
// Wire format:
//
//	<base64url(ciphertext)>##SKCRYPT##<base64url(iv)>
//
// The separator contains '#', which never occurs in the base64url alphabet,
// so a valid envelope always splits into exactly two parts.
package envelope

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/haukened/biogate/internal/domain"
)

// Separator joins the encoded ciphertext and the encoded IV.
const Separator = "##SKCRYPT##"

// Encode base64url-encodes both inputs independently and joins them with
// Separator. Output is padded and contains no line breaks.
func Encode(ciphertext, iv []byte) string {
	var b strings.Builder
	b.Grow(base64.URLEncoding.EncodedLen(len(ciphertext)) + len(Separator) + base64.URLEncoding.EncodedLen(len(iv)))
	b.WriteString(base64.URLEncoding.EncodeToString(ciphertext))
	b.WriteString(Separator)
	b.WriteString(base64.URLEncoding.EncodeToString(iv))
	return b.String()
}

// Decode splits an envelope into ciphertext and IV. It returns an error
// wrapping domain.ErrMalformedEnvelope unless the input splits into exactly
// two non-empty parts that both decode as base64url.
func Decode(envelope string) (ciphertext, iv []byte, err error) {
	parts := strings.Split(envelope, Separator)
	if len(parts) != 2 {
		return nil, nil, fmt.Errorf("%w: expected 2 parts, got %d", domain.ErrMalformedEnvelope, len(parts))
	}
	ciphertext, err = decodePart(parts[0])
	if err != nil {
		return nil, nil, fmt.Errorf("%w: ciphertext: %v", domain.ErrMalformedEnvelope, err)
	}
	iv, err = decodePart(parts[1])
	if err != nil {
		return nil, nil, fmt.Errorf("%w: iv: %v", domain.ErrMalformedEnvelope, err)
	}
	return ciphertext, iv, nil
}

// decodePart accepts padded or unpadded base64url and ignores CR/LF, which
// older encoders inserted every 76 columns.
func decodePart(s string) ([]byte, error) {
	s = strings.NewReplacer("\r", "", "\n", "").Replace(s)
	if s == "" {
		return nil, fmt.Errorf("empty part")
	}
	enc := base64.RawURLEncoding
	if strings.HasSuffix(s, "=") {
		enc = base64.URLEncoding
	}
	out, err := enc.Strict().DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty part")
	}
	return out, nil
}
