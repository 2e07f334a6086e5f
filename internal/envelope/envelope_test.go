package envelope

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/haukened/biogate/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	for _, size := range []int{1, 2, 3, 15, 16, 17, 31, 32, 33, 255, 4096} {
		ct := make([]byte, size)
		_, err := rand.Read(ct)
		require.NoError(t, err)
		iv := make([]byte, 16)
		_, err = rand.Read(iv)
		require.NoError(t, err)

		gotCT, gotIV, err := Decode(Encode(ct, iv))
		require.NoError(t, err, "size %d", size)
		assert.True(t, bytes.Equal(ct, gotCT), "ciphertext mismatch for size %d", size)
		assert.True(t, bytes.Equal(iv, gotIV), "iv mismatch for size %d", size)
	}
}

func TestEncodeFormat(t *testing.T) {
	ct := []byte{0xfb, 0xff, 0xfe}
	iv := []byte{0x00, 0x01}
	got := Encode(ct, iv)
	assert.Equal(t, "-__-"+Separator+"AAE=", got)
	assert.NotContains(t, got, "\n")
	assert.Equal(t, 1, strings.Count(got, Separator))
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{name: "no separator", in: "no-separator-here"},
		{name: "three parts", in: "QQ" + Separator + "Qg" + Separator + "Qw"},
		{name: "generic separator text three parts", in: "A##SEPARATOR##B##SEPARATOR##C"},
		{name: "empty", in: ""},
		{name: "only separator", in: Separator},
		{name: "empty ciphertext", in: Separator + "AAE="},
		{name: "empty iv", in: "AAE=" + Separator},
		{name: "bad base64 ciphertext", in: "@@@" + Separator + "AAE="},
		{name: "bad base64 iv", in: "AAE=" + Separator + "!!"},
		{name: "std alphabet rejected", in: "+/+/" + Separator + "AAE="},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := Decode(tc.in)
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrMalformedEnvelope), "got %v", err)
		})
	}
}

func TestDecodeLegacyWrappedAndUnpadded(t *testing.T) {
	ct := bytes.Repeat([]byte{0x5a}, 100)
	iv := bytes.Repeat([]byte{0x01}, 16)

	// Line-wrapped padded form, as produced by MIME-style encoders.
	enc := base64.URLEncoding.EncodeToString(ct)
	wrapped := enc[:76] + "\n" + enc[76:] + "\n"
	gotCT, gotIV, err := Decode(wrapped + Separator + base64.URLEncoding.EncodeToString(iv) + "\n")
	require.NoError(t, err)
	assert.Equal(t, ct, gotCT)
	assert.Equal(t, iv, gotIV)

	// Unpadded form.
	gotCT, gotIV, err = Decode(base64.RawURLEncoding.EncodeToString(ct) + Separator + base64.RawURLEncoding.EncodeToString(iv))
	require.NoError(t, err)
	assert.Equal(t, ct, gotCT)
	assert.Equal(t, iv, gotIV)
}
