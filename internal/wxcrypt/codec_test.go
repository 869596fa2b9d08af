package wxcrypt

import (
	"bytes"
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// zeroKey decodes to 32 zero bytes.
var zeroKey = strings.Repeat("A", 43)

func newTestCodec(t *testing.T, corpID string) *Codec {
	t.Helper()
	c, err := NewCodec(zeroKey, corpID)
	require.NoError(t, err)
	return c
}

func TestCodecZeroKeyHello(t *testing.T) {
	c := newTestCodec(t, "CORP1")

	ct, err := c.Encrypt([]byte("hello"))
	require.NoError(t, err)

	// 16 + 4 + 5 + 5 = 30 bytes, padded to one 32-byte block.
	raw, err := base64.StdEncoding.DecodeString(ct)
	require.NoError(t, err)
	assert.Len(t, raw, 32)

	got, err := c.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	other := newTestCodec(t, "CORP2")
	_, err = other.Decrypt(ct)
	assert.ErrorIs(t, err, ErrCorpIDMismatch)
}

func TestCodecRoundTripLengths(t *testing.T) {
	c := newTestCodec(t, "wx5823bf96d3bd56c7")

	for n := 0; n <= 300; n++ {
		plain := bytes.Repeat([]byte{byte('a' + n%26)}, n)
		ct, err := c.Encrypt(plain)
		require.NoError(t, err, "len %d", n)

		raw, err := base64.StdEncoding.DecodeString(ct)
		require.NoError(t, err)
		require.Zero(t, len(raw)%padBlock, "len %d not padded to %d", n, padBlock)

		got, err := c.Decrypt(ct)
		require.NoError(t, err, "len %d", n)
		require.Equal(t, len(plain), len(got), "len %d", n)
		require.True(t, bytes.Equal(plain, got), "len %d", n)
	}
}

func TestCodecRandomPrefixDiffers(t *testing.T) {
	c := newTestCodec(t, "CORP1")
	a, err := c.Encrypt([]byte("same"))
	require.NoError(t, err)
	b, err := c.Encrypt([]byte("same"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestCodecAcceptsPaddedKey(t *testing.T) {
	c, err := NewCodec(zeroKey+"=", "CORP1")
	require.NoError(t, err)

	ct, err := newTestCodec(t, "CORP1").Encrypt([]byte("x"))
	require.NoError(t, err)
	got, err := c.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, "x", string(got))
}

func TestNewCodecRejectsBadInput(t *testing.T) {
	tests := []struct {
		name   string
		key    string
		corpID string
	}{
		{"empty key", "", "CORP1"},
		{"short key", strings.Repeat("A", 42), "CORP1"},
		{"long key", strings.Repeat("A", 48), "CORP1"},
		{"not base64", strings.Repeat("*", 43), "CORP1"},
		{"empty corp", zeroKey, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCodec(tt.key, tt.corpID)
			assert.Error(t, err)
		})
	}
}

func TestCodecDecryptMalformed(t *testing.T) {
	c := newTestCodec(t, "CORP1")

	tests := map[string]string{
		"not base64":    "%%%%",
		"empty":         "",
		"not aligned":   base64.StdEncoding.EncodeToString(make([]byte, 17)),
		"one block":     base64.StdEncoding.EncodeToString(make([]byte, 16)),
		"garbage block": base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0x5a}, 64)),
	}
	for name, ct := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := c.Decrypt(ct)
			assert.ErrorIs(t, err, ErrDecryptionFailure)
		})
	}
}

func TestCodecLastBlockCorruption(t *testing.T) {
	c := newTestCodec(t, "CORP1")
	ct, err := c.Encrypt([]byte("a message long enough to span several cipher blocks"))
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(ct)
	require.NoError(t, err)

	for bit := 0; bit < 8; bit++ {
		tampered := append([]byte(nil), raw...)
		tampered[len(tampered)-1] ^= 1 << bit

		_, err := c.Decrypt(base64.StdEncoding.EncodeToString(tampered))
		require.Error(t, err, "bit %d", bit)
		assert.True(t,
			errors.Is(err, ErrDecryptionFailure) || errors.Is(err, ErrCorpIDMismatch),
			"bit %d: unexpected error %v", bit, err)
	}
}

func TestParseFrame(t *testing.T) {
	f := Frame{Payload: []byte("payload"), CorpID: "CORP1"}
	f.Random[0] = 0xff

	got, err := ParseFrame(f.Marshal())
	require.NoError(t, err)
	assert.Equal(t, f.Random, got.Random)
	assert.Equal(t, "payload", string(got.Payload))
	assert.Equal(t, "CORP1", got.CorpID)

	_, err = ParseFrame(make([]byte, 19))
	assert.ErrorIs(t, err, ErrDecryptionFailure)

	overlong := f.Marshal()
	overlong[prefixSize+lengthSize-1] = 0xff
	_, err = ParseFrame(overlong)
	assert.ErrorIs(t, err, ErrDecryptionFailure)
}

func TestPKCS7Unpad(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		ok   bool
	}{
		{"one byte pad", append(bytes.Repeat([]byte{'x'}, 31), 1), true},
		{"full block pad", bytes.Repeat([]byte{32}, 32), true},
		{"zero pad value", append(bytes.Repeat([]byte{'x'}, 31), 0), false},
		{"pad above block", bytes.Repeat([]byte{33}, 33), false},
		{"inconsistent pad", append(bytes.Repeat([]byte{'x'}, 30), 1, 2), false},
		{"empty", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := pkcs7Unpad(tt.in, padBlock)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrDecryptionFailure)
			}
		})
	}
}

func FuzzDecrypt(f *testing.F) {
	c, err := NewCodec(zeroKey, "CORP1")
	if err != nil {
		f.Fatal(err)
	}
	seed, err := c.Encrypt([]byte("hello"))
	if err != nil {
		f.Fatal(err)
	}
	f.Add(seed)
	f.Add("")
	f.Add("AAAA")
	f.Add(base64.StdEncoding.EncodeToString(make([]byte, 32)))

	f.Fuzz(func(t *testing.T, ct string) {
		got, err := c.Decrypt(ct)
		if err != nil {
			if !errors.Is(err, ErrDecryptionFailure) && !errors.Is(err, ErrCorpIDMismatch) {
				t.Fatalf("unexpected error class: %v", err)
			}
			return
		}
		again, err := c.Encrypt(got)
		if err != nil {
			t.Fatalf("re-encrypt: %v", err)
		}
		if _, err := c.Decrypt(again); err != nil {
			t.Fatalf("round trip after fuzz decrypt: %v", err)
		}
	})
}
