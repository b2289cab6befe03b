package sealing

import (
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundtrip(t *testing.T) {
	box := New(sha256.Sum256([]byte("test-key")))

	blob, err := box.Seal([]byte("hello, are you there?"))
	require.NoError(t, err)
	assert.NotContains(t, string(blob), "hello")

	plaintext, err := box.Open(blob)
	require.NoError(t, err)
	assert.Equal(t, "hello, are you there?", string(plaintext))
}

func TestOpenRejectsTamperedBlob(t *testing.T) {
	box := New(sha256.Sum256([]byte("test-key")))

	blob, err := box.Seal([]byte("secret"))
	require.NoError(t, err)

	blob[len(blob)-1] ^= 0xff
	_, err = box.Open(blob)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestOpenRejectsWrongKey(t *testing.T) {
	box := New(sha256.Sum256([]byte("key-a")))
	other := New(sha256.Sum256([]byte("key-b")))

	blob, err := box.Seal([]byte("secret"))
	require.NoError(t, err)

	_, err = other.Open(blob)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestOpenRejectsShortBlob(t *testing.T) {
	box := New(sha256.Sum256([]byte("key")))
	_, err := box.Open([]byte("short"))
	assert.ErrorIs(t, err, ErrDecrypt)
}
