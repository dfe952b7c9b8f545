package keystream

import (
	"bytes"
	"io"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveKeyDeterministic(t *testing.T) {
	k1 := DeriveKey("content-1")
	k2 := DeriveKey("content-1")
	k3 := DeriveKey("content-2")

	require.Len(t, k1, KeySize)
	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
}

func TestApplyInvolution(t *testing.T) {
	key := DeriveKey("v1")
	data := []byte("some segment payload bytes")
	original := append([]byte(nil), data...)

	Apply(data, key, 0)
	assert.NotEqual(t, original, data)

	Apply(data, key, 0)
	assert.Equal(t, original, data)
}

func TestXORLeavesInputIntact(t *testing.T) {
	key := DeriveKey("v1")
	data := []byte{1, 2, 3, 4}
	out := XOR(data, key, 0)

	assert.Equal(t, []byte{1, 2, 3, 4}, data)
	assert.NotEqual(t, data, out)
	assert.Equal(t, data, XOR(out, key, 0))
}

func TestChunkingInvariance(t *testing.T) {
	key := DeriveKey("chunked-content")
	rng := rand.New(rand.NewSource(7))

	payload := make([]byte, 64*1024+37)
	rng.Read(payload)

	whole := XOR(payload, key, 0)

	// split at arbitrary boundaries, apply each chunk at its running offset
	var chunked []byte
	var offset int64
	remaining := payload
	for len(remaining) > 0 {
		n := rng.Intn(len(remaining)) + 1
		chunked = append(chunked, XOR(remaining[:n], key, offset)...)
		offset += int64(n)
		remaining = remaining[n:]
	}

	assert.Equal(t, whole, chunked)
}

func TestReaderMatchesWholeBuffer(t *testing.T) {
	key := DeriveKey("streamed-content")
	payload := bytes.Repeat([]byte("0123456789abcdef"), 1000)

	whole := XOR(payload, key, 0)

	r := NewReader(bytes.NewReader(payload), key, 0)
	streamed, err := io.ReadAll(r)
	require.NoError(t, err)

	assert.Equal(t, whole, streamed)
}

func TestReaderWithInitialOffset(t *testing.T) {
	key := DeriveKey("offset-content")
	payload := []byte("payload tail served from a nonzero position")
	const offset = int64(1234)

	expected := XOR(payload, key, offset)

	r := NewReader(bytes.NewReader(payload), key, offset)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, expected, got)
}
