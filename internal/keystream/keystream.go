// Package keystream implements the at-rest obfuscation cipher for stored
// segments and manifests. It is a positional XOR keystream, not a security
// boundary: the goal is that files on disk are not directly playable, while
// encryption and decryption stay cheap enough to run inline with network and
// disk I/O.
package keystream

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the derived key length in bytes.
const KeySize = 32

const (
	keyPrefix = "hls-vault.content."
	hkdfSalt  = "hls-vault/keystream/v1"
	hkdfInfo  = "segment-at-rest"
)

// DeriveKey derives the per-content key from the stable content identifier.
// The same contentID always yields the same key; quality and session never
// participate, so every rendition of one content shares a key.
func DeriveKey(contentID string) []byte {
	r := hkdf.New(sha256.New, []byte(keyPrefix+contentID), []byte(hkdfSalt), []byte(hkdfInfo))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		// hkdf only errors once the output is exhausted, far beyond KeySize.
		panic(err)
	}
	return key
}

// Apply XORs data in place with the keystream starting at the given absolute
// byte offset. Applying twice with the same offset restores the input.
// Splitting a buffer into chunks and applying each with its running offset
// produces output identical to a single whole-buffer application.
func Apply(data []byte, key []byte, offset int64) {
	n := int64(len(key))
	for i := range data {
		data[i] ^= key[(offset+int64(i))%n]
	}
}

// XOR returns a transformed copy, leaving the input untouched.
func XOR(data []byte, key []byte, offset int64) []byte {
	out := make([]byte, len(data))
	copy(out, data)
	Apply(out, key, offset)
	return out
}

type reader struct {
	src    io.Reader
	key    []byte
	offset int64
}

// NewReader wraps src so every byte read is XORed against the keystream at
// its absolute position, starting from offset. Used for chunked streaming so
// memory stays bounded regardless of segment size.
func NewReader(src io.Reader, key []byte, offset int64) io.Reader {
	return &reader{src: src, key: key, offset: offset}
}

func (r *reader) Read(p []byte) (int, error) {
	n, err := r.src.Read(p)
	if n > 0 {
		Apply(p[:n], r.key, r.offset)
		r.offset += int64(n)
	}
	return n, err
}
