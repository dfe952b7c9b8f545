// Package store implements the encrypted on-disk layout for downloaded
// content: one directory per (content, quality) holding segment files, a
// local manifest and a completion metadata record, all enciphered with the
// content-derived keystream.
package store

import (
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"
	"github.com/sirupsen/logrus"

	"hls-vault/internal/domain"
	"hls-vault/internal/keystream"
)

const (
	// SegmentExt is the fixed extension for stored segment files. The local
	// manifest controls what the player requests, so the upstream extension
	// does not need to be preserved.
	SegmentExt = ".ts"

	manifestName = "manifest.m3u8"
	metadataName = "metadata.json"
)

// Store owns the content directories under root. Directories are written
// only by their key's active download task; playback strategies read them.
type Store struct {
	root   string
	logger *logrus.Logger
}

func New(root string, logger *logrus.Logger) *Store {
	if logger == nil {
		logger = logrus.New()
	}
	return &Store{root: root, logger: logger}
}

func (s *Store) Root() string { return s.root }

// Dir returns the content directory for a key. Identifier strings are
// sanitized into filesystem-safe tokens.
func (s *Store) Dir(key domain.ContentKey) string {
	return filepath.Join(s.root, sanitize(key.ContentID)+"_"+sanitize(key.Quality))
}

// SegmentName returns the zero-padded local filename for a segment index.
func SegmentName(index int) string {
	return fmt.Sprintf("seg_%05d%s", index, SegmentExt)
}

func (s *Store) SegmentPath(key domain.ContentKey, index int) string {
	return filepath.Join(s.Dir(key), SegmentName(index))
}

func (s *Store) ManifestPath(key domain.ContentKey) string {
	return filepath.Join(s.Dir(key), manifestName)
}

func (s *Store) MetadataPath(key domain.ContentKey) string {
	return filepath.Join(s.Dir(key), metadataName)
}

// WriteSegment encrypts plaintext at offset 0 and writes it atomically,
// creating the content directory lazily on first write. Returns the stored
// byte count.
func (s *Store) WriteSegment(key domain.ContentKey, index int, plaintext []byte) (int64, error) {
	if err := os.MkdirAll(s.Dir(key), 0o755); err != nil {
		return 0, fmt.Errorf("create content dir: %w", err)
	}
	data := keystream.XOR(plaintext, keystream.DeriveKey(key.ContentID), 0)
	if err := atomicWrite(s.SegmentPath(key, index), data); err != nil {
		return 0, fmt.Errorf("write segment %d: %w", index, err)
	}
	return int64(len(data)), nil
}

// ReadSegment returns the decrypted bytes of one segment.
func (s *Store) ReadSegment(key domain.ContentKey, index int) ([]byte, error) {
	data, err := os.ReadFile(s.SegmentPath(key, index))
	if err != nil {
		return nil, fmt.Errorf("read segment %d: %w", index, err)
	}
	keystream.Apply(data, keystream.DeriveKey(key.ContentID), 0)
	return data, nil
}

// OpenSegment returns a streaming decrypting reader over one segment plus
// its stored size, for chunked playback serving under bounded memory.
func (s *Store) OpenSegment(key domain.ContentKey, index int) (io.ReadCloser, int64, error) {
	f, err := os.Open(s.SegmentPath(key, index))
	if err != nil {
		return nil, 0, fmt.Errorf("open segment %d: %w", index, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat segment %d: %w", index, err)
	}
	return &decryptingReader{
		Reader: keystream.NewReader(f, keystream.DeriveKey(key.ContentID), 0),
		file:   f,
	}, info.Size(), nil
}

type decryptingReader struct {
	io.Reader
	file *os.File
}

func (r *decryptingReader) Close() error { return r.file.Close() }

// WriteManifest stores the local manifest text, encrypted whole-buffer.
func (s *Store) WriteManifest(key domain.ContentKey, plaintext []byte) error {
	if err := os.MkdirAll(s.Dir(key), 0o755); err != nil {
		return fmt.Errorf("create content dir: %w", err)
	}
	data := keystream.XOR(plaintext, keystream.DeriveKey(key.ContentID), 0)
	if err := atomicWrite(s.ManifestPath(key), data); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// ReadManifest returns the decrypted local manifest text.
func (s *Store) ReadManifest(key domain.ContentKey) ([]byte, error) {
	data, err := os.ReadFile(s.ManifestPath(key))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	keystream.Apply(data, keystream.DeriveKey(key.ContentID), 0)
	return data, nil
}

// WriteMetadata stores the completion record. Unlike segments and the
// manifest it is plain JSON: it carries no media bytes and must stay
// readable without knowing the content key up front.
func (s *Store) WriteMetadata(key domain.ContentKey, meta *domain.StoreMetadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	if err := atomicWrite(s.MetadataPath(key), data); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return nil
}

// ReadMetadata strictly decodes the completion record.
func (s *Store) ReadMetadata(key domain.ContentKey) (*domain.StoreMetadata, error) {
	data, err := os.ReadFile(s.MetadataPath(key))
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	return domain.DecodeStoreMetadata(data)
}

// IsComplete reports whether the key has a finished download on disk. The
// metadata flag alone is not trusted: every segment index in range must
// still have a file, guarding against partial deletions.
func (s *Store) IsComplete(key domain.ContentKey) bool {
	meta, err := s.ReadMetadata(key)
	if err != nil || !meta.Complete {
		return false
	}
	for i := 0; i < meta.SegmentCount; i++ {
		if _, err := os.Stat(s.SegmentPath(key, i)); err != nil {
			return false
		}
	}
	return true
}

// ContiguousSegments returns the length of the unbroken run of segment files
// starting at index 0, used to pick the resume start index.
func (s *Store) ContiguousSegments(key domain.ContentKey) int {
	n := 0
	for {
		if _, err := os.Stat(s.SegmentPath(key, n)); err != nil {
			return n
		}
		n++
	}
}

// Delete removes the whole content directory. Idempotent.
func (s *Store) Delete(key domain.ContentKey) error {
	if err := os.RemoveAll(s.Dir(key)); err != nil {
		return fmt.Errorf("delete content dir: %w", err)
	}
	return nil
}

// TotalSizeBytes sums the on-disk (encrypted) sizes of all segment files.
// Storage accounting only, not a correctness signal.
func (s *Store) TotalSizeBytes(key domain.ContentKey) (int64, error) {
	entries, err := os.ReadDir(s.Dir(key))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("list content dir: %w", err)
	}
	var total int64
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), "seg_") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return 0, fmt.Errorf("stat %s: %w", entry.Name(), err)
		}
		total += info.Size()
	}
	return total, nil
}

// List enumerates the metadata records of every stored content directory.
// Directories without a decodable record are skipped.
func (s *Store) List() []*domain.StoreMetadata {
	var metas []*domain.StoreMetadata
	_ = filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || path == s.root || !d.IsDir() {
			return nil
		}
		data, readErr := os.ReadFile(filepath.Join(path, metadataName))
		if readErr != nil {
			return fs.SkipDir
		}
		if meta, decodeErr := domain.DecodeStoreMetadata(data); decodeErr == nil {
			metas = append(metas, meta)
		}
		return fs.SkipDir
	})
	return metas
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.' || r == '_' || r == '-':
			return r
		default:
			return '_'
		}
	}, s)
}

func atomicWrite(path string, data []byte) error {
	return renameio.WriteFile(path, data, 0o644)
}
