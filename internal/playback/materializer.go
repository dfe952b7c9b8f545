// Package playback turns a completed encrypted store into something a media
// engine can open: either plain files staged into a temp directory, or a
// loopback HTTP origin that decrypts on the fly.
package playback

import (
	"context"

	"hls-vault/internal/domain"
	"hls-vault/internal/store"
)

// chunkSize bounds memory use during streaming decryption, independent of
// segment size.
const chunkSize = 64 * 1024

// Materializer produces a playable reference (a manifest path or URL) for a
// completed download. Implementations never return a partial reference.
type Materializer interface {
	Materialize(ctx context.Context, key domain.ContentKey) (string, error)
	Stop() error
}

// verifyComplete is the shared admission check: metadata must exist and
// every segment file must still be on disk.
func verifyComplete(st *store.Store, key domain.ContentKey) error {
	meta, err := st.ReadMetadata(key)
	if err != nil {
		return domain.ErrNotDownloaded
	}
	if !meta.Complete {
		return domain.ErrNotDownloaded
	}
	if !st.IsComplete(key) {
		return domain.ErrIncompleteStore
	}
	return nil
}
