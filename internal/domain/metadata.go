package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// MetadataVersion is the current StoreMetadata schema version. Records with
// an unknown version are rejected rather than decoded permissively.
const MetadataVersion = 1

// StoreMetadata is written once, after every segment of a download has
// succeeded. Its presence plus a full set of on-disk segment files is the
// sole completion predicate for a content key.
type StoreMetadata struct {
	Version      int                 `json:"version"`
	ContentID    string              `json:"content_id"`
	Quality      string              `json:"quality"`
	SegmentCount int                 `json:"segment_count"`
	TotalBytes   int64               `json:"total_bytes"`
	Complete     bool                `json:"complete"`
	DownloadedAt time.Time           `json:"downloaded_at"`
	Segments     []SegmentDescriptor `json:"segments"`
}

func (m StoreMetadata) Key() ContentKey {
	return ContentKey{ContentID: m.ContentID, Quality: m.Quality}
}

// DecodeStoreMetadata parses and validates a metadata record.
func DecodeStoreMetadata(data []byte) (*StoreMetadata, error) {
	var m StoreMetadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode store metadata: %w", err)
	}
	if m.Version != MetadataVersion {
		return nil, fmt.Errorf("unsupported metadata version %d", m.Version)
	}
	if m.ContentID == "" || m.Quality == "" {
		return nil, fmt.Errorf("metadata missing content identity")
	}
	if m.SegmentCount < 0 {
		return nil, fmt.Errorf("metadata has negative segment count")
	}
	if len(m.Segments) != 0 && len(m.Segments) != m.SegmentCount {
		return nil, fmt.Errorf("metadata segment list length %d does not match count %d", len(m.Segments), m.SegmentCount)
	}
	return &m, nil
}
