package domain

import (
	"fmt"
	"time"
)

// ContentKey identifies one downloaded rendition of a piece of content.
// At most one active download task may exist per key at any time.
type ContentKey struct {
	ContentID string
	Quality   string
}

func (k ContentKey) String() string {
	return fmt.Sprintf("%s@%s", k.ContentID, k.Quality)
}

// SegmentDescriptor is one entry of a resolved media playlist. Indices are
// dense and 0-based; a gap invalidates the download.
type SegmentDescriptor struct {
	Index    int     `json:"index"`
	URL      string  `json:"url"`
	Duration float64 `json:"duration"`
}

// ResumeState is the durable checkpoint written on pause and consumed by the
// next start for the same key. Deleted on completion or cancel.
type ResumeState struct {
	ContentID          string
	Quality            string
	LastCompletedIndex int
	TotalSegments      int
	PausedAt           time.Time
}

func (s ResumeState) Key() ContentKey {
	return ContentKey{ContentID: s.ContentID, Quality: s.Quality}
}
