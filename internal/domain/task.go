package domain

type TaskStatus string

const (
	TaskStatusPending     TaskStatus = "pending"
	TaskStatusDownloading TaskStatus = "downloading"
	TaskStatusPaused      TaskStatus = "paused"
	TaskStatusCompleted   TaskStatus = "completed"
	TaskStatusFailed      TaskStatus = "failed"
	TaskStatusCancelled   TaskStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible for the task
// instance. A new instance must be created to retry.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// TaskSnapshot is a point-in-time copy of a download task's state, safe to
// hand out across goroutines.
type TaskSnapshot struct {
	Key                ContentKey
	Status             TaskStatus
	DownloadedSegments int
	TotalSegments      int
	DownloadedBytes    int64
	TotalBytes         int64
	SpeedBytesPerSec   int64
	ErrorMessage       string
}

// ProgressEvent is broadcast on every task state change and at a throttled
// cadence while segments are downloading.
type ProgressEvent struct {
	ContentID          string     `json:"content_id"`
	Quality            string     `json:"quality"`
	Status             TaskStatus `json:"status"`
	DownloadedSegments int        `json:"downloaded_segments"`
	TotalSegments      int        `json:"total_segments"`
	DownloadedBytes    int64      `json:"downloaded_bytes"`
	TotalBytes         int64      `json:"total_bytes"`
	SpeedBytesPerSec   int64      `json:"speed_bytes_per_sec"`
	ErrorMessage       string     `json:"error_message,omitempty"`
}

// EventFromSnapshot converts a task snapshot into its broadcast form.
func EventFromSnapshot(s TaskSnapshot) ProgressEvent {
	return ProgressEvent{
		ContentID:          s.Key.ContentID,
		Quality:            s.Key.Quality,
		Status:             s.Status,
		DownloadedSegments: s.DownloadedSegments,
		TotalSegments:      s.TotalSegments,
		DownloadedBytes:    s.DownloadedBytes,
		TotalBytes:         s.TotalBytes,
		SpeedBytesPerSec:   s.SpeedBytesPerSec,
		ErrorMessage:       s.ErrorMessage,
	}
}
