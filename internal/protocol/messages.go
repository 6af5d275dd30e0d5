package protocol

import "time"

// BatchTrigger requests a run. An empty RecordingID processes every pending
// recording.
type BatchTrigger struct {
	RecordingID string `json:"recording_id,omitempty"`
	Requeue     bool   `json:"requeue,omitempty"`
}

// BatchProgress is published after every step of an item.
type BatchProgress struct {
	RunID       string    `json:"run_id"`
	RecordingID string    `json:"recording_id"`
	Filename    string    `json:"filename"`
	Status      string    `json:"status"`
	Current     int       `json:"current"`
	Total       int       `json:"total"`
	Timestamp   time.Time `json:"timestamp"`
}

// BatchComplete is published once per run.
type BatchComplete struct {
	RunID     string    `json:"run_id"`
	Total     int       `json:"total"`
	Canceled  bool      `json:"canceled,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectBatchTrigger  = "notes.batch.trigger"
	SubjectBatchProgress = "notes.batch.progress"
	SubjectBatchComplete = "notes.batch.complete"

	// StreamBatch retains progress and completion messages on JetStream.
	StreamBatch = "NOTES_BATCH"
)

// TriggerReply answers a BatchTrigger sent as a request.
type TriggerReply struct {
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}
