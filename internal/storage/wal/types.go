package wal

import "github.com/ChuLiYu/batchtest/pkg/types"

// ============================================================================
// Journal Type Definitions
// Responsibility: Define the job lifecycle events written to the journal
// ============================================================================

// EventType defines journal event types
type EventType string

const (
	EventRunStart EventType = "RUN_START" // A run began; JobID is empty
	EventSubmit   EventType = "SUBMIT"    // Job handed to the scheduler
	EventStart    EventType = "START"     // Job process started
	EventFinish   EventType = "FINISH"    // Job process ended (succeeded or failed)
	EventCancel   EventType = "CANCEL"    // Job cancelled before it started
	EventRunEnd   EventType = "RUN_END"   // A run finished; JobID is empty
)

// Event represents a journal record, one JSON object per line
type Event struct {
	Seq       uint64          `json:"seq"`                 // Sequence number, monotonically increasing per file
	Type      EventType       `json:"type"`                // Event type
	RunID     string          `json:"run_id"`              // Run the event belongs to
	JobID     types.JobID     `json:"job_id,omitempty"`    // Job ID, empty for run events
	Command   []string        `json:"command,omitempty"`   // argv, SUBMIT only
	Status    types.JobStatus `json:"status,omitempty"`    // terminal status, FINISH/CANCEL only
	ExitCode  int             `json:"exit_code,omitempty"` // FINISH only
	Error     string          `json:"error,omitempty"`     // FINISH only
	Timestamp int64           `json:"timestamp"`           // Unix millisecond timestamp
	Checksum  uint32          `json:"checksum"`            // CRC32 checksum
}

// EventHandler is the function type for processing journal events.
// Replay stops at the first handler error.
type EventHandler func(event Event) error
