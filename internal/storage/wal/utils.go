package wal

// ============================================================================
// Journal Utilities
// Responsibility: inspection helpers used by the journal command
// ============================================================================

import (
	"errors"
	"fmt"
	"io"
	"time"
)

// GetLastEvent returns the last event of the journal at path, or
// ErrEmptyWAL when it has none. Every line is decoded and verified.
func GetLastEvent(path string) (*Event, error) {
	var last *Event
	err := ReplayFile(path, func(e Event) error {
		last = &e
		return nil
	})
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, ErrEmptyWAL
	}
	return last, nil
}

// CountEvents counts the events in the journal
func CountEvents(path string) (int, error) {
	n := 0
	err := ReplayFile(path, func(Event) error {
		n++
		return nil
	})
	return n, err
}

// ValidateWAL checks that every event decodes, carries a valid checksum,
// and that sequence numbers start at 1 and increase by one. Sequence gaps
// are collected; decoding and checksum failures stop the scan.
func ValidateWAL(path string) error {
	var gaps []error
	var lastSeq uint64
	err := ReplayFile(path, func(e Event) error {
		if e.Seq != lastSeq+1 {
			gaps = append(gaps, fmt.Errorf("%w: expected seq=%d, got seq=%d", ErrSeqGap, lastSeq+1, e.Seq))
		}
		lastSeq = e.Seq
		return nil
	})
	if err != nil {
		return err
	}
	return errors.Join(gaps...)
}

// DumpWAL writes the journal in a human readable form, one event per line.
// limit > 0 prints only the last limit events.
func DumpWAL(path string, w io.Writer, limit int) error {
	var events []Event
	err := ReplayFile(path, func(e Event) error {
		events = append(events, e)
		if limit > 0 && len(events) > limit {
			events = events[1:]
		}
		return nil
	})
	if err != nil {
		return err
	}
	return PrintEvents(w, events)
}

// PrintEvents writes events one per line:
//
//	[Seq:2] SUBMIT run=4f1c.. job=0:20210101-20210131#0 at 2024-01-01T00:00:01Z (checksum:0x87654321)
func PrintEvents(w io.Writer, events []Event) error {
	for _, e := range events {
		line := fmt.Sprintf("[Seq:%d] %s run=%s", e.Seq, e.Type, e.RunID)
		if e.JobID != "" {
			line += fmt.Sprintf(" job=%s", e.JobID)
		}
		if e.Status != "" {
			line += fmt.Sprintf(" status=%s exit=%d", e.Status, e.ExitCode)
		}
		line += fmt.Sprintf(" at %s (checksum:0x%08x)", time.UnixMilli(e.Timestamp).UTC().Format(time.RFC3339), e.Checksum)
		if e.Error != "" {
			line += fmt.Sprintf(" error=%q", e.Error)
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

// WALStats summarizes a journal
type WALStats struct {
	TotalEvents int
	EventTypes  map[EventType]int
	Runs        []string // run IDs in order of first appearance
	FirstSeq    uint64
	LastSeq     uint64
	TimeRange   [2]time.Time // earliest, latest
}

// GetWALStats scans the journal and collects statistics
func GetWALStats(path string) (*WALStats, error) {
	s := &WALStats{EventTypes: make(map[EventType]int)}
	seen := make(map[string]bool)

	err := ReplayFile(path, func(e Event) error {
		ts := time.UnixMilli(e.Timestamp)
		if s.TotalEvents == 0 {
			s.FirstSeq = e.Seq
			s.TimeRange = [2]time.Time{ts, ts}
		}
		s.TotalEvents++
		s.LastSeq = e.Seq
		s.EventTypes[e.Type]++
		if ts.Before(s.TimeRange[0]) {
			s.TimeRange[0] = ts
		}
		if ts.After(s.TimeRange[1]) {
			s.TimeRange[1] = ts
		}
		if e.RunID != "" && !seen[e.RunID] {
			seen[e.RunID] = true
			s.Runs = append(s.Runs, e.RunID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// RunEvents returns the events of a single run, in journal order
func RunEvents(path, runID string) ([]Event, error) {
	var out []Event
	err := ReplayFile(path, func(e Event) error {
		if e.RunID == runID {
			out = append(out, e)
		}
		return nil
	})
	return out, err
}
