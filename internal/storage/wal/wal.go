package wal

// ============================================================================
// Run Journal
// Responsibilities:
// 1. Append job lifecycle events to a JSON-lines file (append-only)
// 2. Replay events with checksum verification
// 3. Rotate the file aside when it should start fresh
//
// The journal is an audit trail of what the scheduler did; it is written
// alongside a run and never read back by the run itself.
// ============================================================================

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/ChuLiYu/batchtest/pkg/types"
)

// maxLineSize bounds a single journal line; a SUBMIT with a few hundred
// pairs in its argv is well below it.
const maxLineSize = 4 << 20

// FileInterface is the subset of *os.File the journal writes through
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// WAL is an open journal file
type WAL struct {
	mu           sync.Mutex
	file         FileInterface
	path         string
	seq          uint64 // last assigned sequence number
	syncOnAppend bool   // flush and fsync on every Append
	closed       bool

	buffer        []Event
	bufferSize    int
	lastFlushTime time.Time
	flushInterval time.Duration
}

// NewWAL opens or creates the journal at path. Sequence numbers continue
// from the last valid event already in the file. A damaged file (torn last
// line, bad checksum) is moved aside and its valid prefix is kept.
func NewWAL(path string, syncOnAppend bool) (*WAL, error) {
	seq, err := recoverJournal(path)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}

	return &WAL{
		file:          file,
		path:          path,
		seq:           seq,
		syncOnAppend:  syncOnAppend,
		buffer:        make([]Event, 0, 64),
		bufferSize:    64,
		lastFlushTime: time.Now(),
		flushInterval: time.Second,
	}, nil
}

// recoverJournal returns the seq of the last valid event at path. When
// replay stops on a corrupted line the file is renamed with a .corrupt
// suffix and the events before it are written back to path.
func recoverJournal(path string) (uint64, error) {
	var valid []Event
	err := ReplayFile(path, func(e Event) error {
		valid = append(valid, e)
		return nil
	})
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist):
		return 0, nil
	case errors.Is(err, ErrCorruptedWAL), errors.Is(err, ErrChecksumMismatch):
		backup := path + ".corrupt." + time.Now().Format("20060102_150405.000")
		if rerr := os.Rename(path, backup); rerr != nil {
			return 0, rerr
		}
		if werr := writeEvents(path, valid); werr != nil {
			return 0, werr
		}
		slog.Warn("journal damaged, kept valid prefix",
			"path", path, "backup", backup, "events", len(valid), "error", err)
	default:
		return 0, err
	}

	if len(valid) == 0 {
		return 0, nil
	}
	return valid[len(valid)-1].Seq, nil
}

// writeEvents creates path holding events, one JSON line each
func writeEvents(path string, events []Event) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(file)
	for _, e := range events {
		data, err := json.Marshal(e)
		if err != nil {
			file.Close()
			return err
		}
		bw.Write(append(data, '\n'))
	}
	if err := bw.Flush(); err != nil {
		file.Close()
		return err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// Path returns the journal file path
func (w *WAL) Path() string { return w.path }

// Append assigns the next sequence number, a timestamp when unset and the
// checksum, then buffers the event. Buffered events reach the file when
// the buffer fills, the flush interval passes, or forceFlush is set.
func (w *WAL) Append(e Event, forceFlush bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}

	w.seq++
	e.Seq = w.seq
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}
	e.Checksum = CalculateChecksum(e)
	w.buffer = append(w.buffer, e)

	if forceFlush || w.syncOnAppend || len(w.buffer) >= w.bufferSize || time.Since(w.lastFlushTime) > w.flushInterval {
		return w.flushLocked()
	}
	return nil
}

// RunStarted records the beginning of a run
func (w *WAL) RunStarted(runID string) error {
	return w.Append(Event{Type: EventRunStart, RunID: runID}, true)
}

// Submitted records a job handed to the scheduler
func (w *WAL) Submitted(runID string, job types.Job) error {
	return w.Append(Event{Type: EventSubmit, RunID: runID, JobID: job.ID, Command: job.Args}, false)
}

// Started records a job process start
func (w *WAL) Started(runID string, job types.Job) error {
	return w.Append(Event{Type: EventStart, RunID: runID, JobID: job.ID}, false)
}

// Finished records a terminal job result as FINISH, or CANCEL when the
// job never started
func (w *WAL) Finished(runID string, r types.JobResult) error {
	e := Event{Type: EventFinish, RunID: runID, JobID: r.Job.ID, Status: r.Status, ExitCode: r.ExitCode}
	if r.Status == types.StatusCancelled {
		e.Type = EventCancel
	}
	if r.Err != nil {
		e.Error = r.Err.Error()
	}
	if !r.FinishedAt.IsZero() {
		e.Timestamp = r.FinishedAt.UnixMilli()
	}
	return w.Append(e, false)
}

// RunEnded records the end of a run and flushes
func (w *WAL) RunEnded(runID string) error {
	return w.Append(Event{Type: EventRunEnd, RunID: runID}, true)
}

// Flush writes buffered events and fsyncs the file
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}
	return w.flushLocked()
}

// ReplayFile reads every event of the journal at path in order, verifies
// its checksum, and calls handler. It stops at the first corrupted line,
// checksum mismatch, or handler error.
func ReplayFile(path string, handler EventHandler) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var e Event
		if err := json.Unmarshal(raw, &e); err != nil {
			return &CorruptionError{Line: line, Cause: err}
		}
		if err := VerifyChecksum(e); err != nil {
			return err
		}
		if err := handler(e); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return &CorruptionError{Line: line + 1, Cause: err}
		}
		return err
	}
	return nil
}

// Rotate moves the current file aside with a timestamp suffix and starts
// an empty one. Sequence numbers restart at 1. It returns the backup path.
func (w *WAL) Rotate() (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return "", ErrWALClosed
	}
	if err := w.flushLocked(); err != nil {
		return "", err
	}
	if err := w.file.Close(); err != nil {
		return "", err
	}

	backupPath := w.path + "." + time.Now().Format("20060102_150405.000")
	if err := os.Rename(w.path, backupPath); err != nil {
		return "", err
	}

	newFile, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC|os.O_APPEND, 0644)
	if err != nil {
		w.closed = true
		return "", err
	}

	w.file = newFile
	w.seq = 0
	w.buffer = w.buffer[:0]
	w.lastFlushTime = time.Now()
	return backupPath, nil
}

// Close flushes and closes the journal. A closed journal cannot be reused.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	flushErr := w.flushLocked()
	closeErr := w.file.Close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

// GetLastSeq returns the last assigned sequence number
func (w *WAL) GetLastSeq() uint64 {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// flushLocked writes buffered events; the caller holds w.mu
func (w *WAL) flushLocked() error {
	if len(w.buffer) == 0 {
		return nil
	}
	for _, e := range w.buffer {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if _, err := w.file.Write(append(data, '\n')); err != nil {
			return err
		}
	}
	w.buffer = w.buffer[:0]
	w.lastFlushTime = time.Now()
	return w.file.Sync()
}
