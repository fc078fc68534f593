package report

// ============================================================================
// Run Report Store
// Responsibilities:
// 1. Serialize a RunReport as indented JSON
// 2. Write atomically (temp file + rename) so readers never see a torn file
// 3. Check the schema version on load
// 4. Optionally keep timestamped copies of previous reports
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/batchtest/pkg/types"
)

var (
	ErrCorruptedReport     = errors.New("report file is corrupted")
	ErrIncompatibleVersion = errors.New("report schema version is incompatible")
	ErrReportNotFound      = errors.New("report file not found")
)

// backupLayout suffixes archived reports; it sorts chronologically.
const backupLayout = "20060102_150405.000"

// Manager reads and writes the report file at one path
type Manager struct {
	path string
	mu   sync.Mutex
}

// NewManager creates a report manager for path
func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Write stores r atomically, stamping the current schema version.
//
// Flow:
//  1. marshal to JSON
//  2. write <path>.tmp
//  3. rename over <path> (atomic on POSIX file systems)
func (m *Manager) Write(r types.RunReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeLocked(r)
}

func (m *Manager) writeLocked(r types.RunReport) error {
	r.SchemaVer = types.ReportSchemaVersion

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	if dir := filepath.Dir(m.path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create report dir: %w", err)
		}
	}

	tmpPath := m.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp report: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename report: %w", err)
	}
	return nil
}

// Load reads the report, failing with ErrReportNotFound when there is none
func (m *Manager) Load() (types.RunReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return load(m.path)
}

func load(path string) (types.RunReport, error) {
	var r types.RunReport

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return r, fmt.Errorf("%w: %s", ErrReportNotFound, path)
		}
		return r, fmt.Errorf("failed to read report: %w", err)
	}

	if err := json.Unmarshal(data, &r); err != nil {
		return r, fmt.Errorf("%w: %v", ErrCorruptedReport, err)
	}
	if r.SchemaVer != types.ReportSchemaVersion {
		return r, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, r.SchemaVer, types.ReportSchemaVersion)
	}
	return r, nil
}

// Exists reports whether the report file is present
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath returns the report path
func (m *Manager) GetPath() string {
	return m.path
}

// WriteWithBackup moves an existing report to <path>.<timestamp>, writes r,
// and keeps only the newest keepBackups archived copies. 0 keeps none and
// a negative value keeps all.
func (m *Manager) WriteWithBackup(r types.RunReport, keepBackups int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := os.Stat(m.path); err == nil {
		backupPath := m.path + "." + time.Now().Format(backupLayout)
		if err := os.Rename(m.path, backupPath); err != nil {
			return fmt.Errorf("failed to backup old report: %w", err)
		}
	}

	if err := m.writeLocked(r); err != nil {
		return err
	}
	return m.pruneLocked(keepBackups)
}

// Backups lists archived reports, newest first
func (m *Manager) Backups() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.backupsLocked()
}

func (m *Manager) backupsLocked() ([]string, error) {
	matches, err := filepath.Glob(m.path + ".*")
	if err != nil {
		return nil, err
	}
	out := matches[:0]
	for _, p := range matches {
		if p != m.path+".tmp" {
			out = append(out, p)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(out)))
	return out, nil
}

func (m *Manager) pruneLocked(keep int) error {
	if keep < 0 {
		return nil
	}
	backups, err := m.backupsLocked()
	if err != nil {
		return err
	}
	if len(backups) <= keep {
		return nil
	}
	for _, p := range backups[keep:] {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to prune report backup: %w", err)
		}
	}
	return nil
}
