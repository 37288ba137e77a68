// Package staging manages local scratch space for the raw and processed
// files of jobs being transcoded.
package staging

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

const (
	rawDir       = "raw"
	processedDir = "processed"
	outputExt    = ".mp4"
)

// ErrSlotInUse is returned when a job already holds a staging slot.
var ErrSlotInUse = errors.New("staging slot already acquired for job")

// Slot is the scratch space reserved for one job. It is owned
// exclusively by the worker processing that job.
type Slot struct {
	JobID         uuid.UUID
	RawPath       string
	ProcessedPath string
}

// Manager hands out staging slots below a root directory laid out as
// <root>/raw and <root>/processed.
type Manager struct {
	root   string
	logger *slog.Logger

	mu     sync.Mutex
	active map[uuid.UUID]*Slot
}

func NewManager(root string, logger *slog.Logger) *Manager {
	return &Manager{
		root:   root,
		logger: logger,
		active: make(map[uuid.UUID]*Slot),
	}
}

func (m *Manager) Root() string { return m.root }

// Acquire reserves unique paths for a job's raw and processed files,
// creating the parent directories as needed. inputRef is only used to
// carry the source file extension onto the raw path.
func (m *Manager) Acquire(jobID uuid.UUID, inputRef string) (*Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.active[jobID]; ok {
		return nil, ErrSlotInUse
	}

	for _, dir := range []string{rawDir, processedDir} {
		path := filepath.Join(m.root, dir)
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("create staging directory %s: %w", path, err)
		}
	}

	ext := strings.ToLower(filepath.Ext(inputRef))
	if ext == "" || len(ext) > 6 {
		ext = outputExt
	}

	slot := &Slot{
		JobID:         jobID,
		RawPath:       filepath.Join(m.root, rawDir, jobID.String()+ext),
		ProcessedPath: filepath.Join(m.root, processedDir, jobID.String()+outputExt),
	}
	m.active[jobID] = slot
	return slot, nil
}

// Release deletes both staged files if present. It is idempotent:
// releasing a slot twice, or one whose files never materialized, is
// not an error.
func (m *Manager) Release(slot *Slot) error {
	if slot == nil {
		return nil
	}

	var errs []error
	for _, path := range []string{slot.RawPath, slot.ProcessedPath} {
		if err := removeIfExists(path); err != nil {
			errs = append(errs, err)
			continue
		}
	}

	m.mu.Lock()
	if cur, ok := m.active[slot.JobID]; ok && cur == slot {
		delete(m.active, slot.JobID)
	}
	m.mu.Unlock()

	return errors.Join(errs...)
}

// Active reports how many slots are currently held.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// jobIDOf recovers the job id from a staged file name (<id><ext>).
func jobIDOf(name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(strings.TrimSuffix(name, filepath.Ext(name)))
	return id, err == nil
}

// PurgeOrphans removes staged files that do not belong to a held slot.
// It runs at startup to reclaim disk left behind by a crashed process.
// Files whose job keep reports as still claimed are left in place, since
// another worker sharing the staging root may be using them. A nil keep
// purges every file outside this manager's slots.
func (m *Manager) PurgeOrphans(keep func(jobID uuid.UUID) bool) (int, error) {
	m.mu.Lock()
	owned := make(map[string]bool, len(m.active)*2)
	for _, slot := range m.active {
		owned[slot.RawPath] = true
		owned[slot.ProcessedPath] = true
	}
	m.mu.Unlock()

	removed := 0
	for _, dir := range []string{rawDir, processedDir} {
		entries, err := os.ReadDir(filepath.Join(m.root, dir))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return removed, err
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			path := filepath.Join(m.root, dir, e.Name())
			if owned[path] {
				continue
			}
			if id, ok := jobIDOf(e.Name()); ok && keep != nil && keep(id) {
				continue
			}
			if err := removeIfExists(path); err != nil {
				return removed, err
			}
			removed++
			if m.logger != nil {
				m.logger.Info("staging_orphan_removed", "path", path)
			}
		}
	}
	return removed, nil
}

func removeIfExists(path string) error {
	err := os.Remove(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("remove staged file %s: %w", path, err)
}
