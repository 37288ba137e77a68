package staging

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
)

func mustWriteFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestAcquireCreatesDirectories(t *testing.T) {
	root := filepath.Join(t.TempDir(), "nested", "staging")
	m := NewManager(root, nil)
	id := uuid.New()

	slot, err := m.Acquire(id, "raw/a.MOV")
	if err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	if filepath.Dir(slot.RawPath) != filepath.Join(root, "raw") {
		t.Fatalf("raw path = %s", slot.RawPath)
	}
	if filepath.Ext(slot.RawPath) != ".mov" {
		t.Fatalf("raw ext = %s, want .mov", filepath.Ext(slot.RawPath))
	}
	if filepath.Base(slot.ProcessedPath) != id.String()+".mp4" {
		t.Fatalf("processed path = %s", slot.ProcessedPath)
	}
	for _, dir := range []string{"raw", "processed"} {
		if info, err := os.Stat(filepath.Join(root, dir)); err != nil || !info.IsDir() {
			t.Fatalf("expected %s dir to exist: %v", dir, err)
		}
	}
}

func TestAcquireRejectsSecondSlot(t *testing.T) {
	m := NewManager(t.TempDir(), nil)
	id := uuid.New()

	slot, err := m.Acquire(id, "a.mp4")
	if err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	if _, err := m.Acquire(id, "a.mp4"); !errors.Is(err, ErrSlotInUse) {
		t.Fatalf("expected ErrSlotInUse, got %v", err)
	}

	if err := m.Release(slot); err != nil {
		t.Fatalf("Release error: %v", err)
	}
	if _, err := m.Acquire(id, "a.mp4"); err != nil {
		t.Fatalf("expected reacquire after release, got %v", err)
	}
}

func TestReleaseDeletesFilesAndIsIdempotent(t *testing.T) {
	m := NewManager(t.TempDir(), nil)
	slot, err := m.Acquire(uuid.New(), "a.mp4")
	if err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	mustWriteFile(t, slot.RawPath, "raw")
	mustWriteFile(t, slot.ProcessedPath, "processed")

	if err := m.Release(slot); err != nil {
		t.Fatalf("Release error: %v", err)
	}
	for _, p := range []string{slot.RawPath, slot.ProcessedPath} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Fatalf("expected %s to be removed, stat err = %v", p, err)
		}
	}
	if err := m.Release(slot); err != nil {
		t.Fatalf("second Release must not error: %v", err)
	}
	if m.Active() != 0 {
		t.Fatalf("active = %d, want 0", m.Active())
	}
}

func TestReleaseNeverMaterializedSlot(t *testing.T) {
	m := NewManager(t.TempDir(), nil)
	slot, err := m.Acquire(uuid.New(), "a.mp4")
	if err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	if err := m.Release(slot); err != nil {
		t.Fatalf("Release of empty slot error: %v", err)
	}
	if err := m.Release(nil); err != nil {
		t.Fatalf("Release(nil) error: %v", err)
	}
}

func TestPurgeOrphansKeepsActiveSlots(t *testing.T) {
	root := t.TempDir()
	m := NewManager(root, nil)

	live, err := m.Acquire(uuid.New(), "a.mp4")
	if err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	mustWriteFile(t, live.RawPath, "live")

	orphanRaw := filepath.Join(root, "raw", uuid.New().String()+".mp4")
	orphanOut := filepath.Join(root, "processed", uuid.New().String()+".mp4")
	mustWriteFile(t, orphanRaw, "old")
	mustWriteFile(t, orphanOut, "old")

	n, err := m.PurgeOrphans(nil)
	if err != nil {
		t.Fatalf("PurgeOrphans error: %v", err)
	}
	if n != 2 {
		t.Fatalf("removed %d files, want 2", n)
	}
	if _, err := os.Stat(live.RawPath); err != nil {
		t.Fatalf("live file must survive purge: %v", err)
	}
}

func TestPurgeOrphansSparesFilesOfClaimedJobs(t *testing.T) {
	root := t.TempDir()
	m := NewManager(root, nil)

	claimed := uuid.New()
	elsewhere := filepath.Join(root, "raw", claimed.String()+".mov")
	orphan := filepath.Join(root, "processed", uuid.New().String()+".mp4")
	stray := filepath.Join(root, "raw", "not-a-job.tmp")
	mustWriteFile(t, elsewhere, "in use by another worker")
	mustWriteFile(t, orphan, "old")
	mustWriteFile(t, stray, "old")

	n, err := m.PurgeOrphans(func(id uuid.UUID) bool { return id == claimed })
	if err != nil {
		t.Fatalf("PurgeOrphans error: %v", err)
	}
	if n != 2 {
		t.Fatalf("removed %d files, want 2", n)
	}
	if _, err := os.Stat(elsewhere); err != nil {
		t.Fatalf("file of a claimed job must survive purge: %v", err)
	}
	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Fatalf("expected orphan to be removed, stat err=%v", err)
	}
}
