package disklru

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestEditCommitGet(t *testing.T) {
	c := openTestCache(t, t.TempDir(), 1024)

	writeEntry(t, c, "alpha", "meta", "body")

	snap, err := c.Get("alpha")
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	defer snap.Close()

	if got := readAll(t, snap.Reader(0)); got != "meta" {
		t.Fatalf("value 0 mismatch: %q", got)
	}
	if got := readAll(t, snap.Reader(1)); got != "body" {
		t.Fatalf("value 1 mismatch: %q", got)
	}
	if snap.Length(1) != 4 {
		t.Fatalf("unexpected length: %d", snap.Length(1))
	}
	if c.Size() != 8 {
		t.Fatalf("unexpected size: %d", c.Size())
	}
}

func TestGetMissing(t *testing.T) {
	c := openTestCache(t, t.TempDir(), 1024)
	if _, err := c.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestInvalidKeyRejected(t *testing.T) {
	c := openTestCache(t, t.TempDir(), 1024)
	if _, err := c.Edit("Bad Key"); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}

func TestEditInProgress(t *testing.T) {
	c := openTestCache(t, t.TempDir(), 1024)

	editor, err := c.Edit("alpha")
	if err != nil {
		t.Fatalf("edit error: %v", err)
	}
	if _, err := c.Edit("alpha"); !errors.Is(err, ErrEditInProgress) {
		t.Fatalf("expected ErrEditInProgress, got %v", err)
	}
	if err := editor.Abort(); err != nil {
		t.Fatalf("abort error: %v", err)
	}
	if _, err := c.Edit("alpha"); err != nil {
		t.Fatalf("edit after abort should succeed: %v", err)
	}
}

func TestAbortKeepsPreviousValue(t *testing.T) {
	dir := t.TempDir()
	c := openTestCache(t, dir, 1024)
	writeEntry(t, c, "alpha", "m1", "b1")

	editor, err := c.Edit("alpha")
	if err != nil {
		t.Fatalf("edit error: %v", err)
	}
	writeValue(t, editor, 1, "b2")
	if err := editor.Abort(); err != nil {
		t.Fatalf("abort error: %v", err)
	}
	if err := editor.Commit(); !errors.Is(err, ErrEditorCompleted) {
		t.Fatalf("expected ErrEditorCompleted, got %v", err)
	}

	snap, err := c.Get("alpha")
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	defer snap.Close()
	if got := readAll(t, snap.Reader(1)); got != "b1" {
		t.Fatalf("expected previous value, got %q", got)
	}
	if _, err := os.Stat(filepath.Join(dir, "alpha.1.tmp")); !os.IsNotExist(err) {
		t.Fatalf("dirty file should be removed, stat err=%v", err)
	}
}

func TestNewEntryRequiresAllValues(t *testing.T) {
	c := openTestCache(t, t.TempDir(), 1024)

	editor, err := c.Edit("alpha")
	if err != nil {
		t.Fatalf("edit error: %v", err)
	}
	writeValue(t, editor, 0, "meta")
	if err := editor.Commit(); err == nil {
		t.Fatalf("commit without every value should fail")
	}
	if _, err := c.Get("alpha"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("incomplete entry should not be readable, got %v", err)
	}
}

func TestRemove(t *testing.T) {
	dir := t.TempDir()
	c := openTestCache(t, dir, 1024)
	writeEntry(t, c, "alpha", "m", "b")

	removed, err := c.Remove("alpha")
	if err != nil || !removed {
		t.Fatalf("remove failed: removed=%v err=%v", removed, err)
	}
	if _, err := c.Get("alpha"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after remove, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "alpha.0")); !os.IsNotExist(err) {
		t.Fatalf("value file should be deleted")
	}
	if c.Size() != 0 {
		t.Fatalf("size should drop to zero, got %d", c.Size())
	}

	removed, err = c.Remove("alpha")
	if err != nil || removed {
		t.Fatalf("second remove should report false, got removed=%v err=%v", removed, err)
	}
}

func TestRemoveDetachesEditor(t *testing.T) {
	c := openTestCache(t, t.TempDir(), 1024)

	editor, err := c.Edit("alpha")
	if err != nil {
		t.Fatalf("edit error: %v", err)
	}
	writeValue(t, editor, 0, "meta")
	if _, err := c.Remove("alpha"); err != nil {
		t.Fatalf("remove error: %v", err)
	}
	writeValue(t, editor, 1, "body")
	if err := editor.Commit(); err != nil {
		t.Fatalf("commit on detached editor should be a no-op, got %v", err)
	}
	if _, err := c.Get("alpha"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("detached commit must not publish, got %v", err)
	}
}

func TestTrimEvictsLeastRecentlyUsed(t *testing.T) {
	c := openTestCache(t, t.TempDir(), 10)

	writeEntry(t, c, "a", "12", "34")
	writeEntry(t, c, "b", "12", "34")

	// 访问 a，使 b 成为最久未使用的条目。
	snap, err := c.Get("a")
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	snap.Close()

	writeEntry(t, c, "c", "12", "34")

	if _, err := c.Get("b"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("b should be evicted, got %v", err)
	}
	for _, key := range []string{"a", "c"} {
		snap, err := c.Get(key)
		if err != nil {
			t.Fatalf("%s should survive: %v", key, err)
		}
		snap.Close()
	}
	if c.Size() > c.MaxSize() {
		t.Fatalf("size %d exceeds max %d", c.Size(), c.MaxSize())
	}
}

func TestEvictAll(t *testing.T) {
	c := openTestCache(t, t.TempDir(), 1024)
	writeEntry(t, c, "a", "m", "b")
	writeEntry(t, c, "b", "m", "b")

	if err := c.EvictAll(); err != nil {
		t.Fatalf("evict all error: %v", err)
	}
	if c.Size() != 0 {
		t.Fatalf("expected empty cache, size=%d", c.Size())
	}
	if _, err := c.Get("a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReopenRestoresEntries(t *testing.T) {
	dir := t.TempDir()
	c := openTestCache(t, dir, 1024)
	writeEntry(t, c, "alpha", "meta", "body")
	writeEntry(t, c, "beta", "meta", "body")
	if _, err := c.Remove("beta"); err != nil {
		t.Fatalf("remove error: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close error: %v", err)
	}

	reopened := openTestCache(t, dir, 1024)
	snap, err := reopened.Get("alpha")
	if err != nil {
		t.Fatalf("alpha should survive reopen: %v", err)
	}
	defer snap.Close()
	if got := readAll(t, snap.Reader(1)); got != "body" {
		t.Fatalf("unexpected body after reopen: %q", got)
	}
	if _, err := reopened.Get("beta"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("beta should stay removed, got %v", err)
	}
	if reopened.Size() != 8 {
		t.Fatalf("size should be restored, got %d", reopened.Size())
	}
}

func TestReopenDropsUnfinishedEdits(t *testing.T) {
	dir := t.TempDir()
	c := openTestCache(t, dir, 1024)
	editor, err := c.Edit("alpha")
	if err != nil {
		t.Fatalf("edit error: %v", err)
	}
	writeValue(t, editor, 0, "meta")
	if err := c.Close(); err != nil {
		t.Fatalf("close error: %v", err)
	}

	reopened := openTestCache(t, dir, 1024)
	if _, err := reopened.Get("alpha"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unfinished edit should not be readable, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "alpha.0.tmp")); !os.IsNotExist(err) {
		t.Fatalf("dirty file should be cleaned up")
	}
}

func TestCorruptJournalWipesDirectory(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, journalFile), []byte("not a journal\n"), 0o644); err != nil {
		t.Fatalf("write journal: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "stale.0"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write stale file: %v", err)
	}

	c := openTestCache(t, dir, 1024)
	if _, err := os.Stat(filepath.Join(dir, "stale.0")); !os.IsNotExist(err) {
		t.Fatalf("stale files should be wiped")
	}
	writeEntry(t, c, "alpha", "m", "b")

	data, err := os.ReadFile(filepath.Join(dir, journalFile))
	if err != nil {
		t.Fatalf("read journal: %v", err)
	}
	if !strings.HasPrefix(string(data), magic+"\n") {
		t.Fatalf("journal should be rebuilt, got %q", string(data))
	}
}

func TestClosedCacheRejectsOperations(t *testing.T) {
	c := openTestCache(t, t.TempDir(), 1024)
	if err := c.Close(); err != nil {
		t.Fatalf("close error: %v", err)
	}
	if !c.IsClosed() {
		t.Fatalf("cache should report closed")
	}
	if _, err := c.Get("alpha"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close should be a no-op, got %v", err)
	}
}

func openTestCache(t *testing.T, dir string, maxSize int64) *Cache {
	t.Helper()
	c, err := Open(Options{Directory: dir, AppVersion: 1, ValueCount: 2, MaxSize: maxSize})
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func writeEntry(t *testing.T, c *Cache, key, v0, v1 string) {
	t.Helper()
	editor, err := c.Edit(key)
	if err != nil {
		t.Fatalf("edit %s: %v", key, err)
	}
	writeValue(t, editor, 0, v0)
	writeValue(t, editor, 1, v1)
	if err := editor.Commit(); err != nil {
		t.Fatalf("commit %s: %v", key, err)
	}
}

func writeValue(t *testing.T, editor *Editor, index int, value string) {
	t.Helper()
	w, err := editor.NewWriter(index)
	if err != nil {
		t.Fatalf("new writer %d: %v", index, err)
	}
	if _, err := io.WriteString(w, value); err != nil {
		t.Fatalf("write value %d: %v", index, err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer %d: %v", index, err)
	}
}

func readAll(t *testing.T, r io.Reader) string {
	t.Helper()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read value: %v", err)
	}
	return string(data)
}
