package profile

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"
)

func writeTestFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	full := filepath.Join(dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func paths(snap Snapshot) []string {
	out := make([]string, 0, len(snap))
	for _, f := range snap {
		out = append(out, f.RelativePath)
	}
	sort.Strings(out)
	return out
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

func TestCapture(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, dir, "device.db", "device")
	writeTestFile(t, dir, "device.db-wal", "wal")
	writeTestFile(t, dir, "Default/Preferences", "{}")
	writeTestFile(t, dir, "Default/Local Storage/leveldb/000003.log", "log")
	writeTestFile(t, dir, "Default/IndexedDB/x/000005.ldb", "ldb")
	writeTestFile(t, dir, "Default/Cache/data_0.json", "cached")
	writeTestFile(t, dir, "Default/notes.txt", "ignored")
	writeTestFile(t, dir, "Default/empty.db", "")

	s := NewSynchronizer(DefaultConfig(), nil)
	snap, err := s.Capture(context.Background(), dir)
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	got := paths(snap)

	for _, want := range []string{
		"device.db",
		"device.db-wal",
		"Default/Preferences",
		"Default/Local Storage/leveldb/000003.log",
		"Default/IndexedDB/x/000005.ldb",
	} {
		if !contains(got, want) {
			t.Errorf("expected %q in snapshot %v", want, got)
		}
	}
	for _, unwanted := range []string{"Default/Cache/data_0.json", "Default/notes.txt", "Default/empty.db"} {
		if contains(got, unwanted) {
			t.Errorf("did not expect %q in snapshot", unwanted)
		}
	}

	t.Run("no duplicate paths", func(t *testing.T) {
		seen := map[string]bool{}
		for _, f := range snap {
			if seen[f.RelativePath] {
				t.Errorf("duplicate path %q", f.RelativePath)
			}
			seen[f.RelativePath] = true
		}
	})
}

func TestCaptureDepthAndSize(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, dir, "Default/a/b/c/d/e/f/deep.db", "deep")
	writeTestFile(t, dir, "Default/big.db", "0123456789")
	writeTestFile(t, dir, "Default/ok.db", "ok")

	cfg := DefaultConfig()
	cfg.MaxFileSize = 5
	s := NewSynchronizer(cfg, nil)

	snap, err := s.Capture(context.Background(), dir)
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	got := paths(snap)
	if len(got) != 1 || got[0] != "Default/ok.db" {
		t.Errorf("expected only Default/ok.db, got %v", got)
	}
}

func TestCaptureFallback(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, dir, "state/blob.bin", "bin")
	writeTestFile(t, dir, "README", "readme")
	writeTestFile(t, dir, "GPUCache/index", "skip")

	s := NewSynchronizer(DefaultConfig(), nil)
	snap, err := s.Capture(context.Background(), dir)
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	got := paths(snap)
	if len(got) != 2 || got[0] != "README" || got[1] != "state/blob.bin" {
		t.Errorf("expected fallback to capture README and state/blob.bin, got %v", got)
	}
}

func TestCaptureMissingDir(t *testing.T) {
	s := NewSynchronizer(DefaultConfig(), nil)
	if _, err := s.Capture(context.Background(), filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Error("expected an error for a missing directory")
	}
}

func TestCaptureReadCache(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, dir, "device.db", "aaaa")
	full := filepath.Join(dir, "device.db")
	mtime := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := os.Chtimes(full, mtime, mtime); err != nil {
		t.Fatal(err)
	}

	s := NewSynchronizer(DefaultConfig(), nil)
	if _, err := s.Capture(context.Background(), dir); err != nil {
		t.Fatalf("Capture: %v", err)
	}

	// Same size and mtime: the cached bytes are served.
	if err := os.WriteFile(full, []byte("bbbb"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(full, mtime, mtime); err != nil {
		t.Fatal(err)
	}
	snap, _ := s.Capture(context.Background(), dir)
	if len(snap) != 1 || string(snap[0].Data) != "aaaa" {
		t.Fatalf("expected cached content, got %+v", snap)
	}

	t.Run("changed mtime invalidates", func(t *testing.T) {
		later := mtime.Add(time.Minute)
		if err := os.Chtimes(full, later, later); err != nil {
			t.Fatal(err)
		}
		snap, _ := s.Capture(context.Background(), dir)
		if len(snap) != 1 || string(snap[0].Data) != "bbbb" {
			t.Errorf("expected fresh content, got %+v", snap)
		}
	})

	t.Run("forget drops cache", func(t *testing.T) {
		s.Forget(dir)
		s.mu.Lock()
		_, ok := s.cache[filepath.Clean(dir)]
		s.mu.Unlock()
		if ok {
			t.Error("expected cache entry to be dropped")
		}
	})
}

func TestRestore(t *testing.T) {
	mtime := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	var snap Snapshot
	for _, p := range []string{
		"device.db", "Default/Preferences", "Default/IndexedDB/a.ldb", "Default/IndexedDB/b.ldb",
		"Default/Local Storage/leveldb/1.log", "Default/x1.json", "Default/x2.json", "Default/x3.json",
		"Default/x4.json", "Default/x5.json", "Default/x6.json", "Default/x7.json",
	} {
		snap = append(snap, File{RelativePath: p, Data: []byte("data:" + p), Size: int64(len("data:" + p)), ModifiedTime: mtime})
	}
	snap = append(snap, File{RelativePath: "../escape.db", Data: []byte("evil"), Size: 4})

	cfg := DefaultConfig()
	cfg.RestoreBatchSize = 5
	s := NewSynchronizer(cfg, nil)
	dir := filepath.Join(t.TempDir(), "profile")

	n, err := s.Restore(context.Background(), snap, dir)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if n != len(snap)-1 {
		t.Errorf("expected %d restored files, got %d", len(snap)-1, n)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(dir), "escape.db")); !os.IsNotExist(err) {
		t.Error("escaping path must not be written")
	}

	t.Run("round trip", func(t *testing.T) {
		got, err := s.Capture(context.Background(), dir)
		if err != nil {
			t.Fatalf("Capture: %v", err)
		}
		byPath := map[string]File{}
		for _, f := range got {
			byPath[f.RelativePath] = f
		}
		for _, f := range snap[:len(snap)-1] {
			g, ok := byPath[f.RelativePath]
			if !ok {
				t.Errorf("missing %q after round trip", f.RelativePath)
				continue
			}
			if string(g.Data) != string(f.Data) {
				t.Errorf("%q: content mismatch", f.RelativePath)
			}
			if !g.ModifiedTime.Equal(mtime) {
				t.Errorf("%q: mtime not restored: %v", f.RelativePath, g.ModifiedTime)
			}
		}
	})

	t.Run("empty target rejected", func(t *testing.T) {
		if _, err := s.Restore(context.Background(), snap, ""); err == nil {
			t.Error("expected error for empty target")
		}
	})
}
