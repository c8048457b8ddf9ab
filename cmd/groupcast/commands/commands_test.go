package commands

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRootCommand(t *testing.T) {
	root := NewRootCmd("test")
	for _, path := range [][]string{
		{"serve"},
		{"sessions", "list"},
		{"sessions", "cleanup"},
		{"history"},
		{"token", "set"},
	} {
		cmd, _, err := root.Find(path)
		if err != nil || cmd == root {
			t.Errorf("command %v not registered: %v", path, err)
		}
	}
	if root.PersistentFlags().Lookup("config") == nil || root.PersistentFlags().Lookup("verbose") == nil {
		t.Error("persistent flags missing")
	}
}

func TestHistoryRejectsInvalidTenant(t *testing.T) {
	root := NewRootCmd("test")
	root.SetArgs([]string{"history", "../etc"})
	if err := root.Execute(); err == nil {
		t.Error("expected error for invalid tenant")
	}
}

func TestHistoryOnEmptyDatabase(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "groupcast.yaml")
	yml := "storage:\n  backend: memory\nhistory:\n  path: " + filepath.Join(dir, "history.db") + "\n"
	if err := os.WriteFile(cfgPath, []byte(yml), 0o600); err != nil {
		t.Fatal(err)
	}

	root := NewRootCmd("test")
	root.SetArgs([]string{"--config", cfgPath, "history", "42", "--clear"})
	if err := root.Execute(); err != nil {
		t.Fatalf("history --clear: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "history.db")); err != nil {
		t.Errorf("history database not created: %v", err)
	}
}

func TestHumanSize(t *testing.T) {
	cases := map[int64]string{
		512:             "512 B",
		2048:            "2.0 KiB",
		5 * 1024 * 1024: "5.0 MiB",
	}
	for in, want := range cases {
		if got := humanSize(in); got != want {
			t.Errorf("humanSize(%d) = %q, want %q", in, got, want)
		}
	}
}
