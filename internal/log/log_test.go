package log

import (
	"os"
	"path/filepath"
	"testing"
)

func TestInitInvalidLevel(t *testing.T) {
	if err := Init("not-a-level", "console", ""); err == nil {
		t.Fatal("expected error for invalid log level")
	}
}

func TestInitWritesToFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pool.log")

	if err := Init("info", "json", path); err != nil {
		t.Fatalf("Init: %v", err)
	}
	Info("hello from test")
	_ = L().Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected log file to contain output")
	}
}
