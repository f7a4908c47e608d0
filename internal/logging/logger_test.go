package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewWritesJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "todosyncd.log")
	log, err := New(path, "work", "debug")
	if err != nil {
		t.Fatal(err)
	}
	log.Debug("chat selected")
	_ = log.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	line := strings.TrimSpace(string(data))
	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log line %q is not JSON: %v", line, err)
	}
	if entry["msg"] != "chat selected" || entry["session"] != "work" || entry["ts"] == nil {
		t.Errorf("entry = %v", entry)
	}
}

func TestLevelFilters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "todosyncd.log")
	log, err := New(path, "main", "warn")
	if err != nil {
		t.Fatal(err)
	}
	log.Info("dropped")
	_ = log.Sync()
	data, _ := os.ReadFile(path)
	if len(data) != 0 {
		t.Errorf("info written at warn level: %s", data)
	}
}

func TestBadLevel(t *testing.T) {
	if _, err := New(filepath.Join(t.TempDir(), "x.log"), "main", "chatty"); err == nil {
		t.Error("New() accepted an unknown level")
	}
}
