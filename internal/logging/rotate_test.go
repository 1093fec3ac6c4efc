package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRotatingWriter_SizeRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dorkos.log")
	w := newRotatingWriter(path, 64, 14)
	defer w.Close()

	line := strings.Repeat("x", 30) + "\n"
	for i := 0; i < 5; i++ {
		if _, err := w.Write([]byte(line)); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var rotated int
	for _, e := range entries {
		if e.Name() != "dorkos.log" {
			rotated++
		}
	}
	if rotated == 0 {
		t.Fatal("expected at least one rotated file")
	}
}

func TestRotatingWriter_DailyRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dorkos.log")

	// Seed a file whose mtime is yesterday.
	if err := os.WriteFile(path, []byte("old\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	yesterday := time.Now().Add(-24 * time.Hour)
	if err := os.Chtimes(path, yesterday, yesterday); err != nil {
		t.Fatal(err)
	}

	w := newRotatingWriter(path, 1<<20, 14)
	defer w.Close()
	if _, err := w.Write([]byte("new\n")); err != nil {
		t.Fatal(err)
	}

	stamp := yesterday.Format("2006-01-02")
	rotated := filepath.Join(dir, "dorkos."+stamp+".log")
	data, err := os.ReadFile(rotated)
	if err != nil {
		t.Fatalf("rotated file missing: %v", err)
	}
	if string(data) != "old\n" {
		t.Fatalf("rotated content = %q", data)
	}

	cur, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(cur) != "new\n" {
		t.Fatalf("current content = %q", cur)
	}
}

func TestRotatingWriter_Retention(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dorkos.log")
	w := newRotatingWriter(path, 10, 2)
	defer w.Close()

	for i := 0; i < 12; i++ {
		if _, err := w.Write([]byte("0123456789abcdef\n")); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var rotated int
	for _, e := range entries {
		if e.Name() != "dorkos.log" {
			rotated++
		}
	}
	if rotated > 2 {
		t.Fatalf("retention kept %d rotated files, want <= 2", rotated)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]string{
		"debug": "DEBUG", "trace": "DEBUG", "info": "INFO",
		"warn": "WARN", "error": "ERROR", "bogus": "INFO",
	}
	for in, want := range tests {
		if got := ParseLevel(in).String(); got != want {
			t.Errorf("ParseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}
