package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// rotatingWriter appends NDJSON lines to path, rotating when the file
// exceeds maxBytes or when its mtime falls on an earlier day than the
// current write. Rotated files are named {base}.YYYY-MM-DD.log and
// {base}.YYYY-MM-DD.N.log; only maxFiles rotated files are retained.
// Any rotation failure is swallowed: logging must never fail the caller.
type rotatingWriter struct {
	mu       sync.Mutex
	path     string
	maxBytes int64
	maxFiles int
	file     *os.File
	size     int64
	now      func() time.Time
}

func newRotatingWriter(path string, maxBytes int64, maxFiles int) *rotatingWriter {
	return &rotatingWriter{path: path, maxBytes: maxBytes, maxFiles: maxFiles, now: time.Now}
}

func (w *rotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.ensureOpen(); err != nil {
		return len(p), nil // drop the line rather than fail the caller
	}
	w.rotateIfNeeded(int64(len(p)))

	n, err := w.file.Write(p)
	if err != nil {
		return len(p), nil
	}
	w.size += int64(n)
	return n, nil
}

func (w *rotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

func (w *rotatingWriter) ensureOpen() error {
	if w.file != nil {
		return nil
	}
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	w.file = f
	w.size = info.Size()
	return nil
}

func (w *rotatingWriter) rotateIfNeeded(incoming int64) {
	info, err := w.file.Stat()
	if err != nil {
		return
	}
	now := w.now()
	sizeDue := w.size+incoming > w.maxBytes && w.size > 0
	dateDue := info.Size() > 0 && !sameDay(info.ModTime(), now)
	if !sizeDue && !dateDue {
		return
	}

	day := info.ModTime()
	if sizeDue && sameDay(day, now) {
		day = now
	}
	target := w.rotatedName(day)

	w.file.Close()
	w.file = nil
	if err := os.Rename(w.path, target); err != nil {
		// Non-fatal: reopen and keep appending.
		w.ensureOpen()
		return
	}
	w.prune()
	w.ensureOpen()
}

// rotatedName picks the first unused {base}.YYYY-MM-DD[.N].log name.
func (w *rotatingWriter) rotatedName(day time.Time) string {
	base := strings.TrimSuffix(w.path, filepath.Ext(w.path))
	stamp := day.Format("2006-01-02")
	name := fmt.Sprintf("%s.%s.log", base, stamp)
	for n := 1; ; n++ {
		if _, err := os.Stat(name); os.IsNotExist(err) {
			return name
		}
		name = fmt.Sprintf("%s.%s.%d.log", base, stamp, n)
	}
}

func (w *rotatingWriter) prune() {
	dir := filepath.Dir(w.path)
	base := strings.TrimSuffix(filepath.Base(w.path), filepath.Ext(w.path))
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	var rotated []string
	for _, e := range entries {
		name := e.Name()
		if name == filepath.Base(w.path) {
			continue
		}
		if strings.HasPrefix(name, base+".") && strings.HasSuffix(name, ".log") {
			rotated = append(rotated, name)
		}
	}
	if len(rotated) <= w.maxFiles {
		return
	}
	sort.Strings(rotated) // date-stamped names sort chronologically
	for _, name := range rotated[:len(rotated)-w.maxFiles] {
		os.Remove(filepath.Join(dir, name))
	}
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
