package archive

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Archiver appends retired records (resolved dead letters, delivered
// outbox events, expired replay entries) to rotating journal files so
// retention never drops anything without an inspectable trace.
type Archiver struct {
	mu          sync.Mutex
	dir         string
	file        *os.File
	size        int64
	maxFileSize int64
	maxAge      time.Duration
}

const (
	defaultMaxFileSize = 64 * 1024 * 1024
	currentFileName    = "archive.log"
	rotatedTimeFormat  = "20060102T150405"
)

type record struct {
	Kind       string      `json:"kind"`
	ArchivedAt time.Time   `json:"archived_at"`
	Record     interface{} `json:"record"`
}

func NewArchiver(dir string, maxAge time.Duration) (*Archiver, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create archive directory %s: %w", dir, err)
	}
	path := filepath.Join(dir, currentFileName)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open archive file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat archive file: %w", err)
	}
	return &Archiver{
		dir:         dir,
		file:        f,
		size:        info.Size(),
		maxFileSize: defaultMaxFileSize,
		maxAge:      maxAge,
	}, nil
}

// Append writes one record as a JSON line, rotating the current file
// when it grows past the size bound.
func (a *Archiver) Append(kind string, v interface{}) error {
	data, err := json.Marshal(record{Kind: kind, ArchivedAt: time.Now(), Record: v})
	if err != nil {
		return fmt.Errorf("marshal archive record: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.size >= a.maxFileSize {
		if err := a.rotate(); err != nil {
			return err
		}
	}
	n, err := a.file.Write(append(data, '\n'))
	if err != nil {
		return fmt.Errorf("write archive record: %w", err)
	}
	a.size += int64(n)
	return nil
}

// rotate must be called with the mutex held.
func (a *Archiver) rotate() error {
	if err := a.file.Close(); err != nil {
		return fmt.Errorf("close archive file: %w", err)
	}
	current := filepath.Join(a.dir, currentFileName)
	rotated := filepath.Join(a.dir, fmt.Sprintf("archive-%s.log", time.Now().Format(rotatedTimeFormat)))
	if err := os.Rename(current, rotated); err != nil {
		return fmt.Errorf("rotate archive file: %w", err)
	}
	f, err := os.OpenFile(current, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open new archive file: %w", err)
	}
	a.file = f
	a.size = 0
	return nil
}

// Cleanup removes rotated archive files older than the retention
// window.
func (a *Archiver) Cleanup() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	files, err := filepath.Glob(filepath.Join(a.dir, "archive-*.log"))
	if err != nil {
		return fmt.Errorf("list archive files: %w", err)
	}
	cutoff := time.Now().Add(-a.maxAge)
	for _, file := range files {
		name := filepath.Base(file)
		// expected format: archive-20060102T150405.log
		if len(name) < len("archive-.log")+len(rotatedTimeFormat) {
			continue
		}
		stamp := name[len("archive-") : len(name)-len(".log")]
		t, err := time.Parse(rotatedTimeFormat, stamp)
		if err != nil {
			continue
		}
		if t.Before(cutoff) {
			if err := os.Remove(file); err != nil {
				return fmt.Errorf("remove old archive file %s: %w", file, err)
			}
		}
	}
	return nil
}

func (a *Archiver) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.file.Close(); err != nil {
		return fmt.Errorf("close archive file: %w", err)
	}
	return nil
}
