package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/hengadev/medvault"
)

const (
	dayLayout  = "2006-01-02"
	filePrefix = "audit-"
	fileSuffix = ".jsonl"
)

// FileName returns the journal file name of a UTC day, "audit-YYYY-MM-DD.jsonl".
func FileName(day string) string {
	return filePrefix + day + fileSuffix
}

// FileSink appends entries as newline-delimited JSON to one file per UTC
// calendar day. The day of an entry is taken from its timestamp, and the open
// file is swapped when an entry of another day arrives.
type FileSink struct {
	dir string

	mu   sync.Mutex
	day  string
	file *os.File
}

// NewFileSink creates the journal directory if needed.
func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}
	return &FileSink{dir: dir}, nil
}

func (s *FileSink) Name() string { return "file" }

// Dir returns the journal directory.
func (s *FileSink) Dir() string { return s.dir }

func (s *FileSink) Write(ctx context.Context, entry medvault.AuditEntry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode audit entry: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	day := entry.Timestamp.UTC().Format(dayLayout)
	if s.file == nil || day != s.day {
		if err := s.rotate(day); err != nil {
			return err
		}
	}
	if _, err := s.file.Write(line); err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (s *FileSink) rotate(day string) error {
	if s.file != nil {
		s.file.Close()
		s.file = nil
	}
	f, err := os.OpenFile(filepath.Join(s.dir, FileName(day)), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("failed to open audit journal for %s: %w", day, err)
	}
	s.file = f
	s.day = day
	return nil
}

// Close closes the open journal file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
