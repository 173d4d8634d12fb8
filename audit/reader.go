package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/hengadev/medvault"
)

// Filter selects entries. Empty fields match everything.
type Filter struct {
	TenantID     string
	ActorID      string
	ResourceType string
	ResourceID   string
	Action       medvault.AuditAction
}

// Match reports whether the entry passes the filter.
func (f Filter) Match(e medvault.AuditEntry) bool {
	return (f.TenantID == "" || e.TenantID == f.TenantID) &&
		(f.ActorID == "" || e.ActorID == f.ActorID) &&
		(f.ResourceType == "" || e.ResourceType == f.ResourceType) &&
		(f.ResourceID == "" || e.ResourceID == f.ResourceID) &&
		(f.Action == "" || e.Action == f.Action)
}

// Reader reads the journal files written by a FileSink.
type Reader struct {
	dir string
}

// NewReader creates a reader over a journal directory.
func NewReader(dir string) *Reader {
	return &Reader{dir: dir}
}

// ReadDay returns the entries of one UTC day in append order. A day without
// a journal file has no entries.
func (r *Reader) ReadDay(day time.Time) ([]medvault.AuditEntry, error) {
	return r.readDay(day.UTC().Format(dayLayout), Filter{})
}

// ReadRange returns the entries matching the filter for every UTC day from
// from to to, both included.
func (r *Reader) ReadRange(from, to time.Time, filter Filter) ([]medvault.AuditEntry, error) {
	start := truncateDay(from)
	end := truncateDay(to)
	if end.Before(start) {
		return nil, fmt.Errorf("invalid range: %s is before %s", end.Format(dayLayout), start.Format(dayLayout))
	}

	var entries []medvault.AuditEntry
	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		got, err := r.readDay(day.Format(dayLayout), filter)
		if err != nil {
			return nil, err
		}
		entries = append(entries, got...)
	}
	return entries, nil
}

func (r *Reader) readDay(day string, filter Filter) ([]medvault.AuditEntry, error) {
	f, err := os.Open(filepath.Join(r.dir, FileName(day)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open audit journal for %s: %w", day, err)
	}
	defer f.Close()

	var entries []medvault.AuditEntry
	br := bufio.NewReader(f)
	for line := 1; ; line++ {
		raw, err := br.ReadBytes('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to read audit journal for %s: %w", day, err)
		}
		if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 {
			var e medvault.AuditEntry
			if err := json.Unmarshal(trimmed, &e); err != nil {
				return nil, fmt.Errorf("malformed audit entry at %s:%d: %w", FileName(day), line, err)
			}
			if filter.Match(e) {
				entries = append(entries, e)
			}
		}
		if err != nil {
			return entries, nil
		}
	}
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
