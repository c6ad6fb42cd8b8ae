// Package export writes and reads dead letters as JSON Lines so they can be
// inspected, archived, or fed back into the outbox.
package export

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/mindjournal/syncd/internal/store/schema"
)

// Entry is one line of an export file. The payload is kept as text so that
// undecodable payloads survive the round trip unchanged.
type Entry struct {
	ID         int64             `json:"id"`
	OpID       int64             `json:"op_id"`
	Collection schema.Collection `json:"collection"`
	Kind       schema.OpKind     `json:"kind"`
	Payload    string            `json:"payload"`
	Tries      int               `json:"tries"`
	CreatedAt  time.Time         `json:"created_at"`
	FailedAt   time.Time         `json:"failed_at"`
	LastError  string            `json:"last_error"`
}

// FromDeadLetter converts a stored dead letter to an export entry.
func FromDeadLetter(d schema.DeadLetter) Entry {
	return Entry{
		ID:         d.ID,
		OpID:       d.OpID,
		Collection: d.Collection,
		Kind:       d.Kind,
		Payload:    string(d.Payload),
		Tries:      d.Tries,
		CreatedAt:  d.CreatedAt,
		FailedAt:   d.FailedAt,
		LastError:  d.LastError,
	}
}

// DeadLetter converts the entry back to its stored form.
func (e Entry) DeadLetter() schema.DeadLetter {
	return schema.DeadLetter{
		ID:         e.ID,
		OpID:       e.OpID,
		Collection: e.Collection,
		Kind:       e.Kind,
		Payload:    []byte(e.Payload),
		Tries:      e.Tries,
		CreatedAt:  e.CreatedAt,
		LastError:  e.LastError,
		FailedAt:   e.FailedAt,
	}
}

// WriteDeadLettersJSONL writes one JSON object per line and returns the
// number of lines written.
func WriteDeadLettersJSONL(w io.Writer, entries []schema.DeadLetter) (int, error) {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	enc.SetEscapeHTML(false)
	for i, d := range entries {
		if err := enc.Encode(FromDeadLetter(d)); err != nil {
			return i, fmt.Errorf("failed to encode dead letter %d: %w", d.ID, err)
		}
	}
	if err := bw.Flush(); err != nil {
		return 0, fmt.Errorf("failed to flush export: %w", err)
	}
	return len(entries), nil
}

// ReadDeadLettersJSONL parses an export. Blank lines are skipped; any other
// malformed line fails the whole read with its line number.
func ReadDeadLettersJSONL(r io.Reader) ([]schema.DeadLetter, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var entries []schema.DeadLetter
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("invalid JSON at line %d: %w", lineNum, err)
		}
		if err := e.Collection.Validate(); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNum, err)
		}
		if !e.Kind.Valid() {
			return nil, fmt.Errorf("line %d: unknown operation kind %q", lineNum, e.Kind)
		}
		entries = append(entries, e.DeadLetter())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read export: %w", err)
	}
	return entries, nil
}

// WriteFile exports entries to path atomically via a temp file.
func WriteFile(path string, entries []schema.DeadLetter) (int, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create export directory: %w", err)
	}

	tmpPath := path + ".tmp"
	// #nosec G304 - controlled path from CLI
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	n, err := WriteDeadLettersJSONL(f, entries)
	if closeErr := f.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("failed to close temp file: %w", closeErr)
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return 0, err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("failed to rename temp file: %w", err)
	}
	return n, nil
}

// ReadFile reads an export written by WriteFile.
func ReadFile(path string) ([]schema.DeadLetter, error) {
	// #nosec G304 - controlled path from CLI
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open export file: %w", err)
	}
	defer f.Close()
	return ReadDeadLettersJSONL(f)
}

// IDs returns the dead-letter ids of entries, in order.
func IDs(entries []schema.DeadLetter) []int64 {
	ids := make([]int64, 0, len(entries))
	for _, d := range entries {
		ids = append(ids, d.ID)
	}
	return ids
}
