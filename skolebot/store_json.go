package skolebot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"sync"
)

// JSONFileStore keeps a collection in memory and rewrites the whole
// document on every change. The document is a JSON object keyed by user ID.
// Writes go to a temp file in the same directory which then replaces the
// document, so a failed write leaves the previous document intact.
type JSONFileStore[T any, P keyedRecord[T]] struct {
	path    string
	mu      sync.Mutex
	records map[string]T
	logger  *slog.Logger
}

// NewJSONFileStore loads the document at path. A missing or empty file is
// an empty collection.
func NewJSONFileStore[T any, P keyedRecord[T]](
	path string,
	logger *slog.Logger,
) (*JSONFileStore[T, P], error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &JSONFileStore[T, P]{
		path:    path,
		records: map[string]T{},
		logger:  logger.With("path", path),
	}
	records, err := s.read()
	if err != nil {
		return nil, err
	}
	s.records = records
	s.logger.Info("loaded records", "count", len(records))
	return s, nil
}

func (s *JSONFileStore[T, P]) read() (map[string]T, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]T{}, nil
		}
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return map[string]T{}, nil
	}
	records := map[string]T{}
	if err = json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("error decoding %s: %w", s.path, err)
	}
	for id, rec := range records {
		P(&rec).SetUserID(id)
		records[id] = rec
	}
	return records, nil
}

// write persists records to disk. Caller must hold mu.
func (s *JSONFileStore[T, P]) write(records map[string]T) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err = os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := f.Name()

	_, err = f.Write(data)
	if err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmpName, s.path)
	}
	if err != nil {
		if rmErr := os.Remove(tmpName); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			s.logger.Warn("error removing temp file", "temp_file", tmpName, tint.Err(rmErr))
		}
		return fmt.Errorf("error writing %s: %w", s.path, err)
	}
	return nil
}

func (s *JSONFileStore[T, P]) Get(_ context.Context, id string) (T, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	return rec, ok, nil
}

func (s *JSONFileStore[T, P]) Upsert(_ context.Context, id string, record T) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	P(&record).SetUserID(id)
	prev, existed := s.records[id]
	s.records[id] = record
	if err := s.write(s.records); err != nil {
		if existed {
			s.records[id] = prev
		} else {
			delete(s.records, id)
		}
		return err
	}
	return nil
}

func (s *JSONFileStore[T, P]) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, existed := s.records[id]
	if !existed {
		return nil
	}
	delete(s.records, id)
	if err := s.write(s.records); err != nil {
		s.records[id] = prev
		return err
	}
	return nil
}

func (s *JSONFileStore[T, P]) LoadAll(_ context.Context) (map[string]T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.records), nil
}

func (s *JSONFileStore[T, P]) SaveAll(_ context.Context, records map[string]T) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	updated := make(map[string]T, len(records))
	for id, rec := range records {
		P(&rec).SetUserID(id)
		updated[id] = rec
	}
	if err := s.write(updated); err != nil {
		return err
	}
	s.records = updated
	return nil
}
