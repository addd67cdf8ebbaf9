// Package state persists session records in a single JSON document.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/grovetools/ptyhost/errors"
	"github.com/grovetools/ptyhost/pkg/models"
)

// Store is the durable record of session metadata. Every mutating call is a
// full read-modify-write of the document; the mutex makes one write
// complete before the next begins.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore returns a store backed by the JSON file at path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the document location.
func (s *Store) Path() string {
	return s.path
}

// load reads the document. A missing file is an empty store.
func (s *Store) load() ([]models.SessionRecord, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read session store: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var records []models.SessionRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse session store: %w", err)
	}
	return records, nil
}

// save writes the document through a temp file and rename.
func (s *Store) save(records []models.SessionRecord) error {
	if records == nil {
		records = []models.SessionRecord{}
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session store: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".sessions-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write session store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write session store: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace session store: %w", err)
	}
	return nil
}

// update runs fn over the current records and saves the result.
func (s *Store) update(fn func([]models.SessionRecord) ([]models.SessionRecord, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return err
	}
	records, err = fn(records)
	if err != nil {
		return err
	}
	return s.save(records)
}

// SaveSession inserts or replaces the record with the same ID.
// CreatedAt of an existing record is preserved.
func (s *Store) SaveSession(record models.SessionRecord) error {
	if record.ID == "" {
		return errors.New(errors.ErrCodeInvalidInput, "session record requires an id")
	}
	now := time.Now().UTC()
	if record.LastActiveAt.IsZero() {
		record.LastActiveAt = now
	}

	return s.update(func(records []models.SessionRecord) ([]models.SessionRecord, error) {
		for i, existing := range records {
			if existing.ID == record.ID {
				if !existing.CreatedAt.IsZero() {
					record.CreatedAt = existing.CreatedAt
				}
				if record.CreatedAt.IsZero() {
					record.CreatedAt = now
				}
				records[i] = record
				return records, nil
			}
		}
		if record.CreatedAt.IsZero() {
			record.CreatedAt = now
		}
		return append(records, record), nil
	})
}

// GetAllSessions returns every persisted record.
func (s *Store) GetAllSessions() ([]models.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []models.SessionRecord{}
	}
	return records, nil
}

// GetSession returns the record for id, matching either its ID or PtyID.
func (s *Store) GetSession(id string) (*models.SessionRecord, bool, error) {
	records, err := s.GetAllSessions()
	if err != nil {
		return nil, false, err
	}
	for _, record := range records {
		if record.ID == id || record.PtyID == id {
			rec := record
			return &rec, true, nil
		}
	}
	return nil, false, nil
}

// RemoveSession deletes the record for id. Removing an absent id is not an error.
func (s *Store) RemoveSession(id string) error {
	return s.update(func(records []models.SessionRecord) ([]models.SessionRecord, error) {
		kept := records[:0]
		for _, record := range records {
			if record.ID == id || record.PtyID == id {
				continue
			}
			kept = append(kept, record)
		}
		return kept, nil
	})
}

// SetClaudeMode toggles the agent-mode flag of a record.
func (s *Store) SetClaudeMode(id string, enabled bool) error {
	return s.update(func(records []models.SessionRecord) ([]models.SessionRecord, error) {
		for i := range records {
			if records[i].ID == id || records[i].PtyID == id {
				records[i].ClaudeMode = enabled
				records[i].LastActiveAt = time.Now().UTC()
				return records, nil
			}
		}
		return nil, errors.SessionNotFound(id)
	})
}

// ClearAll removes every record.
func (s *Store) ClearAll() error {
	return s.update(func([]models.SessionRecord) ([]models.SessionRecord, error) {
		return nil, nil
	})
}
