// Package store persists the turn history.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sevir/agentrelay/pkg/models"
)

// ErrNotFound is returned for unknown turn IDs.
var ErrNotFound = errors.New("turn not found")

// Store defines the interface for turn storage.
type Store interface {
	Save(turn *models.TurnRecord) error
	Get(id string) (*models.TurnRecord, error)
	List(filter ListFilter) ([]*models.TurnRecord, error)
	Update(id string, fn func(*models.TurnRecord)) (*models.TurnRecord, error)
	Delete(id string) error
	Close() error
}

// ListFilter defines criteria for listing turns.
type ListFilter struct {
	Status  []models.TurnStatus
	Channel string
	Limit   int
	Offset  int
}

// FileStore implements Store using a JSON file for persistence. Records are
// copied on the way in and out, so callers never share them.
type FileStore struct {
	path     string
	maxTurns int
	turns    map[string]*models.TurnRecord
	mu       sync.RWMutex
	dirty    bool
	interval time.Duration
	closeCh  chan struct{}
	doneCh   chan struct{}
	closed   sync.Once
}

// NewFileStore creates a new file-based store. maxTurns > 0 bounds the
// history; the oldest finished turns are pruned first.
func NewFileStore(path string, maxTurns int) (*FileStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	fs := &FileStore{
		path:     path,
		maxTurns: maxTurns,
		turns:    make(map[string]*models.TurnRecord),
		interval: 5 * time.Second,
		closeCh:  make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	if err := fs.load(); err != nil {
		return nil, err
	}

	go fs.backgroundSaver()

	return fs, nil
}

func (fs *FileStore) load() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	data, err := os.ReadFile(fs.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read store file: %w", err)
	}

	if len(data) == 0 {
		return nil
	}

	var turns map[string]*models.TurnRecord
	if err := json.Unmarshal(data, &turns); err != nil {
		return fmt.Errorf("failed to parse store file: %w", err)
	}
	if turns == nil {
		turns = make(map[string]*models.TurnRecord)
	}

	fs.turns = turns
	return nil
}

func (fs *FileStore) save() error {
	fs.mu.RLock()
	data, err := json.MarshalIndent(fs.turns, "", "  ")
	fs.mu.RUnlock()

	if err != nil {
		return fmt.Errorf("failed to marshal turns: %w", err)
	}

	tmpPath := fs.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.Rename(tmpPath, fs.path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

func (fs *FileStore) backgroundSaver() {
	defer close(fs.doneCh)

	ticker := time.NewTicker(fs.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fs.mu.Lock()
			dirty := fs.dirty
			fs.dirty = false
			fs.mu.Unlock()

			if dirty {
				if err := fs.save(); err != nil {
					fs.mu.Lock()
					fs.dirty = true
					fs.mu.Unlock()
				}
			}
		case <-fs.closeCh:
			fs.save()
			return
		}
	}
}

// Save stores or updates a turn.
func (fs *FileStore) Save(turn *models.TurnRecord) error {
	if turn.ID == "" {
		return errors.New("turn id is required")
	}
	cp := *turn

	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.turns[turn.ID] = &cp
	fs.prune()
	fs.dirty = true

	return nil
}

// prune drops the oldest finished turns beyond maxTurns. Pending turns are
// never dropped. Callers hold mu.
func (fs *FileStore) prune() {
	if fs.maxTurns <= 0 || len(fs.turns) <= fs.maxTurns {
		return
	}
	var finished []*models.TurnRecord
	for _, t := range fs.turns {
		if t.IsTerminal() {
			finished = append(finished, t)
		}
	}
	sort.Slice(finished, func(i, j int) bool {
		return finished[i].CreatedAt.Before(finished[j].CreatedAt)
	})
	for _, t := range finished {
		if len(fs.turns) <= fs.maxTurns {
			return
		}
		delete(fs.turns, t.ID)
	}
}

// Get retrieves a turn by ID.
func (fs *FileStore) Get(id string) (*models.TurnRecord, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	turn, exists := fs.turns[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	cp := *turn
	return &cp, nil
}

// Update applies fn to the stored turn and returns the updated copy.
func (fs *FileStore) Update(id string, fn func(*models.TurnRecord)) (*models.TurnRecord, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	turn, exists := fs.turns[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	fn(turn)
	fs.dirty = true

	cp := *turn
	return &cp, nil
}

// List retrieves turns matching the filter, newest first.
func (fs *FileStore) List(filter ListFilter) ([]*models.TurnRecord, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	var result []*models.TurnRecord

	for _, turn := range fs.turns {
		if matchesFilter(turn, filter) {
			cp := *turn
			result = append(result, &cp)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return []*models.TurnRecord{}, nil
		}
		result = result[filter.Offset:]
	}

	if filter.Limit > 0 && filter.Limit < len(result) {
		result = result[:filter.Limit]
	}

	return result, nil
}

func matchesFilter(turn *models.TurnRecord, filter ListFilter) bool {
	if len(filter.Status) > 0 {
		matched := false
		for _, s := range filter.Status {
			if turn.Status == s {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	if filter.Channel != "" && turn.Channel != filter.Channel {
		return false
	}

	return true
}

// Delete removes a turn by ID.
func (fs *FileStore) Delete(id string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if _, exists := fs.turns[id]; !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	delete(fs.turns, id)
	fs.dirty = true

	return nil
}

// Close stops the background saver after a final save.
func (fs *FileStore) Close() error {
	fs.closed.Do(func() { close(fs.closeCh) })
	<-fs.doneCh
	return nil
}

// Reload reloads the store from disk.
func (fs *FileStore) Reload() error {
	return fs.load()
}

// ForceSave immediately persists all turns to disk.
func (fs *FileStore) ForceSave() error {
	fs.mu.Lock()
	fs.dirty = false
	fs.mu.Unlock()
	return fs.save()
}
