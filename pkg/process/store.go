package process

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"swap-router/pkg/types"
)

const (
	DefaultStorageFileName = "processes.json"
	DefaultSQLiteFileName  = "processes.db"
)

// Store persists process records. Implementations return copies, so callers
// may mutate what they get without affecting the stored state.
type Store interface {
	Create(ctx context.Context, r *ProcessRecord) error
	Get(ctx context.Context, id string) (*ProcessRecord, error)
	Update(ctx context.Context, r *ProcessRecord) error
	List(ctx context.Context) ([]*ProcessRecord, error)
	// ListNonTerminal returns the records the engine may still advance
	ListNonTerminal(ctx context.Context) ([]*ProcessRecord, error)
	Close() error
}

// FileStore keeps every record in one JSON file
type FileStore struct {
	filePath string
	mu       sync.RWMutex
	records  map[string]*ProcessRecord
}

// fileLayout is the JSON structure of the store file
type fileLayout struct {
	Processes map[string]*ProcessRecord `json:"processes"`
}

// NewFileStore opens (or prepares to create) the store file at filePath
func NewFileStore(filePath string) (*FileStore, error) {
	if filePath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		filePath = filepath.Join(home, ".swap-router", DefaultStorageFileName)
	}

	s := &FileStore{
		filePath: filePath,
		records:  make(map[string]*ProcessRecord),
	}
	if err := s.load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load processes: %w", err)
	}
	return s, nil
}

func (s *FileStore) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.filePath)
	if err != nil {
		return err
	}

	var layout fileLayout
	if err := json.Unmarshal(data, &layout); err != nil {
		return fmt.Errorf("failed to unmarshal processes: %w", err)
	}
	if layout.Processes != nil {
		s.records = layout.Processes
	}
	return nil
}

// saveLocked writes the file atomically. The caller holds the write lock.
func (s *FileStore) saveLocked() error {
	data, err := json.MarshalIndent(fileLayout{Processes: s.records}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal processes: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tempFile := s.filePath + ".tmp"
	if err := os.WriteFile(tempFile, data, 0600); err != nil {
		return fmt.Errorf("failed to write processes: %w", err)
	}
	if err := os.Rename(tempFile, s.filePath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

func (s *FileStore) Create(_ context.Context, r *ProcessRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[r.ID]; exists {
		return fmt.Errorf("process '%s' already exists", r.ID)
	}
	c, err := clone(r)
	if err != nil {
		return err
	}
	s.records[r.ID] = c
	if err := s.saveLocked(); err != nil {
		delete(s.records, r.ID)
		return err
	}
	return nil
}

func (s *FileStore) Get(_ context.Context, id string) (*ProcessRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, exists := s.records[id]
	if !exists {
		return nil, fmt.Errorf("process '%s': %w", id, types.ErrNotFound)
	}
	return clone(r)
}

func (s *FileStore) Update(_ context.Context, r *ProcessRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, exists := s.records[r.ID]
	if !exists {
		return fmt.Errorf("process '%s': %w", r.ID, types.ErrNotFound)
	}
	c, err := clone(r)
	if err != nil {
		return err
	}
	s.records[r.ID] = c
	if err := s.saveLocked(); err != nil {
		s.records[r.ID] = prev
		return err
	}
	return nil
}

func (s *FileStore) List(_ context.Context) ([]*ProcessRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filter(func(*ProcessRecord) bool { return true })
}

func (s *FileStore) ListNonTerminal(_ context.Context) ([]*ProcessRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filter(func(r *ProcessRecord) bool { return !r.Terminal() })
}

func (s *FileStore) filter(keep func(*ProcessRecord) bool) ([]*ProcessRecord, error) {
	out := make([]*ProcessRecord, 0, len(s.records))
	for _, r := range s.records {
		if !keep(r) {
			continue
		}
		c, err := clone(r)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	sortByCreated(out)
	return out, nil
}

func (s *FileStore) Close() error { return nil }

// FilePath returns the store file path
func (s *FileStore) FilePath() string {
	return s.filePath
}

func clone(r *ProcessRecord) (*ProcessRecord, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal process: %w", err)
	}
	var c ProcessRecord
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal process: %w", err)
	}
	return &c, nil
}

func sortByCreated(rs []*ProcessRecord) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].Created.Equal(rs[j].Created) {
			return rs[i].ID < rs[j].ID
		}
		return rs[i].Created.Before(rs[j].Created)
	})
}

// OpenStore opens the store selected by driver under dir
func OpenStore(driver, dir string) (Store, error) {
	switch driver {
	case "", "file":
		return NewFileStore(filepath.Join(dir, DefaultStorageFileName))
	case "sqlite":
		return NewSQLiteStore(filepath.Join(dir, DefaultSQLiteFileName))
	}
	return nil, fmt.Errorf("unknown store driver '%s'", driver)
}
