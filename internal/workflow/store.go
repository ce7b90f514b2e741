package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// IndexEntry is the listing record kept alongside each workflow so List
// never loads full aggregates.
type IndexEntry struct {
	ID           string    `json:"id"`
	RequestID    string    `json:"requestId"`
	Status       string    `json:"status"`
	Template     string    `json:"template"`
	CurrentStage int       `json:"currentStage"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type counterState struct {
	Date string `json:"date"`
	Seq  int    `json:"seq"`
}

// Store persists workflows as one JSON document per id plus a shared
// index. Writes go through a temp file and rename so a crash never
// leaves a torn record, and the per-id mutex serializes read-modify-write
// cycles on the same workflow.
type Store struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates a workflow store rooted at dir.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("workflow directory is required")
	}
	if err := os.MkdirAll(filepath.Join(dir, "workflows"), 0755); err != nil {
		return nil, fmt.Errorf("failed to create workflow directory: %w", err)
	}
	return &Store{
		dir:   dir,
		locks: make(map[string]*sync.Mutex),
	}, nil
}

// lockFor returns the mutex serializing mutations of one workflow id.
func (s *Store) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[id] = lock
	}
	return lock
}

// NextID mints a per-day sequential workflow id of the form
// WF-YYYYMMDD-NNN. The counter resets at midnight UTC and persists so
// restarts never reissue an id.
func (s *Store) NextID(now time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	date := now.UTC().Format("20060102")
	counterPath := filepath.Join(s.dir, "counter.json")

	var state counterState
	data, err := os.ReadFile(counterPath)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &state); err != nil {
			return "", fmt.Errorf("failed to parse workflow counter: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return "", fmt.Errorf("failed to read workflow counter: %w", err)
	}

	if state.Date != date {
		state = counterState{Date: date}
	}
	state.Seq++

	out, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("failed to marshal workflow counter: %w", err)
	}
	if err := writeFileAtomic(counterPath, out); err != nil {
		return "", fmt.Errorf("failed to write workflow counter: %w", err)
	}

	return fmt.Sprintf("WF-%s-%03d", date, state.Seq), nil
}

// Save persists the workflow record and its index entry together.
func (s *Store) Save(wf *Workflow) error {
	data, err := json.MarshalIndent(wf, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal workflow %s: %w", wf.ID, err)
	}
	if err := writeFileAtomic(s.recordPath(wf.ID), data); err != nil {
		return fmt.Errorf("failed to write workflow %s: %w", wf.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	index, err := s.readIndex()
	if err != nil {
		return err
	}
	index[wf.ID] = IndexEntry{
		ID:           wf.ID,
		RequestID:    wf.RequestID,
		Status:       wf.Status,
		Template:     wf.Template,
		CurrentStage: wf.CurrentStage,
		UpdatedAt:    wf.UpdatedAt,
	}
	return s.writeIndex(index)
}

// Get loads one workflow by id.
func (s *Store) Get(id string) (*Workflow, error) {
	data, err := os.ReadFile(s.recordPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("workflow %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read workflow %s: %w", id, err)
	}

	var wf Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("failed to parse workflow %s: %w", id, err)
	}
	return &wf, nil
}

// List returns index entries sorted by id.
func (s *Store) List() ([]IndexEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.readIndex()
	if err != nil {
		return nil, err
	}

	entries := make([]IndexEntry, 0, len(index))
	for _, entry := range index {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries, nil
}

func (s *Store) recordPath(id string) string {
	return filepath.Join(s.dir, "workflows", id+".json")
}

func (s *Store) indexPath() string {
	return filepath.Join(s.dir, "index.json")
}

func (s *Store) readIndex() (map[string]IndexEntry, error) {
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]IndexEntry), nil
		}
		return nil, fmt.Errorf("failed to read workflow index: %w", err)
	}

	index := make(map[string]IndexEntry)
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("failed to parse workflow index: %w", err)
	}
	return index, nil
}

func (s *Store) writeIndex(index map[string]IndexEntry) error {
	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal workflow index: %w", err)
	}
	if err := writeFileAtomic(s.indexPath(), data); err != nil {
		return fmt.Errorf("failed to write workflow index: %w", err)
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
