package template

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Store serves built-in and project-local templates.
//
// Project templates live as one YAML document per name under the store
// directory, with immutable version snapshots under versions/<name>/.
// Parsed documents are cached; the cache drops entries when the backing
// file changes (see Watcher).
type Store struct {
	dir      string
	builtins map[string]*Template

	mu    sync.RWMutex
	cache map[string]*Template
}

// NewStore creates a template store rooted at dir.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("template directory is required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create template directory: %w", err)
	}

	builtins := make(map[string]*Template)
	for _, tpl := range Builtins() {
		builtins[tpl.Name] = tpl
	}

	return &Store{
		dir:      dir,
		builtins: builtins,
		cache:    make(map[string]*Template),
	}, nil
}

// Dir returns the store's root directory.
func (s *Store) Dir() string {
	return s.dir
}

// Get returns a template by name. Built-ins shadow project templates.
func (s *Store) Get(name string) (*Template, error) {
	if builtin, ok := s.builtins[name]; ok {
		return builtin.Clone(), nil
	}

	s.mu.RLock()
	cached, ok := s.cache[name]
	s.mu.RUnlock()
	if ok {
		return cached.Clone(), nil
	}

	tpl, err := s.loadFile(name)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[name] = tpl
	s.mu.Unlock()

	return tpl.Clone(), nil
}

// List returns every template, built-ins first, each group sorted by name.
func (s *Store) List() ([]*Template, error) {
	var builtinNames []string
	for name := range s.builtins {
		builtinNames = append(builtinNames, name)
	}
	sort.Strings(builtinNames)

	out := make([]*Template, 0, len(builtinNames))
	for _, name := range builtinNames {
		out = append(out, s.builtins[name].Clone())
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read template directory: %w", err)
	}

	var projectNames []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		projectNames = append(projectNames, strings.TrimSuffix(entry.Name(), ".yaml"))
	}
	sort.Strings(projectNames)

	for _, name := range projectNames {
		tpl, err := s.Get(name)
		if err != nil {
			return nil, err
		}
		out = append(out, tpl)
	}

	return out, nil
}

// Create publishes a new project template at version 1.
func (s *Store) Create(tpl *Template, changedBy string) (*Template, error) {
	if _, ok := s.builtins[tpl.Name]; ok {
		return nil, fmt.Errorf("template %s: %w", tpl.Name, ErrAlreadyExists)
	}
	if _, err := os.Stat(s.path(tpl.Name)); err == nil {
		return nil, fmt.Errorf("template %s: %w", tpl.Name, ErrAlreadyExists)
	}

	created := tpl.Clone()
	created.Builtin = false
	created.Version = 1
	now := time.Now().UTC()
	created.CreatedAt = now
	created.UpdatedAt = now

	if err := created.Validate(); err != nil {
		return nil, err
	}

	if err := s.persist(created, changedBy, "created"); err != nil {
		return nil, err
	}
	return created.Clone(), nil
}

// Update publishes new content for an existing project template.
// The version increments monotonically; a snapshot of the new version is
// persisted alongside the change metadata.
func (s *Store) Update(tpl *Template, changedBy, changeNote string) (*Template, error) {
	if _, ok := s.builtins[tpl.Name]; ok {
		return nil, fmt.Errorf("template %s: %w", tpl.Name, ErrTemplateImmutable)
	}

	current, err := s.Get(tpl.Name)
	if err != nil {
		return nil, err
	}

	updated := tpl.Clone()
	updated.Builtin = false
	updated.Version = current.Version + 1
	updated.CreatedAt = current.CreatedAt
	updated.UpdatedAt = time.Now().UTC()

	if err := updated.Validate(); err != nil {
		return nil, err
	}

	if err := s.persist(updated, changedBy, changeNote); err != nil {
		return nil, err
	}
	return updated.Clone(), nil
}

// Duplicate copies an existing template (built-in or project) to a new
// project template starting at version 1.
func (s *Store) Duplicate(srcName, newName, changedBy string) (*Template, error) {
	src, err := s.Get(srcName)
	if err != nil {
		return nil, err
	}

	copy := src.Clone()
	copy.Name = newName
	copy.Description = src.Description
	copy.Builtin = false
	return s.Create(copy, changedBy)
}

// Restore republishes a historical version's content as a new version.
func (s *Store) Restore(name string, version int, changedBy string) (*Template, error) {
	if _, ok := s.builtins[name]; ok {
		return nil, fmt.Errorf("template %s: %w", name, ErrTemplateImmutable)
	}

	record, err := s.Version(name, version)
	if err != nil {
		return nil, err
	}

	restored := record.Template.Clone()
	restored.Name = name
	return s.Update(restored, changedBy, fmt.Sprintf("restored from version %d", version))
}

// Delete removes a project template and its version history.
func (s *Store) Delete(name string) error {
	if _, ok := s.builtins[name]; ok {
		return fmt.Errorf("template %s: %w", name, ErrTemplateImmutable)
	}

	if err := os.Remove(s.path(name)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("template %s: %w", name, ErrNotFound)
		}
		return fmt.Errorf("failed to delete template %s: %w", name, err)
	}
	_ = os.RemoveAll(s.versionsDir(name))

	s.Invalidate(name)
	return nil
}

// Versions lists a template's history, oldest first.
func (s *Store) Versions(name string) ([]*VersionRecord, error) {
	entries, err := os.ReadDir(s.versionsDir(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("template %s: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read version directory: %w", err)
	}

	var records []*VersionRecord
	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.versionsDir(name), entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read version snapshot: %w", err)
		}
		var record VersionRecord
		if err := yaml.Unmarshal(data, &record); err != nil {
			return nil, fmt.Errorf("failed to parse version snapshot %s: %w", entry.Name(), err)
		}
		records = append(records, &record)
	}

	sort.Slice(records, func(i, j int) bool { return records[i].Version < records[j].Version })
	return records, nil
}

// Version returns one snapshot from a template's history.
func (s *Store) Version(name string, version int) (*VersionRecord, error) {
	data, err := os.ReadFile(s.versionPath(name, version))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("template %s version %d: %w", name, version, ErrVersionNotFound)
		}
		return nil, fmt.Errorf("failed to read version snapshot: %w", err)
	}

	var record VersionRecord
	if err := yaml.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to parse version snapshot: %w", err)
	}
	return &record, nil
}

// Invalidate drops a name from the cache, or the whole cache when name
// is empty. Called by the watcher when files change on disk.
func (s *Store) Invalidate(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if name == "" {
		s.cache = make(map[string]*Template)
		return
	}
	delete(s.cache, name)
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name+".yaml")
}

func (s *Store) versionsDir(name string) string {
	return filepath.Join(s.dir, "versions", name)
}

func (s *Store) versionPath(name string, version int) string {
	return filepath.Join(s.versionsDir(name), fmt.Sprintf("v%04d.yaml", version))
}

// loadFile reads and validates a project template document.
func (s *Store) loadFile(name string) (*Template, error) {
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("template %s: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read template %s: %w", name, err)
	}

	var tpl Template
	if err := yaml.Unmarshal(data, &tpl); err != nil {
		return nil, fmt.Errorf("failed to parse template %s: %w", name, err)
	}
	if tpl.Name == "" {
		tpl.Name = name
	}
	if tpl.Version == 0 {
		tpl.Version = 1
	}
	if err := tpl.Validate(); err != nil {
		return nil, err
	}
	return &tpl, nil
}

// persist writes the current document and its version snapshot. The
// current document is written atomically via a temp file and rename.
func (s *Store) persist(tpl *Template, changedBy, changeNote string) error {
	data, err := yaml.Marshal(tpl)
	if err != nil {
		return fmt.Errorf("failed to marshal template: %w", err)
	}

	if err := writeFileAtomic(s.path(tpl.Name), data); err != nil {
		return fmt.Errorf("failed to write template %s: %w", tpl.Name, err)
	}

	record := VersionRecord{
		Version:     tpl.Version,
		ChangedBy:   changedBy,
		Description: changeNote,
		CreatedAt:   time.Now().UTC(),
		Template:    *tpl.Clone(),
	}
	recordData, err := yaml.Marshal(&record)
	if err != nil {
		return fmt.Errorf("failed to marshal version snapshot: %w", err)
	}
	if err := os.MkdirAll(s.versionsDir(tpl.Name), 0755); err != nil {
		return fmt.Errorf("failed to create version directory: %w", err)
	}
	if err := writeFileAtomic(s.versionPath(tpl.Name, tpl.Version), recordData); err != nil {
		return fmt.Errorf("failed to write version snapshot: %w", err)
	}

	s.mu.Lock()
	s.cache[tpl.Name] = tpl.Clone()
	s.mu.Unlock()

	return nil
}

// writeFileAtomic writes via a temp file in the same directory plus
// rename, so readers never observe a torn document.
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
