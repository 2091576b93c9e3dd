package importer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"
)

// ProjectMapping associates a Scanfactory project with the Defect Dojo
// product and engagement its reports are imported into.
type ProjectMapping struct {
	TrackerProductID      int    `json:"id_"`
	TrackerProductName    string `json:"name"`
	TrackerEngagementName string `json:"engagement"`
	TrackerEngagementID   int    `json:"engagement_id"`
	SourceProjectName     string `json:"project_name"`
	SourceProjectID       string `json:"project_id"`
}

// MappingStore is the mapping file, loaded once and rewritten after every
// change. It is safe for concurrent use.
type MappingStore struct {
	path string

	mu       sync.Mutex
	mappings []ProjectMapping
}

// OpenMappingStore loads the mapping file at path. A missing or empty file
// is an empty store.
func OpenMappingStore(path string) (*MappingStore, error) {
	s := &MappingStore{path: path}
	if _, err := s.Load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MappingStore) Path() string {
	return s.path
}

// Load (re)reads the mapping file.
func (s *MappingStore) Load() ([]ProjectMapping, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		data, err = nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read mapping file %s: %w", s.path, err)
	}
	mappings, err := parseMappings(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCorruptMappingFile, s.path, err)
	}
	s.mu.Lock()
	s.mappings = mappings
	s.mu.Unlock()
	return slices.Clone(mappings), nil
}

func parseMappings(data []byte) ([]ProjectMapping, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var result []ProjectMapping
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(result))
	for _, m := range result {
		if seen[m.SourceProjectID] {
			return nil, fmt.Errorf("duplicate mapping for project %q", m.SourceProjectID)
		}
		seen[m.SourceProjectID] = true
	}
	return result, nil
}

// All returns a copy of every mapping.
func (s *MappingStore) All() []ProjectMapping {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.mappings)
}

func (s *MappingStore) FindBySourceID(id string) (ProjectMapping, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexOf(id)
	if i < 0 {
		return ProjectMapping{}, false
	}
	return s.mappings[i], true
}

func (s *MappingStore) indexOf(id string) int {
	return slices.IndexFunc(s.mappings, func(m ProjectMapping) bool {
		return m.SourceProjectID == id
	})
}

// Upsert adds m or replaces the mapping of the same project, reporting
// whether the store changed.
func (s *MappingStore) Upsert(m ProjectMapping) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsert(m)
}

func (s *MappingStore) upsert(m ProjectMapping) bool {
	i := s.indexOf(m.SourceProjectID)
	if i < 0 {
		s.mappings = append(s.mappings, m)
		return true
	}
	if s.mappings[i] == m {
		return false
	}
	s.mappings[i] = m
	return true
}

// Persist writes every mapping to the mapping file.
func (s *MappingStore) Persist() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persist()
}

// Save upserts m and persists the store as one step.
func (s *MappingStore) Save(m ProjectMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsert(m)
	return s.persist()
}

// persist replaces the file through a temporary file in the same directory
// so a crash never leaves a truncated mapping file behind.
func (s *MappingStore) persist() error {
	mappings := s.mappings
	if mappings == nil {
		mappings = []ProjectMapping{}
	}
	data, err := json.MarshalIndent(mappings, "", "    ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err = os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create mapping directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to write mapping file %s: %w", s.path, err)
	}
	defer os.Remove(tmp.Name())
	_, err = tmp.Write(data)
	if err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Chmod(tmp.Name(), 0o644)
	}
	if err == nil {
		err = os.Rename(tmp.Name(), s.path)
	}
	if err != nil {
		return fmt.Errorf("failed to write mapping file %s: %w", s.path, err)
	}
	return nil
}
