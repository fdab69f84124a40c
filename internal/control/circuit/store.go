package circuit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileStore persists one JSON record per profile under
// <dir>/<profile>.json, overwritten on every transition. Writes go
// through a temp file and rename so a crash never leaves a torn record.
type FileStore struct {
	dir string
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("circuit store directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create circuit store directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Save writes the state record for one profile.
func (s *FileStore) Save(state State) error {
	if state.Profile == "" {
		return fmt.Errorf("profile name is required")
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal circuit state: %w", err)
	}
	path := s.path(state.Profile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write circuit state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace circuit state: %w", err)
	}
	return nil
}

// LoadAll reads every persisted record. Unreadable files are skipped
// rather than failing startup.
func (s *FileStore) LoadAll() ([]State, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read circuit store directory: %w", err)
	}
	var out []State
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			continue
		}
		var st State
		if err := json.Unmarshal(data, &st); err != nil || st.Profile == "" {
			continue
		}
		out = append(out, st)
	}
	return out, nil
}

// Delete removes the persisted record for a profile, if any.
func (s *FileStore) Delete(profile string) error {
	err := os.Remove(s.path(profile))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove circuit state: %w", err)
	}
	return nil
}

func (s *FileStore) path(profile string) string {
	return filepath.Join(s.dir, profile+".json")
}
