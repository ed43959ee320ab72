package delegation

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Snapshots keeps a per-task JSON copy of the last known-good delegation
// record on disk. When a repair finds the store row missing or corrupt,
// the snapshot is the fallback baseline.
type Snapshots struct {
	dir string
}

func NewSnapshots(dir string) *Snapshots {
	return &Snapshots{dir: dir}
}

func (s *Snapshots) path(taskID string) string {
	return filepath.Join(s.dir, taskID+".json")
}

// Write persists a snapshot. Written atomically via rename so a crash
// never leaves a half-written file.
func (s *Snapshots) Write(meta *Meta) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path(meta.TaskID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.path(meta.TaskID)); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

// Read loads the snapshot for a task, or ErrTaskNotFound.
func (s *Snapshots) Read(taskID string) (*Meta, error) {
	data, err := os.ReadFile(s.path(taskID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parse snapshot for task %s: %w", taskID, err)
	}
	return &meta, nil
}
