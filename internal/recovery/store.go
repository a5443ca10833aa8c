// Package recovery keeps durable checkpoints of failed tasks so an operator
// can inspect and resume them. Each checkpoint is one JSON file named after
// its task, replaced atomically on every write.
package recovery

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrNoCheckpoint is returned when a task has no checkpoint on disk.
var ErrNoCheckpoint = errors.New("no checkpoint")

// FailureReason classifies why a task stopped.
type FailureReason string

const (
	ReasonModelLoad        FailureReason = "model_load_failed"
	ReasonIterationLimit   FailureReason = "max_iterations"
	ReasonToolExhaustion   FailureReason = "tool_exhaustion"
	ReasonModelError       FailureReason = "model_error"
	ReasonDelegationFailed FailureReason = "delegation_failed"
	ReasonPanic            FailureReason = "panic"
	ReasonRunStuck         FailureReason = "run_stuck"
	ReasonWaitTimeout      FailureReason = "wait_timeout"
)

// State is one checkpoint. Task holds the serialized task snapshot.
// Context is written even when empty so a non-nil map loads back non-nil.
type State struct {
	TaskID    string            `json:"task_id"`
	Task      json.RawMessage   `json:"task,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	Iteration int               `json:"iteration"`
	Reason    FailureReason     `json:"reason"`
	Context   map[string]string `json:"context"`
	Error     string            `json:"error,omitempty"`
	SavedAt   time.Time         `json:"saved_at"`
}

// Store is a directory of checkpoint files.
type Store struct {
	mu  sync.Mutex
	dir string
	now func() time.Time
}

// NewStore creates dir if needed and returns a store rooted there.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating checkpoint dir: %w", err)
	}
	return &Store{dir: dir, now: time.Now}, nil
}

// Dir returns the checkpoint directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) path(taskID string) (string, error) {
	if taskID == "" || taskID == "." || taskID == ".." || strings.ContainsAny(taskID, `/\`) {
		return "", fmt.Errorf("invalid task id %q", taskID)
	}
	return filepath.Join(s.dir, taskID+".json"), nil
}

// SaveCheckpoint writes state for taskID, replacing any previous checkpoint.
// SavedAt is stamped when zero. The Task snapshot is stored compacted and
// SavedAt in UTC, which is the form LoadCheckpoint returns.
func (s *Store) SaveCheckpoint(taskID string, state State) error {
	path, err := s.path(taskID)
	if err != nil {
		return err
	}

	state.TaskID = taskID
	if state.SavedAt.IsZero() {
		state.SavedAt = s.now().Truncate(time.Millisecond)
	}
	state.SavedAt = state.SavedAt.UTC().Round(0)
	if len(state.Task) > 0 {
		var buf bytes.Buffer
		if err := json.Compact(&buf, state.Task); err != nil {
			return fmt.Errorf("encoding checkpoint for %s: task snapshot: %w", taskID, err)
		}
		state.Task = buf.Bytes()
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding checkpoint for %s: %w", taskID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeFileAtomic(path, data, 0644); err != nil {
		return fmt.Errorf("writing checkpoint for %s: %w", taskID, err)
	}
	return nil
}

// LoadCheckpoint reads the checkpoint for taskID.
func (s *Store) LoadCheckpoint(taskID string) (State, error) {
	path, err := s.path(taskID)
	if err != nil {
		return State{}, err
	}

	s.mu.Lock()
	data, err := os.ReadFile(path)
	s.mu.Unlock()
	if errors.Is(err, os.ErrNotExist) {
		return State{}, fmt.Errorf("%w for task %s", ErrNoCheckpoint, taskID)
	}
	if err != nil {
		return State{}, fmt.Errorf("reading checkpoint for %s: %w", taskID, err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, fmt.Errorf("decoding checkpoint for %s: %w", taskID, err)
	}
	return state, nil
}

// HasCheckpoint reports whether a checkpoint exists for taskID.
func (s *Store) HasCheckpoint(taskID string) bool {
	path, err := s.path(taskID)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// ClearCheckpoint removes the checkpoint for taskID. Missing is not an error.
func (s *Store) ClearCheckpoint(taskID string) error {
	path, err := s.path(taskID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing checkpoint for %s: %w", taskID, err)
	}
	return nil
}

// ListRecoverable returns every checkpoint, newest first. Unreadable files
// are skipped.
func (s *Store) ListRecoverable() ([]State, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("listing checkpoints: %w", err)
	}

	var states []State
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		state, err := s.LoadCheckpoint(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		states = append(states, state)
	}

	sort.Slice(states, func(i, j int) bool {
		if !states[i].SavedAt.Equal(states[j].SavedAt) {
			return states[i].SavedAt.After(states[j].SavedAt)
		}
		return states[i].TaskID < states[j].TaskID
	})
	return states, nil
}

// Cleanup keeps the keep most recent checkpoints and removes the rest.
// It returns the number removed.
func (s *Store) Cleanup(keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	states, err := s.ListRecoverable()
	if err != nil {
		return 0, err
	}
	if len(states) <= keep {
		return 0, nil
	}

	removed := 0
	for _, st := range states[keep:] {
		if err := s.ClearCheckpoint(st.TaskID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// writeFileAtomic writes to a temp file in the target directory and renames
// it over path, so readers never observe a partial checkpoint.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	tmp, err := os.CreateTemp(dir, base+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	_ = tmp.Sync()
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// EncodeTask serializes a task snapshot for State.Task.
func EncodeTask(task any) json.RawMessage {
	data, err := json.Marshal(task)
	if err != nil {
		return json.RawMessage(`null`)
	}
	return data
}
