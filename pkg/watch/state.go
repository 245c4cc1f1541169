package watch

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const stateFileName = "watch_state.json"

// TargetState records the outcome of a target's most recent crawl.
type TargetState struct {
	LastRunTime    time.Time `json:"last_run_time"`
	LastRunSuccess bool      `json:"last_run_success"`
	LastRunReason  string    `json:"last_run_reason,omitempty"`
	PagesSaved     int64     `json:"pages_saved"`
	ErrorMessage   string    `json:"error_message,omitempty"`
}

// State is the persistent schedule state for watch mode.
type State struct {
	Targets   map[string]TargetState `json:"targets"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// StateManager persists the watch schedule to a JSON file under the state
// directory so restarts pick up where the schedule left off.
type StateManager struct {
	stateDir  string
	statePath string
	state     State
	mu        sync.RWMutex
}

// NewStateManager creates a state manager rooted at stateDir.
func NewStateManager(stateDir string) *StateManager {
	return &StateManager{
		stateDir:  stateDir,
		statePath: filepath.Join(stateDir, stateFileName),
		state:     State{Targets: make(map[string]TargetState)},
	}
}

// Load reads the state file. A missing file is a fresh start, not an error.
func (m *StateManager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.statePath)
	if err != nil {
		if os.IsNotExist(err) {
			m.state = State{Targets: make(map[string]TargetState)}
			return nil
		}
		return fmt.Errorf("reading watch state: %w", err)
	}

	if err := json.Unmarshal(data, &m.state); err != nil {
		return fmt.Errorf("parsing watch state: %w", err)
	}
	if m.state.Targets == nil {
		m.state.Targets = make(map[string]TargetState)
	}
	return nil
}

// Save writes the state file, creating the state directory if needed.
func (m *StateManager) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state.UpdatedAt = time.Now()
	if err := os.MkdirAll(m.stateDir, 0755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}
	data, err := json.MarshalIndent(m.state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling watch state: %w", err)
	}
	if err := os.WriteFile(m.statePath, data, 0644); err != nil {
		return fmt.Errorf("writing watch state: %w", err)
	}
	return nil
}

// TargetState returns the recorded state for one target.
func (m *StateManager) TargetState(key string) (TargetState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.state.Targets[key]
	return state, ok
}

// Update records the outcome of a finished crawl.
func (m *StateManager) Update(key string, success bool, reason string, pagesSaved int64, errorMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Targets[key] = TargetState{
		LastRunTime:    time.Now(),
		LastRunSuccess: success,
		LastRunReason:  reason,
		PagesSaved:     pagesSaved,
		ErrorMessage:   errorMsg,
	}
}

// ShouldRun reports whether a target is due: never crawled, or its interval
// has elapsed since the last run.
func (m *StateManager) ShouldRun(key string, interval time.Duration) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.state.Targets[key]
	if !ok {
		return true
	}
	return time.Since(state.LastRunTime) >= interval
}

// NextRunTime returns when the target is next due.
func (m *StateManager) NextRunTime(key string, interval time.Duration) time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.state.Targets[key]
	if !ok {
		return time.Now()
	}
	return state.LastRunTime.Add(interval)
}
