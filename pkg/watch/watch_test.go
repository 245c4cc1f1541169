package watch

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseInterval(t *testing.T) {
	tests := []struct {
		input    string
		expected time.Duration
		wantErr  bool
	}{
		{"30s", 30 * time.Second, false},
		{"5m", 5 * time.Minute, false},
		{"12h", 12 * time.Hour, false},
		{"1d", 24 * time.Hour, false},
		{"7d", 7 * 24 * time.Hour, false},
		{"1d12h", 36 * time.Hour, false},
		{"invalid", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseInterval(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ParseInterval(%q) expected error, got nil", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseInterval(%q): %v", tt.input, err)
			}
			if got != tt.expected {
				t.Errorf("ParseInterval(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestFormatInterval(t *testing.T) {
	tests := []struct {
		input    time.Duration
		expected string
	}{
		{30 * time.Second, "30s"},
		{5 * time.Minute, "5m"},
		{time.Hour, "1h"},
		{90 * time.Minute, "1h30m"},
		{24 * time.Hour, "1d"},
		{36 * time.Hour, "1d12h"},
		{7 * 24 * time.Hour, "7d"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := FormatInterval(tt.input); got != tt.expected {
				t.Errorf("FormatInterval(%v) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestStateManagerRoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	sm := NewStateManager(tmpDir)

	if err := sm.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if !sm.ShouldRun("mit", time.Hour) {
		t.Error("ShouldRun should be true for a target never crawled")
	}

	sm.Update("mit", true, "exhausted", 120, "")

	if sm.ShouldRun("mit", time.Hour) {
		t.Error("ShouldRun should be false immediately after a run")
	}
	if !sm.ShouldRun("mit", 0) {
		t.Error("ShouldRun should be true once the interval has elapsed")
	}

	state, ok := sm.TargetState("mit")
	if !ok {
		t.Fatal("TargetState missing after Update")
	}
	if !state.LastRunSuccess || state.PagesSaved != 120 || state.LastRunReason != "exhausted" {
		t.Errorf("unexpected state: %+v", state)
	}

	if err := sm.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(filepath.Join(tmpDir, stateFileName)); err != nil {
		t.Fatalf("state file missing after Save: %v", err)
	}

	sm2 := NewStateManager(tmpDir)
	if err := sm2.Load(); err != nil {
		t.Fatalf("Load saved state: %v", err)
	}
	state2, ok := sm2.TargetState("mit")
	if !ok {
		t.Fatal("TargetState missing after reload")
	}
	if state2.PagesSaved != 120 {
		t.Errorf("reloaded PagesSaved = %d, want 120", state2.PagesSaved)
	}
}

func TestStateManagerFailureRecorded(t *testing.T) {
	sm := NewStateManager(t.TempDir())
	_ = sm.Load()

	sm.Update("oxford", false, "deadline", 3, "context deadline exceeded")

	state, ok := sm.TargetState("oxford")
	if !ok {
		t.Fatal("TargetState missing")
	}
	if state.LastRunSuccess {
		t.Error("LastRunSuccess should be false")
	}
	if state.ErrorMessage != "context deadline exceeded" {
		t.Errorf("ErrorMessage = %q", state.ErrorMessage)
	}
}

func TestNextRunTime(t *testing.T) {
	sm := NewStateManager(t.TempDir())
	_ = sm.Load()

	if next := sm.NextRunTime("fresh", time.Hour); time.Since(next) > time.Second {
		t.Error("NextRunTime for an unknown target should be approximately now")
	}

	sm.Update("known", true, "exhausted", 10, "")
	state, _ := sm.TargetState("known")
	want := state.LastRunTime.Add(time.Hour)
	if got := sm.NextRunTime("known", time.Hour); !got.Equal(want) {
		t.Errorf("NextRunTime = %v, want %v", got, want)
	}
}
