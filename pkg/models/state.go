package models

// CrawlState is the single authoritative shutdown state for a crawl run. It
// guards whether the queue accepts pushes and whether workers keep pulling.
// Transitions only move forward: Running -> Draining -> Stopped.
type CrawlState int32

const (
	StateRunning  CrawlState = iota // Normal operation
	StateDraining                   // Queue rejects pushes, in-flight work finishes
	StateStopped                    // All workers exited, writes flushed
)

// String implements fmt.Stringer for logging
func (s CrawlState) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// IsValid returns true if the state is a known value
func (s CrawlState) IsValid() bool {
	switch s {
	case StateRunning, StateDraining, StateStopped:
		return true
	}
	return false
}

// CanTransitionTo reports whether moving from s to next is a legal forward
// transition. Same-state transitions are allowed (idempotent shutdown).
func (s CrawlState) CanTransitionTo(next CrawlState) bool {
	return next >= s && next.IsValid()
}
