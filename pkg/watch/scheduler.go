// Package watch re-crawls targets on a fixed interval, persisting the
// schedule between restarts so a long-lived process only crawls what is due.
package watch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/GhoulBiter/scraper/pkg/config"
	"github.com/GhoulBiter/scraper/pkg/orchestrate"
)

// Scheduler runs periodic crawls of a fixed set of targets.
type Scheduler struct {
	appCfg     *config.AppConfig
	targetKeys []string
	interval   time.Duration
	log        *logrus.Entry
	state      *StateManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	current *orchestrate.Orchestrator
}

// NewScheduler builds a scheduler; interval is how often each target is
// re-crawled.
func NewScheduler(appCfg *config.AppConfig, targetKeys []string, interval time.Duration, log *logrus.Entry) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		appCfg:     appCfg,
		targetKeys: targetKeys,
		interval:   interval,
		log:        log,
		state:      NewStateManager(appCfg.StateDir),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Run blocks until Stop is called, launching crawls for due targets as
// their intervals elapse.
func (s *Scheduler) Run() error {
	if err := s.state.Load(); err != nil {
		s.log.WithError(err).Warn("Could not load watch state, starting fresh")
	}

	s.log.Infof("Watch mode: %d target(s) every %s", len(s.targetKeys), FormatInterval(s.interval))
	s.logSchedule()

	s.runDue()

	ticker := time.NewTicker(s.tickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			s.log.Info("Watch scheduler shutting down")
			s.wg.Wait()
			return nil
		case <-ticker.C:
			s.runDue()
		}
	}
}

// Stop drains any in-flight crawls and unblocks Run.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.current != nil {
		s.current.Drain("watch_stop")
	}
	s.mu.Unlock()
	s.cancel()
}

// runDue launches one orchestrator run covering every due target.
func (s *Scheduler) runDue() {
	due := s.dueTargets()
	if len(due) == 0 {
		s.logNextRun()
		return
	}

	s.mu.Lock()
	if s.current != nil {
		// Previous batch still running; skip this tick rather than stack
		// crawls of the same targets.
		s.mu.Unlock()
		s.log.Warn("Previous crawl batch still running, skipping tick")
		return
	}
	orch := orchestrate.New(s.appCfg, due, false, s.log)
	s.current = orch
	s.mu.Unlock()

	s.log.Infof("Crawling %d due target(s): %v", len(due), due)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			s.current = nil
			s.mu.Unlock()
		}()

		results := orch.Run(s.ctx)
		for _, r := range results {
			errMsg := ""
			if r.Err != nil {
				errMsg = r.Err.Error()
			}
			s.state.Update(r.TargetKey, r.Err == nil, r.Reason, r.PagesSaved, errMsg)
		}
		if err := s.state.Save(); err != nil {
			s.log.WithError(err).Error("Failed to save watch state")
		}
		s.logNextRun()
	}()
}

func (s *Scheduler) dueTargets() []string {
	var due []string
	for _, key := range s.targetKeys {
		if s.state.ShouldRun(key, s.interval) {
			due = append(due, key)
		}
	}
	return due
}

// tickInterval is how often the scheduler checks for due targets: a tenth
// of the crawl interval, clamped to [1m, 10m].
func (s *Scheduler) tickInterval() time.Duration {
	tick := s.interval / 10
	if tick < time.Minute {
		tick = time.Minute
	}
	if tick > 10*time.Minute {
		tick = 10 * time.Minute
	}
	return tick
}

func (s *Scheduler) logSchedule() {
	for _, key := range s.targetKeys {
		state, ok := s.state.TargetState(key)
		if !ok {
			s.log.Infof("  %s: never crawled, due immediately", key)
			continue
		}
		status := "ok"
		if !state.LastRunSuccess {
			status = "failed"
		}
		s.log.Infof("  %s: last run %s (%s, %d pages), next %s",
			key,
			state.LastRunTime.Format(time.RFC3339),
			status,
			state.PagesSaved,
			s.state.NextRunTime(key, s.interval).Format(time.RFC3339))
	}
}

func (s *Scheduler) logNextRun() {
	type upcoming struct {
		key string
		at  time.Time
	}
	var next []upcoming
	for _, key := range s.targetKeys {
		next = append(next, upcoming{key, s.state.NextRunTime(key, s.interval)})
	}
	if len(next) == 0 {
		return
	}
	sort.Slice(next, func(i, j int) bool { return next[i].at.Before(next[j].at) })

	until := time.Until(next[0].at)
	if until < 0 {
		until = 0
	}
	s.log.Infof("Next crawl: %s in %s (at %s)", next[0].key, until.Round(time.Second), next[0].at.Format("15:04:05"))
}

// FormatInterval renders a duration compactly, with a day unit for long
// intervals.
func FormatInterval(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		hours := int(d.Hours())
		mins := int(d.Minutes()) % 60
		if mins > 0 {
			return fmt.Sprintf("%dh%dm", hours, mins)
		}
		return fmt.Sprintf("%dh", hours)
	default:
		days := int(d.Hours()) / 24
		hours := int(d.Hours()) % 24
		if hours > 0 {
			return fmt.Sprintf("%dd%dh", days, hours)
		}
		return fmt.Sprintf("%dd", days)
	}
}

// ParseInterval parses a duration string, accepting a "d" day suffix on top
// of time.ParseDuration's units (e.g. "30m", "12h", "7d", "1d12h").
func ParseInterval(s string) (time.Duration, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}

	var days int
	var rest string
	n, _ := fmt.Sscanf(s, "%dd%s", &days, &rest)
	if n >= 1 {
		d := time.Duration(days) * 24 * time.Hour
		if rest != "" {
			extra, err := time.ParseDuration(rest)
			if err != nil {
				return 0, fmt.Errorf("invalid interval %q", s)
			}
			d += extra
		}
		return d, nil
	}
	return 0, fmt.Errorf("invalid interval %q (examples: 30m, 12h, 7d)", s)
}
