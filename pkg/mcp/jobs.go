package mcp

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of a background crawl job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Job is one background crawl of a single target.
type Job struct {
	ID           string    `json:"id"`
	TargetKey    string    `json:"target_key"`
	Status       JobStatus `json:"status"`
	StartedAt    time.Time `json:"started_at"`
	CompletedAt  time.Time `json:"completed_at,omitempty"`
	RunID        string    `json:"run_id,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	PagesSaved   int64     `json:"pages_saved"`
	TasksPending int64     `json:"tasks_pending"`
	ErrorMessage string    `json:"error_message,omitempty"`

	ctx    context.Context
	cancel context.CancelFunc
}

// JobManager tracks background crawl jobs, at most one live job per target.
type JobManager struct {
	mu       sync.RWMutex
	jobs     map[string]*Job
	byTarget map[string]string // targetKey -> live job ID
}

// NewJobManager creates an empty job registry.
func NewJobManager() *JobManager {
	return &JobManager{
		jobs:     make(map[string]*Job),
		byTarget: make(map[string]string),
	}
}

// CreateJob registers a new pending job for a target. If a job is already
// live for that target it is returned instead of creating a second one.
func (m *JobManager) CreateJob(targetKey string) *Job {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byTarget[targetKey]; ok {
		if existing := m.jobs[id]; existing != nil && existing.live() {
			return existing
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	job := &Job{
		ID:        uuid.NewString(),
		TargetKey: targetKey,
		Status:    JobStatusPending,
		StartedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}
	m.jobs[job.ID] = job
	m.byTarget[targetKey] = job.ID
	return job
}

func (j *Job) live() bool {
	return j.Status == JobStatusPending || j.Status == JobStatusRunning
}

// GetJob looks up a job by ID.
func (m *JobManager) GetJob(id string) *Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.jobs[id]
}

// IsRunning reports whether a live job exists for a target.
func (m *JobManager) IsRunning(targetKey string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id, ok := m.byTarget[targetKey]; ok {
		job := m.jobs[id]
		return job != nil && job.live()
	}
	return false
}

// JobForTarget returns the most recent job registered for a target.
func (m *JobManager) JobForTarget(targetKey string) *Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id, ok := m.byTarget[targetKey]; ok {
		return m.jobs[id]
	}
	return nil
}

// UpdateStatus moves a job through its lifecycle; terminal states release
// the target for new jobs.
func (m *JobManager) UpdateStatus(id string, status JobStatus, errorMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return
	}
	job.Status = status
	if errorMsg != "" {
		job.ErrorMessage = errorMsg
	}
	if status == JobStatusCompleted || status == JobStatusFailed || status == JobStatusCancelled {
		job.CompletedAt = time.Now()
		if m.byTarget[job.TargetKey] == id {
			delete(m.byTarget, job.TargetKey)
		}
	}
}

// UpdateProgress refreshes a live job's counters.
func (m *JobManager) UpdateProgress(id string, pagesSaved, tasksPending int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[id]; ok {
		job.PagesSaved = pagesSaved
		job.TasksPending = tasksPending
	}
}

// SetRun records the run identity once the crawler has assigned it.
func (m *JobManager) SetRun(id, runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[id]; ok {
		job.RunID = runID
	}
}

// SetReason records the crawl's terminal reason.
func (m *JobManager) SetReason(id, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[id]; ok {
		job.Reason = reason
	}
}

// CancelJob aborts a live job. Returns false when the job is unknown or
// already terminal.
func (m *JobManager) CancelJob(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || !job.live() {
		return false
	}
	job.cancel()
	job.Status = JobStatusCancelled
	job.CompletedAt = time.Now()
	if m.byTarget[job.TargetKey] == id {
		delete(m.byTarget, job.TargetKey)
	}
	return true
}

// CancelAll aborts every live job, used on server shutdown.
func (m *JobManager) CancelAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, job := range m.jobs {
		if job.live() {
			job.cancel()
			job.Status = JobStatusCancelled
			job.CompletedAt = time.Now()
		}
	}
	m.byTarget = make(map[string]string)
}

// ListJobs returns every known job.
func (m *JobManager) ListJobs() []*Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	jobs := make([]*Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		jobs = append(jobs, job)
	}
	return jobs
}

// Context returns a live job's cancellation context.
func (m *JobManager) Context(id string) context.Context {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if job, ok := m.jobs[id]; ok {
		return job.ctx
	}
	return context.Background()
}
