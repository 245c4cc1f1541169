package models

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

// --- CrawlState Tests ---

func TestCrawlState_String(t *testing.T) {
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "draining", StateDraining.String())
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "unknown", CrawlState(99).String())
}

func TestCrawlState_ForwardOnly(t *testing.T) {
	assert.True(t, StateRunning.CanTransitionTo(StateDraining))
	assert.True(t, StateRunning.CanTransitionTo(StateStopped))
	assert.True(t, StateDraining.CanTransitionTo(StateStopped))
	assert.True(t, StateDraining.CanTransitionTo(StateDraining), "same-state transition must be legal (idempotent shutdown)")

	assert.False(t, StateDraining.CanTransitionTo(StateRunning), "state must never regress")
	assert.False(t, StateStopped.CanTransitionTo(StateDraining))
	assert.False(t, StateStopped.CanTransitionTo(StateRunning))
}

// --- CrawlStats Tests ---

func TestCrawlStats_Counters(t *testing.T) {
	s := NewCrawlStats()
	s.TaskEnqueued()
	s.TaskEnqueued()
	s.TaskCompleted()
	s.TaskFailed()
	s.AddBytes(1024)
	s.WorkerActive()

	assert.Equal(t, int64(2), s.TasksEnqueued())
	assert.Equal(t, int64(1), s.TasksCompleted())
	assert.Equal(t, int64(1), s.TasksFailed())
	assert.Equal(t, int64(1024), s.BytesFetched())
	assert.Equal(t, int64(1), s.ActiveWorkers())

	s.WorkerIdle()
	assert.Equal(t, int64(0), s.ActiveWorkers())
}

func TestCrawlStats_ConcurrentMutation(t *testing.T) {
	s := NewCrawlStats()
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				s.TaskEnqueued()
				s.TaskCompleted()
				s.AddBytes(10)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(2000), s.TasksEnqueued())
	assert.Equal(t, int64(2000), s.TasksCompleted())
	assert.Equal(t, int64(20000), s.BytesFetched())
}

func TestCrawlStats_Snapshot(t *testing.T) {
	s := NewCrawlStats()
	s.TaskEnqueued()
	s.TaskCompleted()

	snap := s.Snapshot(7)
	assert.Equal(t, int64(1), snap.TasksEnqueued)
	assert.Equal(t, int64(1), snap.TasksCompleted)
	assert.Equal(t, 7, snap.QueueDepth)
	assert.False(t, snap.Timestamp.IsZero())
}

// --- Classification Tests ---

func TestCategoryToClassification(t *testing.T) {
	assert.Equal(t, ClassificationApplication, CategoryToClassification(1))
	assert.Equal(t, ClassificationPortalReference, CategoryToClassification(2))
	assert.Equal(t, ClassificationInformation, CategoryToClassification(3))
	assert.Equal(t, ClassificationOther, CategoryToClassification(0))
	assert.Equal(t, ClassificationOther, CategoryToClassification(9))
}
