package dispatch

import (
	"sync"
	"sync/atomic"
)

// SharedState is the explicit record of everything the dispatcher and its
// workers share: heartbeats and last-task markers (single-writer atomics),
// run totals (mutex), and the cooperative termination flag. No ambient
// singletons.
type SharedState struct {
	heartbeats []atomic.Uint64
	lastTasks  []atomic.Pointer[string]

	terminate atomic.Bool

	mu          sync.Mutex
	processed   int
	hits        int
	hadCrystals int
	crystals    int
	failed      int
}

// NewSharedState sizes the per-worker slots.
func NewSharedState(workers int) *SharedState {
	s := &SharedState{
		heartbeats: make([]atomic.Uint64, workers),
		lastTasks:  make([]atomic.Pointer[string], workers),
	}
	idle := StageNothing.String()
	for i := range s.lastTasks {
		s.lastTasks[i].Store(&idle)
	}
	return s
}

// Ping advances a worker's heartbeat. Called only by the owning worker.
func (s *SharedState) Ping(worker int) {
	s.heartbeats[worker].Add(1)
}

// Heartbeat reads a worker's heartbeat counter.
func (s *SharedState) Heartbeat(worker int) uint64 {
	return s.heartbeats[worker].Load()
}

// SetTask records the worker's current stage. Called only by the owner.
func (s *SharedState) SetTask(worker int, task string) {
	s.lastTasks[worker].Store(&task)
}

// Task reads a worker's current stage description.
func (s *SharedState) Task(worker int) string {
	return *s.lastTasks[worker].Load()
}

// Terminate requests cooperative shutdown.
func (s *SharedState) Terminate() {
	s.terminate.Store(true)
}

// Terminating reports whether shutdown was requested. Workers poll this at
// stage boundaries.
func (s *SharedState) Terminating() bool {
	return s.terminate.Load()
}

// CountImage folds one finished image into the totals.
func (s *SharedState) CountImage(hit, hadCrystals bool, crystals int, failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed++
	if hit {
		s.hits++
	}
	if hadCrystals {
		s.hadCrystals++
	}
	s.crystals += crystals
	if failed {
		s.failed++
	}
}

// Totals returns a snapshot of the run counters.
func (s *SharedState) Totals() (processed, hits, hadCrystals, crystals, failed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processed, s.hits, s.hadCrystals, s.crystals, s.failed
}
