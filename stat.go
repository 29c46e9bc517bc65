package taskmaster

import (
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// Stats holds the orchestrator-wide, in-memory snapshot described in
// SPEC_FULL §9: worker counts by status and task completion timestamps.
// Nothing here survives past the process's lifetime — it is pure
// observability, not the results store spec.md's Non-goals exclude.
type Stats struct {
	mu          sync.RWMutex
	startedAt   time.Time
	tasksTotal  int
	completed   []time.Time
	byStatus    map[WorkerStatus]int
	instanceIDs map[string]WorkerStatus
}

// NewStats returns an empty Stats ready to be fed by a Taskmaster's
// update loop.
func NewStats(tasksTotal int) *Stats {
	return &Stats{
		startedAt:   time.Now(),
		tasksTotal:  tasksTotal,
		byStatus:    make(map[WorkerStatus]int),
		instanceIDs: make(map[string]WorkerStatus),
	}
}

// recordTaskCompletion appends the current time to the completion log,
// used to derive TasksPerMinute.
func (s *Stats) recordTaskCompletion() {
	s.mu.Lock()
	s.completed = append(s.completed, time.Now())
	s.mu.Unlock()
}

// setInstanceStatus records the current status of one worker instance,
// replacing whatever status it last reported.
func (s *Stats) setInstanceStatus(instanceID string, status WorkerStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.instanceIDs[instanceID]; ok {
		s.byStatus[prev]--
	}
	s.instanceIDs[instanceID] = status
	s.byStatus[status]++
}

func (s *Stats) removeInstance(instanceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.instanceIDs[instanceID]; ok {
		s.byStatus[prev]--
		delete(s.instanceIDs, instanceID)
	}
}

// TasksPerMinute counts task completions within the trailing minute.
func (s *Stats) TasksPerMinute() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := time.Now().Add(-time.Minute)
	count := 0
	for i := len(s.completed) - 1; i >= 0; i-- {
		if s.completed[i].Before(cutoff) {
			break
		}
		count++
	}
	return count
}

// Elapsed renders the time since the orchestrator started in a
// human-readable form, e.g. "3 minutes ago".
func (s *Stats) Elapsed() string {
	return humanize.Time(s.startedAt)
}

// Snapshot is the JSON-serializable view broadcast to the dashboard.
type Snapshot struct {
	Completed       int64             `json:"completed"`
	CompletedPretty string            `json:"completedPretty"`
	TasksPerMinute  int               `json:"tasksPerMinute"`
	Elapsed         string            `json:"elapsed"`
	ByStatus        map[string]int    `json:"byStatus"`
}

func (s *Stats) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byStatus := make(map[string]int, len(s.byStatus))
	for status, n := range s.byStatus {
		byStatus[string(status)] = n
	}

	completed := int64(len(s.completed))
	return Snapshot{
		Completed:       completed,
		CompletedPretty: humanize.Comma(completed),
		TasksPerMinute:  s.TasksPerMinute(),
		Elapsed:         s.Elapsed(),
		ByStatus:        byStatus,
	}
}
