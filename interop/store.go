package interop

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Run states.
const (
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
)

// Step statuses.
const (
	StepOK     = "ok"
	StepFailed = "failed"
)

// RunRecord is one sequencer run as persisted: identity, where it got to,
// and the decoded result when it finished well.
type RunRecord struct {
	ID           string
	TaskID       string
	State        string
	JobURL       string
	UploadCount  int
	TriggerCount int
	PollAttempts int

	// ResultCount and ResultSum hold the decoded aggregate; HasResult
	// distinguishes a genuine zero from no result.
	ResultCount uint64
	ResultSum   uint64
	HasResult   bool

	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// StepRecord is one pipeline step of a run. Seq is assigned by the store in
// insertion order.
type StepRecord struct {
	RunID  string
	Seq    int
	Step   string
	Status string
	Detail string
	At     time.Time
}

// RunStore persists sequencer runs and their step trail.
type RunStore interface {
	CreateRun(rec RunRecord) error
	RecordStep(rec StepRecord) error
	FinishRun(rec RunRecord) error
	GetRun(id string) (RunRecord, []StepRecord, error)
	ListRuns(limit int) ([]RunRecord, error)
	Close() error
}

// InMemoryRunStore implements RunStore for runs that do not need to outlive
// the process.
type InMemoryRunStore struct {
	mu    sync.RWMutex
	runs  map[string]RunRecord
	steps map[string][]StepRecord
}

// NewInMemoryRunStore creates an in-memory run store.
func NewInMemoryRunStore() *InMemoryRunStore {
	return &InMemoryRunStore{
		runs:  make(map[string]RunRecord),
		steps: make(map[string][]StepRecord),
	}
}

// CreateRun stores a fresh run.
func (s *InMemoryRunStore) CreateRun(rec RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[rec.ID]; ok {
		return fmt.Errorf("run %s already exists", rec.ID)
	}
	s.runs[rec.ID] = rec
	return nil
}

// RecordStep appends one step to a run's trail.
func (s *InMemoryRunStore) RecordStep(rec StepRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[rec.RunID]; !ok {
		return fmt.Errorf("run %s not found", rec.RunID)
	}
	rec.Seq = len(s.steps[rec.RunID]) + 1
	s.steps[rec.RunID] = append(s.steps[rec.RunID], rec)
	return nil
}

// FinishRun replaces the run with its finished form.
func (s *InMemoryRunStore) FinishRun(rec RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[rec.ID]; !ok {
		return fmt.Errorf("run %s not found", rec.ID)
	}
	s.runs[rec.ID] = rec
	return nil
}

// GetRun returns one run and its steps.
func (s *InMemoryRunStore) GetRun(id string) (RunRecord, []StepRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.runs[id]
	if !ok {
		return rec, nil, fmt.Errorf("run %s not found", id)
	}
	steps := make([]StepRecord, len(s.steps[id]))
	copy(steps, s.steps[id])
	return rec, steps, nil
}

// ListRuns returns the most recent runs, newest first. A non-positive limit
// returns everything.
func (s *InMemoryRunStore) ListRuns(limit int) ([]RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	runs := make([]RunRecord, 0, len(s.runs))
	for _, rec := range s.runs {
		runs = append(runs, rec)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt.After(runs[j].StartedAt) })
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryRunStore) Close() error { return nil }
