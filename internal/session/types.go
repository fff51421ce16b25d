// Package session owns the mutable state of thinking sessions: the record
// types, the SQLite-backed persistent store, and the caching manager that
// every tool goes through. Code outside this package changes session fields
// only inside the callbacks it passes to Manager.Mutate and MutateAlways,
// which run under the session's lock and persist the result.
package session

import (
	"errors"
	"fmt"
	"time"
)

// Status tracks the overall lifecycle of a session.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusExpired   Status = "expired"
)

// validStatuses is the set of allowed session statuses.
var validStatuses = map[Status]bool{
	StatusActive:    true,
	StatusCompleted: true,
	StatusFailed:    true,
	StatusExpired:   true,
}

// ValidateStatus returns an error if the status is not recognized.
func ValidateStatus(s Status) error {
	if !validStatuses[s] {
		return fmt.Errorf("invalid session status %q: must be one of: active, completed, failed, expired", s)
	}
	return nil
}

// Terminal reports whether the status forbids further mutation.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusExpired
}

// StepStatus tracks one step execution (or one for_each iteration).
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// validStepStatuses is the set of allowed step statuses.
var validStepStatuses = map[StepStatus]bool{
	StepPending:   true,
	StepRunning:   true,
	StepCompleted: true,
	StepFailed:    true,
	StepSkipped:   true,
}

// ValidateStepStatus returns an error if the step status is not recognized.
func ValidateStepStatus(s StepStatus) error {
	if !validStepStatuses[s] {
		return fmt.Errorf("invalid step status %q: must be one of: pending, running, completed, failed, skipped", s)
	}
	return nil
}

// StepResult records one step execution. For for_each steps there is one
// entry per iteration, keyed by (step name, iteration index).
type StepResult struct {
	StepName       string     `json:"step_name"`
	RawText        string     `json:"raw_text"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     time.Time  `json:"finished_at"`
	QualityScore   *float64   `json:"quality_score,omitempty"`
	RetryCount     int        `json:"retry_count"`
	IterationIndex *int       `json:"iteration_index,omitempty"`
	Status         StepStatus `json:"status"`
}

// Cursor identifies the next work unit: the step to execute, the for_each
// iteration position, and the quality-gate retry count.
type Cursor struct {
	Step      string `json:"step"`
	Iteration int    `json:"iteration"`
	Total     int    `json:"total"` // 0 for single-execution steps
	Retry     int    `json:"retry"`
}

// Session is the long-lived record of one thinking workflow. The flow engine
// only reads it; tools change it inside Manager.Mutate/MutateAlways
// callbacks, and the manager persists every change.
type Session struct {
	ID           string
	Topic        string
	FlowType     string
	Cursor       Cursor
	StepNumber   int // count of completed step-result entries
	Status       Status
	Context      map[string]any
	StepResults  map[string][]*StepResult
	StepOutputs  map[string]any // object for plain steps, []any per iteration for for_each steps
	QualityScores map[string]float64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Result returns the entry for (step, iteration), or nil. Pass a negative
// iteration for single-execution steps.
func (s *Session) Result(step string, iteration int) *StepResult {
	for _, r := range s.StepResults[step] {
		if iteration < 0 && r.IterationIndex == nil {
			return r
		}
		if iteration >= 0 && r.IterationIndex != nil && *r.IterationIndex == iteration {
			return r
		}
	}
	return nil
}

// StepState reports the effective status of a named step: the aggregate of
// its entries. A for_each step is completed only when every recorded
// iteration completed; any failed entry makes it failed.
func (s *Session) StepState(step string) StepStatus {
	entries := s.StepResults[step]
	if len(entries) == 0 {
		return StepPending
	}
	state := StepCompleted
	for _, r := range entries {
		switch r.Status {
		case StepFailed:
			return StepFailed
		case StepRunning:
			state = StepRunning
		case StepSkipped:
			if state == StepCompleted {
				state = StepSkipped
			}
		case StepPending:
			if state == StepCompleted {
				state = StepPending
			}
		}
	}
	return state
}

// CompletedCount counts completed step-result entries across all steps.
// The invariant StepNumber == CompletedCount() holds after every
// successful tool call.
func (s *Session) CompletedCount() int {
	n := 0
	for _, entries := range s.StepResults {
		for _, r := range entries {
			if r.Status == StepCompleted {
				n++
			}
		}
	}
	return n
}

// LastQuality returns the most recently recorded score for the cursor's
// step, if any.
func (s *Session) LastQuality() *float64 {
	if q, ok := s.QualityScores[s.Cursor.Step]; ok {
		return &q
	}
	return nil
}

// Sentinel errors of the session layer. Tools map these onto the error
// envelope codes.
var (
	ErrNotFound = errors.New("session not found")
	ErrExpired  = errors.New("session expired")
	ErrTerminal = errors.New("session is in a terminal status")
	ErrStorage  = errors.New("session storage failure")
)

// timeNow is a package-level hook so tests can freeze the clock.
var timeNow = time.Now
