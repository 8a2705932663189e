package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateStalled   State = "stalled"
)

func ParseState(s string) (State, error) {
	switch st := State(s); st {
	case StateWaiting, StateDelayed, StateActive, StateCompleted, StateFailed, StateStalled:
		return st, nil
	}
	return "", fmt.Errorf("unknown job state %q", s)
}

// Job is the unit a broker stores. Attempts counts executions started so far.
type Job struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	Backoff     Backoff         `json:"backoff"`
	State       State           `json:"state"`
	LastError   string          `json:"lastError,omitempty"`
	Owner       string          `json:"owner,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	AvailableAt time.Time       `json:"availableAt"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	FinishedAt  *time.Time      `json:"finishedAt,omitempty"`
	LeaseUntil  *time.Time      `json:"leaseUntil,omitempty"`
}

func (j *Job) clone() *Job {
	cp := *j
	cp.Payload = append(json.RawMessage(nil), j.Payload...)
	return &cp
}

// Decode unmarshals the job payload into T.
func Decode[T any](job *Job) (T, error) {
	var v T
	if err := json.Unmarshal(job.Payload, &v); err != nil {
		return v, fmt.Errorf("decode %s payload: %w", job.Type, err)
	}
	return v, nil
}
