package taskqueue

import (
	"fmt"
	"time"
)

// Status is a job's lifecycle state.
type Status string

const (
	StatusScheduled Status = "Scheduled"
	StatusRunning   Status = "Running"
	StatusCompleted Status = "Completed"
	StatusFailed    Status = "Failed"
)

// Terminal reports whether s is final.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

var transitions = map[Status][]Status{
	StatusScheduled: {StatusRunning, StatusFailed},
	StatusRunning:   {StatusCompleted, StatusFailed},
}

// Job is one unit of queued work.
type Job struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Status    Status         `json:"status"`
	Payload   map[string]any `json:"payload,omitempty"`
	Result    map[string]any `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	ErrorCode string         `json:"errorCode,omitempty"`
	Attempts  int            `json:"attempts"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

func (j *Job) transition(to Status, now time.Time) error {
	for _, s := range transitions[j.Status] {
		if s == to {
			j.Status = to
			j.UpdatedAt = now
			return nil
		}
	}
	return fmt.Errorf("illegal job transition %s -> %s", j.Status, to)
}
