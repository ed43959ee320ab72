// Package delegation tracks parent/child task handoffs and repairs
// delegation state when a handoff write fails partway.
package delegation

import (
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a delegating task.
type Status string

const (
	// StatusActive means the task is executing on its own.
	StatusActive Status = "active"
	// StatusDelegated means the task is paused, waiting on a child.
	StatusDelegated Status = "delegated"
	// StatusCompleted means a child finished the task on its behalf.
	StatusCompleted Status = "completed"
)

// Meta is the delegation record for one task.
type Meta struct {
	TaskID                  string    `json:"task_id"`
	Status                  Status    `json:"status"`
	AwaitingChildID         string    `json:"awaiting_child_id,omitempty"`
	DelegatedToID           string    `json:"delegated_to_id,omitempty"`
	ChildIDs                []string  `json:"child_ids,omitempty"`
	CompletedByChildID      string    `json:"completed_by_child_id,omitempty"`
	CompletionResultSummary string    `json:"completion_result_summary,omitempty"`
	UpdatedAt               time.Time `json:"updated_at"`
}

// HasChild reports whether childID is already recorded.
func (m *Meta) HasChild(childID string) bool {
	for _, id := range m.ChildIDs {
		if id == childID {
			return true
		}
	}
	return false
}

// AddChild appends childID if not already present.
func (m *Meta) AddChild(childID string) {
	if childID == "" || m.HasChild(childID) {
		return
	}
	m.ChildIDs = append(m.ChildIDs, childID)
}

// Clone returns a deep copy.
func (m *Meta) Clone() *Meta {
	out := *m
	out.ChildIDs = append([]string(nil), m.ChildIDs...)
	return &out
}

// ErrTaskNotFound is returned when no delegation record exists for a task.
var ErrTaskNotFound = errors.New("delegation: task not found")

// HandoffError reports a failed handoff write, including whether the
// compensating repair restored a runnable state.
type HandoffError struct {
	TaskID    string
	ChildID   string
	Cause     error // Original write failure
	Repaired  bool
	RepairErr error
}

func (e *HandoffError) Error() string {
	if e.Repaired {
		return fmt.Sprintf("delegation handoff for task %s to child %s failed (state repaired): %v", e.TaskID, e.ChildID, e.Cause)
	}
	return fmt.Sprintf("delegation handoff for task %s to child %s failed (repair also failed: %v): %v", e.TaskID, e.ChildID, e.RepairErr, e.Cause)
}

func (e *HandoffError) Unwrap() error { return e.Cause }
