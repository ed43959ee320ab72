package delegation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Coordinator applies delegation transitions through the store, keeping a
// disk snapshot of each successful write and repairing parent state when a
// child-completion handoff write fails partway.
type Coordinator struct {
	store     Store
	snapshots *Snapshots
	log       zerolog.Logger
}

func NewCoordinator(store Store, snapshots *Snapshots, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		store:     store,
		snapshots: snapshots,
		log:       log.With().Str("component", "delegation").Logger(),
	}
}

// NewChildID mints an ID for a spawned child task.
func NewChildID() string {
	return "child_" + uuid.NewString()
}

// Start registers a task as active. Safe to call for an existing task.
func (c *Coordinator) Start(ctx context.Context, taskID string) (*Meta, error) {
	meta, err := c.store.Load(ctx, taskID)
	if err == nil {
		return meta, nil
	}
	if !errors.Is(err, ErrTaskNotFound) {
		return nil, err
	}
	meta = &Meta{TaskID: taskID, Status: StatusActive, UpdatedAt: time.Now().UTC()}
	if err := c.persist(ctx, meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// Delegate pauses the parent and hands off to a child. A delegated parent
// awaits exactly one child; re-delegating to the same child is a no-op.
func (c *Coordinator) Delegate(ctx context.Context, parentID, childID string) (*Meta, error) {
	meta, err := c.store.Load(ctx, parentID)
	if errors.Is(err, ErrTaskNotFound) {
		meta = &Meta{TaskID: parentID, Status: StatusActive}
	} else if err != nil {
		return nil, err
	}

	if meta.Status == StatusDelegated {
		if meta.AwaitingChildID == childID {
			return meta, nil
		}
		return nil, fmt.Errorf("task %s already delegated to child %s", parentID, meta.AwaitingChildID)
	}

	meta.Status = StatusDelegated
	meta.AwaitingChildID = childID
	meta.DelegatedToID = childID
	meta.AddChild(childID)
	meta.UpdatedAt = time.Now().UTC()
	if err := c.persist(ctx, meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// CompleteChild records that childID finished its work and returns the
// parent to active. When the handoff write fails, the compensating repair
// rebuilds a runnable parent record and the original failure is surfaced
// as a HandoffError so the child can still complete standalone.
func (c *Coordinator) CompleteChild(ctx context.Context, parentID, childID, resultSummary string) (*Meta, error) {
	meta, err := c.store.Load(ctx, parentID)
	if errors.Is(err, ErrTaskNotFound) && c.snapshots != nil {
		meta, err = c.snapshots.Read(parentID)
	}
	if err != nil {
		return nil, err
	}

	intended := meta.Clone()
	intended.Status = StatusActive
	intended.AwaitingChildID = ""
	intended.DelegatedToID = ""
	intended.AddChild(childID)
	intended.CompletedByChildID = childID
	if resultSummary != "" {
		intended.CompletionResultSummary = resultSummary
	}
	intended.UpdatedAt = time.Now().UTC()

	if err := c.persist(ctx, intended); err != nil {
		c.log.Error().
			Str("task", parentID).
			Str("child", childID).
			Err(err).
			Msg("handoff write failed, repairing delegation state")
		return nil, c.repair(ctx, parentID, childID, intended, err)
	}
	return intended, nil
}

// Finish marks a task completed outright. Used for tasks that end on their
// own rather than through a child handoff.
func (c *Coordinator) Finish(ctx context.Context, taskID, summary string) (*Meta, error) {
	meta, err := c.store.Load(ctx, taskID)
	if err != nil {
		return nil, err
	}
	meta.Status = StatusCompleted
	meta.AwaitingChildID = ""
	meta.DelegatedToID = ""
	if summary != "" {
		meta.CompletionResultSummary = summary
	}
	meta.UpdatedAt = time.Now().UTC()
	if err := c.persist(ctx, meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// persist writes to the store and mirrors the record into the snapshot
// directory. Snapshot failures are logged, not fatal; the store is the
// source of truth.
func (c *Coordinator) persist(ctx context.Context, meta *Meta) error {
	if err := c.store.Save(ctx, meta); err != nil {
		return err
	}
	if c.snapshots != nil {
		if err := c.snapshots.Write(meta); err != nil {
			c.log.Warn().Str("task", meta.TaskID).Err(err).Msg("snapshot write failed")
		}
	}
	return nil
}

// repair is the compensation step for a failed handoff write. It is an
// idempotent saga step: repeated repairs converge on the same record.
//
//   - Re-read the store; when the row is gone, fall back to the disk
//     snapshot; when both are gone, rebuild from the in-flight intent.
//   - Union the child list from every source so no spawned child is lost.
//   - Force status back to active and clear the awaited child so the
//     parent is never stuck in delegated with no path back.
//   - Leave previously recorded completion fields untouched; the failing
//     completion is reported through the error, not written here.
//
// The returned error always carries the ORIGINAL write failure.
func (c *Coordinator) repair(ctx context.Context, parentID, childID string, intended *Meta, cause error) error {
	herr := &HandoffError{TaskID: parentID, ChildID: childID, Cause: cause}

	baseline, err := c.store.Load(ctx, parentID)
	if errors.Is(err, ErrTaskNotFound) && c.snapshots != nil {
		baseline, err = c.snapshots.Read(parentID)
	}
	if err != nil {
		baseline = intended.Clone()
		baseline.CompletedByChildID = ""
		baseline.CompletionResultSummary = ""
	}

	repaired := baseline.Clone()
	for _, id := range intended.ChildIDs {
		repaired.AddChild(id)
	}
	repaired.Status = StatusActive
	repaired.AwaitingChildID = ""
	repaired.DelegatedToID = ""
	repaired.UpdatedAt = time.Now().UTC()

	if err := c.persist(ctx, repaired); err != nil {
		herr.RepairErr = err
		return herr
	}
	herr.Repaired = true
	return herr
}
