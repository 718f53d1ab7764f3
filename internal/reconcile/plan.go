package reconcile

import (
	"github.com/austindbirch/pallet_sync/internal/domain"
	"github.com/austindbirch/pallet_sync/internal/graph"
)

// Update is a field-level patch staged for one live task
type Update struct {
	TaskID string
	Patch  domain.TaskPatch
	Before domain.Task
	After  domain.Task
}

// SkippedRow is an external row the pass ignored
type SkippedRow struct {
	Index  int
	TaskID string
	Reason string
}

// Plan is the staged result of diffing one snapshot against the live tasks
type Plan struct {
	Inserts []domain.Task
	Updates []Update
	Deletes []string
	Skipped []SkippedRow
}

func (p Plan) Empty() bool {
	return len(p.Inserts) == 0 && len(p.Updates) == 0 && len(p.Deletes) == 0
}

// Diff compares the external snapshot with the live local tasks. Rows with a
// malformed id are skipped. Rows with a valid id but an unreadable field are
// skipped too, yet still count as present so their task is not soft-deleted.
// When an id repeats in the snapshot the first row wins.
func Diff(rows []domain.ExternalRow, local []domain.Task) Plan {
	var plan Plan

	byID := make(map[string]domain.Task, len(local))
	for _, t := range local {
		byID[t.TaskID] = t
	}

	seen := make(map[string]bool, len(rows))
	for _, row := range rows {
		remote, err := graph.RowToTask(row)
		if remote.TaskID == "" {
			plan.Skipped = append(plan.Skipped, SkippedRow{Index: row.Index, Reason: err.Error()})
			continue
		}
		if seen[remote.TaskID] {
			plan.Skipped = append(plan.Skipped, SkippedRow{Index: row.Index, TaskID: remote.TaskID, Reason: "duplicate task id"})
			continue
		}
		seen[remote.TaskID] = true
		if err != nil {
			plan.Skipped = append(plan.Skipped, SkippedRow{Index: row.Index, TaskID: remote.TaskID, Reason: err.Error()})
			continue
		}

		current, ok := byID[remote.TaskID]
		if !ok {
			plan.Inserts = append(plan.Inserts, remote)
			continue
		}
		patch := domain.DiffTask(current, remote)
		if patch.Empty() {
			continue
		}
		after := current
		patch.Apply(&after)
		plan.Updates = append(plan.Updates, Update{TaskID: remote.TaskID, Patch: patch, Before: current, After: after})
	}

	for _, t := range local {
		if !seen[t.TaskID] {
			plan.Deletes = append(plan.Deletes, t.TaskID)
		}
	}
	return plan
}

// EventKind names why an assignee hears about a task
type EventKind string

const (
	EventAssigned  EventKind = "assigned"
	EventStarted   EventKind = "started"
	EventCompleted EventKind = "completed"
)

// Event is a task change that someone should be told about
type Event struct {
	Kind EventKind
	Task domain.Task
}

// Events lists the notifications a plan produces: new tasks with an assignee,
// and status moves into in_progress or done on assigned tasks. Soft-deletes
// notify nobody.
func (p Plan) Events() []Event {
	var out []Event
	for _, t := range p.Inserts {
		if t.AssignedTo != "" {
			out = append(out, Event{Kind: EventAssigned, Task: t})
		}
	}
	for _, u := range p.Updates {
		if u.Patch.Status == nil || u.After.AssignedTo == "" {
			continue
		}
		switch u.After.Status {
		case domain.StatusInProgress:
			out = append(out, Event{Kind: EventStarted, Task: u.After})
		case domain.StatusDone:
			out = append(out, Event{Kind: EventCompleted, Task: u.After})
		}
	}
	return out
}
