package domain

import (
	"slices"
	"strings"
	"time"
)

// TaskStatus is the lifecycle state of a pallet work item
type TaskStatus string

const (
	StatusNew        TaskStatus = "new"
	StatusInProgress TaskStatus = "in_progress"
	StatusDone       TaskStatus = "done"
)

// ParseTaskStatus maps the loose spellings found in the external table onto a TaskStatus
func ParseTaskStatus(s string) (TaskStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "new", "not started", "todo":
		return StatusNew, true
	case "in_progress", "in progress", "in-progress", "started":
		return StatusInProgress, true
	case "done", "complete", "completed", "made":
		return StatusDone, true
	default:
		return "", false
	}
}

// Task is the canonical pallet work item
type Task struct {
	TaskID        string     `json:"task_id"`
	JobNumber     string     `json:"job_number"`
	ReleaseNumber string     `json:"release_number"`
	PalletNumber  string     `json:"pallet_number"`
	Size          string     `json:"size,omitempty"`
	Elevation     string     `json:"elevation,omitempty"`
	Status        TaskStatus `json:"status"`
	AssignedTo    string     `json:"assigned_to,omitempty"`
	DueDate       string     `json:"due_date,omitempty"` // YYYY-MM-DD
	Accessories   []string   `json:"accessories,omitempty"`
	ShippedDate   string     `json:"shipped_date,omitempty"` // YYYY-MM-DD
	Notes         string     `json:"notes,omitempty"`
	Deleted       bool       `json:"deleted"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// TaskPatch carries only the syncable fields that changed. Nil means untouched.
type TaskPatch struct {
	JobNumber     *string
	ReleaseNumber *string
	PalletNumber  *string
	Size          *string
	Elevation     *string
	Status        *TaskStatus
	AssignedTo    *string
	DueDate       *string
	Accessories   *[]string
	ShippedDate   *string
	Notes         *string
}

// DiffTask compares the syncable fields of two tasks and returns the patch that
// turns local into remote.
func DiffTask(local, remote Task) TaskPatch {
	var p TaskPatch
	diffString(&p.JobNumber, local.JobNumber, remote.JobNumber)
	diffString(&p.ReleaseNumber, local.ReleaseNumber, remote.ReleaseNumber)
	diffString(&p.PalletNumber, local.PalletNumber, remote.PalletNumber)
	diffString(&p.Size, local.Size, remote.Size)
	diffString(&p.Elevation, local.Elevation, remote.Elevation)
	if local.Status != remote.Status {
		s := remote.Status
		p.Status = &s
	}
	diffString(&p.AssignedTo, local.AssignedTo, remote.AssignedTo)
	diffString(&p.DueDate, local.DueDate, remote.DueDate)
	if !slices.Equal(normalizeList(local.Accessories), normalizeList(remote.Accessories)) {
		a := slices.Clone(normalizeList(remote.Accessories))
		p.Accessories = &a
	}
	diffString(&p.ShippedDate, local.ShippedDate, remote.ShippedDate)
	diffString(&p.Notes, local.Notes, remote.Notes)
	return p
}

func diffString(dst **string, local, remote string) {
	if local != remote {
		v := remote
		*dst = &v
	}
}

// normalizeList treats nil and empty slices as equal
func normalizeList(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	return in
}

// Empty reports whether the patch changes nothing
func (p TaskPatch) Empty() bool {
	return len(p.Fields()) == 0
}

// Fields lists the column names touched by the patch, in a stable order
func (p TaskPatch) Fields() []string {
	var out []string
	if p.JobNumber != nil {
		out = append(out, "job_number")
	}
	if p.ReleaseNumber != nil {
		out = append(out, "release_number")
	}
	if p.PalletNumber != nil {
		out = append(out, "pallet_number")
	}
	if p.Size != nil {
		out = append(out, "size")
	}
	if p.Elevation != nil {
		out = append(out, "elevation")
	}
	if p.Status != nil {
		out = append(out, "status")
	}
	if p.AssignedTo != nil {
		out = append(out, "assigned_to")
	}
	if p.DueDate != nil {
		out = append(out, "due_date")
	}
	if p.Accessories != nil {
		out = append(out, "accessories")
	}
	if p.ShippedDate != nil {
		out = append(out, "shipped_date")
	}
	if p.Notes != nil {
		out = append(out, "notes")
	}
	return out
}

// Apply writes the patched fields onto t
func (p TaskPatch) Apply(t *Task) {
	if p.JobNumber != nil {
		t.JobNumber = *p.JobNumber
	}
	if p.ReleaseNumber != nil {
		t.ReleaseNumber = *p.ReleaseNumber
	}
	if p.PalletNumber != nil {
		t.PalletNumber = *p.PalletNumber
	}
	if p.Size != nil {
		t.Size = *p.Size
	}
	if p.Elevation != nil {
		t.Elevation = *p.Elevation
	}
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.AssignedTo != nil {
		t.AssignedTo = *p.AssignedTo
	}
	if p.DueDate != nil {
		t.DueDate = *p.DueDate
	}
	if p.Accessories != nil {
		t.Accessories = slices.Clone(*p.Accessories)
	}
	if p.ShippedDate != nil {
		t.ShippedDate = *p.ShippedDate
	}
	if p.Notes != nil {
		t.Notes = *p.Notes
	}
}

// ExternalRow is one row of the external table as returned by the gateway
type ExternalRow struct {
	Index  int
	ID     string
	Values []string
}
