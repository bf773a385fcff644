package client

import (
	"github.com/Jabawack/bay-area-radar/internal/relay"
)

// StepStatus is the display state of one pipeline stage.
type StepStatus string

// Step statuses.
const (
	StepPending  StepStatus = "pending"
	StepRunning  StepStatus = "running"
	StepComplete StepStatus = "complete"
)

// StepView is the progress of one stage as the dashboard shows it.
type StepView struct {
	Stage  string     `json:"node"`
	Label  string     `json:"label"`
	Status StepStatus `json:"status"`
	Count  *int       `json:"count,omitempty"`
}

// StepTracker merges progress frames into one view per stage, in the order
// stages were first seen. It is not safe for concurrent use.
type StepTracker struct {
	order []string
	steps map[string]StepView
}

// NewStepTracker returns an empty tracker.
func NewStepTracker() *StepTracker {
	return &StepTracker{steps: make(map[string]StepView)}
}

// Apply merges msg and reports whether the view changed. Label and count
// follow the latest frame, except that a frame which would move a complete
// stage back to running is ignored.
func (t *StepTracker) Apply(msg relay.ProgressMessage) bool {
	if msg.Node == "" {
		return false
	}
	next := StepView{
		Stage:  msg.Node,
		Label:  msg.Message,
		Status: StepRunning,
		Count:  copyCount(msg.JobsCount),
	}
	if msg.Type == relay.MessageComplete {
		next.Status = StepComplete
	}

	prev, seen := t.steps[msg.Node]
	if !seen {
		t.order = append(t.order, msg.Node)
		t.steps[msg.Node] = next
		return true
	}
	if prev.Status == StepComplete && next.Status != StepComplete {
		return false
	}
	if sameStep(prev, next) {
		return false
	}
	t.steps[msg.Node] = next
	return true
}

// Replace discards every step and installs steps in order.
func (t *StepTracker) Replace(steps []StepView) {
	t.Reset()
	for _, s := range steps {
		if _, dup := t.steps[s.Stage]; !dup {
			t.order = append(t.order, s.Stage)
		}
		s.Count = copyCount(s.Count)
		t.steps[s.Stage] = s
	}
}

// Reset clears the tracker for a new fetch.
func (t *StepTracker) Reset() {
	t.order = t.order[:0]
	clear(t.steps)
}

// Steps returns a copy of the current views.
func (t *StepTracker) Steps() []StepView {
	out := make([]StepView, 0, len(t.order))
	for _, stage := range t.order {
		s := t.steps[stage]
		s.Count = copyCount(s.Count)
		out = append(out, s)
	}
	return out
}

// Len reports how many stages have been seen.
func (t *StepTracker) Len() int {
	return len(t.order)
}

func sameStep(a, b StepView) bool {
	if a.Label != b.Label || a.Status != b.Status {
		return false
	}
	if a.Count == nil || b.Count == nil {
		return a.Count == nil && b.Count == nil
	}
	return *a.Count == *b.Count
}

func copyCount(c *int) *int {
	if c == nil {
		return nil
	}
	v := *c
	return &v
}
