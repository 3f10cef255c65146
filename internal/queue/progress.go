package queue

import (
	"github.com/leozw/site-healer/internal/core"
)

const maxProgressErrors = 20

// Tracker accumulates the counters of one running task.
type Tracker struct {
	p core.TaskProgress
}

func NewTracker(taskID string, kind core.TaskKind, total int) *Tracker {
	return &Tracker{p: core.TaskProgress{TaskID: taskID, Kind: kind, Status: core.TaskRunning, Total: total}}
}

func (t *Tracker) SetTotal(total int) {
	t.p.Total = total
	t.p.Percent = percent(t.p.Processed, t.p.Total)
}

// Step records one processed item. A non-nil err counts as a failure; only
// the first maxProgressErrors messages are kept.
func (t *Tracker) Step(err error) {
	t.p.Processed++
	if err != nil {
		t.p.Failed++
		if len(t.p.Errors) < maxProgressErrors {
			t.p.Errors = append(t.p.Errors, err.Error())
		}
	}
	t.p.Percent = percent(t.p.Processed, t.p.Total)
}

// Finish marks the task completed, or failed when err is set.
func (t *Tracker) Finish(err error) {
	t.p.Status = core.TaskCompleted
	t.p.Percent = 100
	if err != nil {
		t.p.Status = core.TaskFailed
		t.p.Errors = append(t.p.Errors, err.Error())
	}
}

func (t *Tracker) Snapshot() *core.TaskProgress {
	p := t.p
	p.Errors = append([]string(nil), t.p.Errors...)
	return &p
}

func percent(done, total int) int {
	if total <= 0 {
		return 0
	}
	if done >= total {
		return 100
	}
	return done * 100 / total
}
