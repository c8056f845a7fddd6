package worker

import (
	"time"

	"github.com/use-agent/shopmetrics/models"
)

// Tally counts settled items by status for one run. It is a value: each
// worker returns its own and the caller merges them.
type Tally struct {
	Completed  int           `json:"completed"`
	Partial    int           `json:"partial"`
	NA         int           `json:"na"`
	Failed     int           `json:"failed"`
	Skipped    int           `json:"skipped"` // of Failed, never started (cancellation)
	SinkErrors int           `json:"sink_errors"`
	Elapsed    time.Duration `json:"elapsed"`
}

// Add counts one settled item.
func (t *Tally) Add(s models.Status) {
	switch s {
	case models.StatusCompleted:
		t.Completed++
	case models.StatusPartial:
		t.Partial++
	case models.StatusNA:
		t.NA++
	case models.StatusFailed:
		t.Failed++
	}
}

// Settled is the number of items that reached a terminal status.
func (t Tally) Settled() int {
	return t.Completed + t.Partial + t.NA + t.Failed
}

// Merge adds o into t. Elapsed keeps the longest run, since workers run
// side by side.
func (t *Tally) Merge(o Tally) {
	t.Completed += o.Completed
	t.Partial += o.Partial
	t.NA += o.NA
	t.Failed += o.Failed
	t.Skipped += o.Skipped
	t.SinkErrors += o.SinkErrors
	if o.Elapsed > t.Elapsed {
		t.Elapsed = o.Elapsed
	}
}

// Report is the outcome of one Worker.Run.
type Report struct {
	WorkerID int              `json:"worker_id"`
	Status   models.RunStatus `json:"status"`
	Tally    Tally            `json:"tally"`
	Error    string           `json:"error,omitempty"`
}
