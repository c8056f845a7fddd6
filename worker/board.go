package worker

import (
	"sort"
	"sync"
	"time"

	"github.com/use-agent/shopmetrics/models"
)

// Worker phases shown on the Board.
const (
	PhaseStarting    = "starting"
	PhaseAuthWaiting = "auth_waiting"
	PhaseLoggingIn   = "logging_in"
	PhaseRunning     = "running"
	PhaseDone        = "done"
)

// Progress is one worker's live state.
type Progress struct {
	WorkerID    int           `json:"worker_id"`
	Phase       string        `json:"phase"`
	Assigned    int           `json:"assigned"`
	CurrentItem int64         `json:"current_item,omitempty"`
	ItemStatus  models.Status `json:"item_status,omitempty"`
	Tally       Tally         `json:"tally"`
	RunStatus   string        `json:"run_status,omitempty"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Board collects live progress from every worker in the process. A nil
// *Board ignores updates.
type Board struct {
	mu      sync.RWMutex
	workers map[int]Progress
	now     func() time.Time
}

// NewBoard returns an empty Board.
func NewBoard() *Board {
	return &Board{workers: map[int]Progress{}, now: time.Now}
}

func (b *Board) update(id int, fn func(*Progress)) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.workers[id]
	if !ok {
		p = Progress{WorkerID: id}
	}
	fn(&p)
	p.UpdatedAt = b.now()
	b.workers[id] = p
}

// Snapshot returns every worker's progress ordered by id.
func (b *Board) Snapshot() []Progress {
	if b == nil {
		return nil
	}
	b.mu.RLock()
	out := make([]Progress, 0, len(b.workers))
	for _, p := range b.workers {
		out = append(out, p)
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out
}

// Totals merges the tallies of every worker.
func (b *Board) Totals() Tally {
	var t Tally
	for _, p := range b.Snapshot() {
		t.Merge(p.Tally)
	}
	return t
}
