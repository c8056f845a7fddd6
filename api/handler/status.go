package handler

import (
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/use-agent/shopmetrics/authlock"
	"github.com/use-agent/shopmetrics/ledger"
	"github.com/use-agent/shopmetrics/worker"
)

// Run is the read-only view of the current run served by the API.
type Run struct {
	ID        string
	DateRange string
	StartedAt time.Time

	Assigned []int // partition sizes by worker id
	Board    *worker.Board
	Lock     *authlock.Manager // optional
	Ledger   *ledger.Ledger    // optional

	MaxPages    int
	ActivePages func() int // optional
}

// StatusResponse is the response for GET /api/v1/status.
type StatusResponse struct {
	RunID     string            `json:"run_id"`
	DateRange string            `json:"date_range"`
	StartedAt time.Time         `json:"started_at"`
	Assigned  []int             `json:"assigned"`
	Workers   []worker.Progress `json:"workers"`
	Totals    worker.Tally      `json:"totals"`
	Lock      *authlock.Token   `json:"lock,omitempty"`
}

// Status returns a handler for GET /api/v1/status.
func Status(run *Run) gin.HandlerFunc {
	return func(c *gin.Context) {
		resp := StatusResponse{
			RunID:     run.ID,
			DateRange: run.DateRange,
			StartedAt: run.StartedAt,
			Assigned:  run.Assigned,
			Workers:   run.Board.Snapshot(),
			Totals:    run.Board.Totals(),
		}
		if resp.Workers == nil {
			resp.Workers = []worker.Progress{}
		}
		if run.Lock != nil {
			if tok, ok := run.Lock.Current(); ok {
				resp.Lock = &tok
			}
		}
		c.JSON(http.StatusOK, resp)
	}
}

// Ledger returns a handler for GET /api/v1/ledger: per-probe window stats
// sorted by probe name.
func Ledger(run *Run) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats := []ledger.Stats{}
		if run.Ledger != nil {
			stats = run.Ledger.Snapshot()
			sort.Slice(stats, func(i, j int) bool { return stats[i].Probe < stats[j].Probe })
		}
		c.JSON(http.StatusOK, gin.H{"probes": stats})
	}
}
