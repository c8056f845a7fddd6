// Package distributor splits the eligible shop pool across workers before
// any of them starts.
package distributor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/use-agent/shopmetrics/models"
)

// Eligible decides whether an item is due for (re)processing.
type Eligible func(models.WorkItem) bool

// Assignment maps worker index to its ordered item list.
type Assignment [][]models.WorkItem

// Sizes returns the number of items per worker.
func (a Assignment) Sizes() []int {
	sizes := make([]int, len(a))
	for i, items := range a {
		sizes[i] = len(items)
	}
	return sizes
}

// Total returns the number of assigned items across all workers.
func (a Assignment) Total() int {
	n := 0
	for _, items := range a {
		n += len(items)
	}
	return n
}

// Partition filters pool through eligible (nil admits everything) and deals
// the survivors round-robin: the k-th eligible item goes to worker k mod n.
// Order within each partition follows pool order and partition sizes differ
// by at most one. An empty pool yields n empty partitions.
func Partition(pool []models.WorkItem, n int, eligible Eligible) Assignment {
	if n < 1 {
		n = 1
	}
	out := make(Assignment, n)
	for i := range out {
		out[i] = []models.WorkItem{}
	}

	k := 0
	for _, item := range pool {
		if eligible != nil && !eligible(item) {
			continue
		}
		out[k%n] = append(out[k%n], item)
		k++
	}
	return out
}

// DueFor is the default eligibility rule: anything that has not reached a
// settled status, plus settled items older than maxAge.
func DueFor(now time.Time, maxAge time.Duration) Eligible {
	cutoff := now.Add(-maxAge)
	return func(item models.WorkItem) bool {
		switch item.Status {
		case models.StatusCompleted, models.StatusNA:
			return item.UpdatedAt.IsZero() || item.UpdatedAt.Before(cutoff)
		default:
			return true
		}
	}
}

// recordedWorker is the on-disk form of one worker's slice.
type recordedWorker struct {
	Worker  int      `json:"worker"`
	IDs     []int64  `json:"ids"`
	Domains []string `json:"domains"`
}

// Record writes the assignment as JSON for observability. The write goes
// through a temp file and rename so readers never see a half-written file.
func Record(path string, a Assignment) error {
	doc := struct {
		CreatedAt time.Time        `json:"created_at"`
		Workers   []recordedWorker `json:"workers"`
	}{CreatedAt: time.Now().UTC()}

	for i, items := range a {
		rw := recordedWorker{Worker: i, IDs: make([]int64, 0, len(items)), Domains: make([]string, 0, len(items))}
		for _, it := range items {
			rw.IDs = append(rw.IDs, it.ID)
			rw.Domains = append(rw.Domains, it.Domain)
		}
		doc.Workers = append(doc.Workers, rw)
	}

	body, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("distributor: marshal assignment: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("distributor: create dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return fmt.Errorf("distributor: write assignment: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("distributor: rename assignment: %w", err)
	}
	return nil
}
