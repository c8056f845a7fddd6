package models

import "time"

// NotFound is the field value recorded when a probe could not resolve a
// metric on any path.
const NotFound = "not found"

// Status is the lifecycle state of a WorkItem within one run.
type Status string

const (
	StatusPending    Status = "pending"
	StatusExtracting Status = "extracting"
	StatusCompleted  Status = "completed"
	StatusPartial    Status = "partial"
	StatusNA         Status = "na"
	StatusFailed     Status = "failed"
)

// Terminal reports whether s is one of the four final item statuses.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusPartial, StatusNA, StatusFailed:
		return true
	}
	return false
}

// RunStatus is the final outcome of one worker's run.
type RunStatus string

const (
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// WorkItem is one shop domain due for metric extraction.
type WorkItem struct {
	ID        int64     `json:"id"`
	Domain    string    `json:"domain"`
	Status    Status    `json:"status,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Fields maps metric names to extracted values or NotFound.
type Fields map[string]string

// Has reports whether name holds a real value (present and not NotFound).
func (f Fields) Has(name string) bool {
	v, ok := f[name]
	return ok && v != "" && v != NotFound
}

// Collected returns the number of fields holding a real value.
func (f Fields) Collected() int {
	n := 0
	for name := range f {
		if f.Has(name) {
			n++
		}
	}
	return n
}

// Merge copies every entry of other into f, overwriting existing keys.
func (f Fields) Merge(other Fields) {
	for k, v := range other {
		f[k] = v
	}
}

// ClassifiedResult is the immutable outcome handed to the result sink.
type ClassifiedResult struct {
	ItemID     int64     `json:"item_id"`
	Domain     string    `json:"domain"`
	Fields     Fields    `json:"fields"`
	Status     Status    `json:"status"`
	DateRange  string    `json:"date_range"`
	WorkerID   int       `json:"worker_id"`
	Error      string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}
