// Package ledger keeps a rolling window of probe outcomes per probe name.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultWindow is the number of samples retained per probe.
const DefaultWindow = 20

// Sample is one recorded probe attempt.
type Sample struct {
	Probe   string        `json:"probe"`
	OK      bool          `json:"ok"`
	Latency time.Duration `json:"latency_ns"`
	At      time.Time     `json:"at"`
}

// Ledger is an append-only, bounded history of probe samples.
// It is safe for concurrent use.
type Ledger struct {
	mu      sync.RWMutex
	window  int
	samples map[string][]Sample // probe -> oldest..newest
}

// New creates an empty Ledger retaining window samples per probe.
func New(window int) *Ledger {
	if window < 1 {
		window = DefaultWindow
	}
	return &Ledger{
		window:  window,
		samples: make(map[string][]Sample),
	}
}

// Record appends s, evicting the oldest sample for s.Probe when the window
// is full.
func (l *Ledger) Record(s Sample) {
	if s.At.IsZero() {
		s.At = time.Now()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	buf := append(l.samples[s.Probe], s)
	if over := len(buf) - l.window; over > 0 {
		buf = append(buf[:0:0], buf[over:]...)
	}
	l.samples[s.Probe] = buf
}

// Window returns a copy of the retained samples for probe, oldest first.
func (l *Ledger) Window(probe string) []Sample {
	l.mu.RLock()
	defer l.mu.RUnlock()
	buf := l.samples[probe]
	out := make([]Sample, len(buf))
	copy(out, buf)
	return out
}

// Stats summarises a probe's window.
type Stats struct {
	Probe       string        `json:"probe"`
	Samples     int           `json:"samples"`
	SuccessRate float64       `json:"success_rate"`
	AvgLatency  time.Duration `json:"avg_latency_ns"`
}

// Snapshot returns per-probe statistics for every probe with history.
func (l *Ledger) Snapshot() []Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Stats, 0, len(l.samples))
	for probe, buf := range l.samples {
		st := Stats{Probe: probe, Samples: len(buf)}
		var ok int
		var sum time.Duration
		for _, s := range buf {
			if s.OK {
				ok++
				sum += s.Latency
			}
		}
		if len(buf) > 0 {
			st.SuccessRate = float64(ok) / float64(len(buf))
		}
		if ok > 0 {
			st.AvgLatency = sum / time.Duration(ok)
		}
		out = append(out, st)
	}
	return out
}

// Save writes the whole ledger as JSON, replacing path atomically.
func (l *Ledger) Save(path string) error {
	l.mu.RLock()
	body, err := json.Marshal(l.samples)
	l.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("ledger: marshal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("ledger: create dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return fmt.Errorf("ledger: write: %w", err)
	}
	return os.Rename(tmp, path)
}

// Load merges samples previously written by Save. A missing file is not an
// error; malformed samples are skipped.
func (l *Ledger) Load(path string) error {
	body, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("ledger: read: %w", err)
	}
	var stored map[string][]Sample
	if err := json.Unmarshal(body, &stored); err != nil {
		return fmt.Errorf("ledger: decode: %w", err)
	}
	for probe, buf := range stored {
		for _, s := range buf {
			if s.Latency < 0 {
				continue
			}
			s.Probe = probe
			l.Record(s)
		}
	}
	return nil
}
