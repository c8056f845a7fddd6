// Package timeout picks a per-call deadline for a named probe from that
// probe's own recent history.
package timeout

import (
	"log/slog"
	"time"

	"github.com/use-agent/shopmetrics/ledger"
)

// Probe classes with their own clamp bands.
const (
	ClassSimple = "simple" // single-field probes
	ClassHeavy  = "heavy"  // multi-field probes
)

// MinSamples is the history size below which the base timeout is used as is.
const MinSamples = 5

// slowFraction is the share of the base timeout above which a working probe
// gets the extra slowGrowth factor.
const (
	slowFraction = 0.6
	slowGrowth   = 1.1
)

// History is the read side of the performance ledger.
type History interface {
	Window(probe string) []ledger.Sample
}

// Band is an inclusive [Min, Max] clamp.
type Band struct {
	Min time.Duration
	Max time.Duration
}

func (b Band) clamp(d time.Duration) time.Duration {
	if d < b.Min {
		return b.Min
	}
	if d > b.Max {
		return b.Max
	}
	return d
}

// FallbackBand applies to probe classes without a band of their own.
var FallbackBand = Band{Min: 15 * time.Second, Max: 120 * time.Second}

// DefaultBands returns the built-in class bands.
func DefaultBands() map[string]Band {
	return map[string]Band{
		ClassSimple: {Min: 15 * time.Second, Max: 90 * time.Second},
		ClassHeavy:  {Min: 20 * time.Second, Max: 180 * time.Second},
	}
}

// Engine computes adaptive timeouts. A nil *Engine returns base timeouts.
type Engine struct {
	history  History
	bands    map[string]Band
	fallback Band
}

// NewEngine creates an Engine over history. A nil bands map selects
// DefaultBands.
func NewEngine(history History, bands map[string]Band) *Engine {
	if bands == nil {
		bands = DefaultBands()
	}
	return &Engine{history: history, bands: bands, fallback: FallbackBand}
}

// multiplier maps a success rate to the latency multiplier tier.
func multiplier(successRate float64) float64 {
	switch {
	case successRate < 0.2:
		return 6.0
	case successRate < 0.4:
		return 5.0
	case successRate < 0.6:
		return 4.0
	case successRate < 0.8:
		return 3.0
	default:
		return 2.5
	}
}

// Compute returns the timeout for the next call of probe.
//
// With fewer than MinSamples samples the base timeout is returned unchanged.
// Otherwise the mean latency of successful samples is scaled by the success
// rate tier, grown by 10% when it exceeds 60% of base, and clamped into the
// class band. A window without any success yields the band maximum. Compute
// never fails: any internal problem degrades to base.
func (e *Engine) Compute(probe, class string, base time.Duration) (d time.Duration) {
	if e == nil || e.history == nil {
		return base
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("timeout: history unavailable, using base", "probe", probe, "panic", r)
			d = base
		}
	}()

	band, ok := e.bands[class]
	if !ok {
		band = e.fallback
	}
	if base <= 0 {
		base = band.Min
	}

	samples := e.history.Window(probe)
	if len(samples) < MinSamples {
		return base
	}

	var total, okCount int
	var sum time.Duration
	for _, s := range samples {
		if s.Latency < 0 {
			continue
		}
		total++
		if s.OK {
			okCount++
			sum += s.Latency
		}
	}
	if total < MinSamples {
		return base
	}
	if okCount == 0 {
		return band.Max
	}

	successRate := float64(okCount) / float64(total)
	avg := sum / time.Duration(okCount)

	next := time.Duration(float64(avg) * multiplier(successRate))
	if float64(avg) > slowFraction*float64(base) {
		next = time.Duration(float64(next) * slowGrowth)
	}
	return band.clamp(next)
}

// Milliseconds renders d as a positive whole number of milliseconds.
func Milliseconds(d time.Duration) int64 {
	ms := d.Milliseconds()
	if ms < 1 {
		return 1
	}
	return ms
}
