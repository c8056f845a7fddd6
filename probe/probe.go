// Package probe resolves named metrics for one shop domain. Every probe has
// a fast remote-call path and a slower rendered-page path; the runner tries
// them in that fixed order, each under RetryWithBackoff with an adaptive
// per-attempt deadline.
package probe

import (
	"context"
	"log/slog"
	"time"

	"github.com/use-agent/shopmetrics/models"
	"github.com/use-agent/shopmetrics/retry"
	"github.com/use-agent/shopmetrics/timeout"
)

// Path names, also used as ledger key suffixes.
const (
	PathRPC = "rpc"
	PathDOM = "dom"
)

// Func extracts this probe's fields for one item through a single path.
// A returned Fields map with no real value is a soft failure.
type Func func(ctx context.Context, item models.WorkItem, dr models.DateRange) (models.Fields, error)

// Probe is one named metric extraction.
type Probe struct {
	Name    string
	Class   string   // timeout class, see package timeout
	Fields  []string // metric names this probe fills
	Primary bool     // volume metric evaluated before the fan-out

	Remote Func
	DOM    Func
}

// Outcome is the settled result of one probe.
type Outcome struct {
	Probe  string
	Fields models.Fields
	Path   string // path that produced the fields; empty when none did
	Err    error  // last error seen, informational
}

// Found reports whether at least one field holds a real value.
func (o Outcome) Found() bool {
	return o.Fields.Collected() > 0
}

func notFound(o Outcome) bool { return !o.Found() }

// Runner executes probes with retry and fallback.
type Runner struct {
	// Retrier is the policy template; its Timeout is replaced per probe.
	Retrier retry.Retrier

	// Timeouts computes per-attempt deadlines; nil uses the class base.
	Timeouts *timeout.Engine

	// Bases maps probe class to base timeout.
	Bases map[string]time.Duration
}

func (r *Runner) base(class string) time.Duration {
	if d, ok := r.Bases[class]; ok {
		return d
	}
	return 30 * time.Second
}

// Run resolves p for item. It never fails: a probe exhausting both paths
// yields NotFound for each of its fields.
func (r *Runner) Run(ctx context.Context, p Probe, item models.WorkItem, dr models.DateRange) Outcome {
	rt := r.Retrier
	rt.Timeout = func(name string) time.Duration {
		return r.Timeouts.Compute(name, p.Class, r.base(p.Class))
	}

	var lastErr error
	for _, path := range []struct {
		name string
		fn   Func
	}{{PathRPC, p.Remote}, {PathDOM, p.DOM}} {
		if path.fn == nil {
			continue
		}
		key := p.Name + "." + path.name
		fn := path.fn
		out, err := retry.Do(ctx, &rt, key, func(ctx context.Context, _ int) (Outcome, error) {
			fields, err := fn(ctx, item, dr)
			return Outcome{Probe: p.Name, Fields: fields, Path: path.name}, err
		}, notFound)
		if err == nil && out.Found() {
			return r.complete(p, out)
		}
		if err != nil {
			lastErr = err
		}
		if ctx.Err() != nil {
			break
		}
		slog.Info("probe path exhausted",
			"probe", p.Name,
			"path", path.name,
			"domain", item.Domain,
			"error", err,
		)
	}

	out := Outcome{Probe: p.Name, Fields: models.Fields{}, Err: lastErr}
	for _, f := range p.Fields {
		out.Fields[f] = models.NotFound
	}
	return out
}

// complete fills fields the winning path left out with NotFound and drops
// anything the probe does not own.
func (r *Runner) complete(p Probe, out Outcome) Outcome {
	fields := make(models.Fields, len(p.Fields))
	for _, f := range p.Fields {
		if out.Fields.Has(f) {
			fields[f] = out.Fields[f]
		} else {
			fields[f] = models.NotFound
		}
	}
	out.Fields = fields
	return out
}
