// Package worker runs one worker's share of a run: the auth gate once, then
// every assigned item through the probe pipeline, the classifier and the
// result sink, strictly in assignment order.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/use-agent/shopmetrics/classify"
	"github.com/use-agent/shopmetrics/models"
	"github.com/use-agent/shopmetrics/probe"
	"github.com/use-agent/shopmetrics/sink"
)

// sinkGrace bounds a result write that happens after the run context was
// cancelled.
const sinkGrace = 10 * time.Second

// ProbeRunner resolves one probe for one item (see probe.Runner).
type ProbeRunner interface {
	Run(ctx context.Context, p probe.Probe, item models.WorkItem, dr models.DateRange) probe.Outcome
}

// Deps are the collaborators of a Worker.
type Deps struct {
	Gate   Gate
	Auth   Authenticator
	Runner ProbeRunner
	Probes []probe.Probe
	Sink   sink.Sink
	Board  *Board // optional
}

// Options tune a Worker.
type Options struct {
	ID int

	PollInterval time.Duration // auth wait poll, default 5s
	WaitCeiling  time.Duration // auth wait ceiling, default 300s

	// NAThreshold is the primary metric floor; below it the item is na.
	NAThreshold float64

	// Required lists the metrics an item needs to be completed. Empty
	// means every field of every probe.
	Required []string

	// ProbeParallelism bounds the fan-out; <1 means unbounded.
	ProbeParallelism int

	// SessionSince is the earliest save time of a session a dependent
	// worker will adopt. Zero means the start of Run.
	SessionSince time.Time
}

// Worker processes one assignment.
type Worker struct {
	deps  Deps
	opts  Options
	log   *slog.Logger
	board *Board

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Worker.
func New(deps Deps, opts Options) *Worker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.WaitCeiling <= 0 {
		opts.WaitCeiling = 300 * time.Second
	}
	if len(opts.Required) == 0 {
		for _, p := range deps.Probes {
			opts.Required = append(opts.Required, p.Fields...)
		}
	}
	return &Worker{
		deps:  deps,
		opts:  opts,
		log:   slog.With("worker", opts.ID),
		board: deps.Board,
		now:   time.Now,
		sleep: sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run authenticates, then settles every item in order. The report status is
// failed only when authentication fails or ctx is cancelled; item-level
// problems never abort the run.
func (w *Worker) Run(ctx context.Context, items []models.WorkItem, dr models.DateRange) (Report, error) {
	start := w.now()
	report := Report{WorkerID: w.opts.ID, Status: models.RunCompleted}
	w.board.update(w.opts.ID, func(p *Progress) {
		p.Phase = PhaseStarting
		p.Assigned = len(items)
	})
	defer func() {
		report.Tally.Elapsed = w.now().Sub(start)
		w.board.update(w.opts.ID, func(p *Progress) {
			p.Phase = PhaseDone
			p.Tally = report.Tally
			p.RunStatus = string(report.Status)
		})
	}()

	w.log.Info("worker starting", "items", len(items), "date", dr.String())

	if err := w.authenticate(ctx, start); err != nil {
		report.Status = models.RunFailed
		report.Error = err.Error()
		return report, err
	}

	w.board.update(w.opts.ID, func(p *Progress) { p.Phase = PhaseRunning })
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			w.abandon(ctx, items[i:], dr, err, &report)
			report.Status = models.RunFailed
			report.Error = err.Error()
			w.log.Warn("run cancelled", "skipped", report.Tally.Skipped)
			return report, err
		}
		w.record(ctx, w.processItem(ctx, item, dr), &report)
	}

	w.log.Info("worker finished",
		"completed", report.Tally.Completed,
		"partial", report.Tally.Partial,
		"na", report.Tally.NA,
		"failed", report.Tally.Failed,
		"sink_errors", report.Tally.SinkErrors,
	)
	return report, nil
}

// record counts and writes one settled result.
func (w *Worker) record(ctx context.Context, res models.ClassifiedResult, report *Report) {
	report.Tally.Add(res.Status)
	if err := w.write(ctx, res); err != nil {
		report.Tally.SinkErrors++
		w.log.Error("result sink write failed", "item", res.ItemID, "domain", res.Domain, "error", err)
	}
	w.board.update(w.opts.ID, func(p *Progress) {
		p.ItemStatus = res.Status
		p.Tally = report.Tally
	})
}

// abandon settles items that never started as failed with cause, so every
// assigned item still gets one result.
func (w *Worker) abandon(ctx context.Context, items []models.WorkItem, dr models.DateRange, cause error, report *Report) {
	for _, item := range items {
		flags := classify.Flags{PipelineErr: models.NewError(models.ErrCodeItemPipeline, "run cancelled before the item started", cause)}
		report.Tally.Skipped++
		w.record(ctx, w.settle(item, dr, models.Fields{}, flags), report)
	}
}

func (w *Worker) write(ctx context.Context, res models.ClassifiedResult) error {
	if w.deps.Sink == nil {
		return nil
	}
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), sinkGrace)
		defer cancel()
	}
	return w.deps.Sink.Write(ctx, res)
}

// processItem takes one item from extracting to a terminal status. Nothing
// escapes it: a panic becomes a pipeline error on the result.
func (w *Worker) processItem(ctx context.Context, item models.WorkItem, dr models.DateRange) (res models.ClassifiedResult) {
	log := w.log.With("item", item.ID, "domain", item.Domain)
	started := w.now()
	w.board.update(w.opts.ID, func(p *Progress) {
		p.CurrentItem = item.ID
		p.ItemStatus = models.StatusExtracting
	})
	log.Debug("item extracting")

	fields := models.Fields{}
	defer func() {
		if r := recover(); r != nil {
			err := models.NewError(models.ErrCodeItemPipeline, fmt.Sprintf("item pipeline panicked: %v", r), nil)
			log.Error("item pipeline panicked", "panic", r)
			res = w.settle(item, dr, fields, classify.Flags{PipelineErr: err})
		}
		log.Info("item settled",
			"status", res.Status,
			"collected", res.Fields.Collected(),
			"elapsed", w.now().Sub(started).Round(time.Millisecond),
		)
	}()

	var flags classify.Flags
	rest := w.deps.Probes
	if primary, idx, ok := w.primary(); ok {
		out := w.runProbe(ctx, primary, item, dr)
		fields.Merge(out.Fields)
		if w.belowFloor(out, primary) {
			log.Info("primary metric below threshold, skipping remaining probes", "threshold", w.opts.NAThreshold)
			flags.ShortCircuit = true
			return w.settle(item, dr, fields, flags)
		}
		rest = without(w.deps.Probes, idx)
	}

	outs := w.fanOut(ctx, rest, item, dr)
	for _, out := range outs {
		fields.Merge(out.Fields)
	}
	if err := ctx.Err(); err != nil {
		flags.PipelineErr = models.NewError(models.ErrCodeItemPipeline, "run cancelled mid-item", err)
	}
	return w.settle(item, dr, fields, flags)
}

func (w *Worker) primary() (probe.Probe, int, bool) {
	for i, p := range w.deps.Probes {
		if p.Primary {
			return p, i, true
		}
	}
	return probe.Probe{}, -1, false
}

func without(ps []probe.Probe, idx int) []probe.Probe {
	out := make([]probe.Probe, 0, len(ps)-1)
	out = append(out, ps[:idx]...)
	return append(out, ps[idx+1:]...)
}

// belowFloor reports whether the primary probe resolved to a number under
// the threshold. An unresolved or unparsable value is not below it.
func (w *Worker) belowFloor(out probe.Outcome, p probe.Probe) bool {
	if len(p.Fields) == 0 || !out.Fields.Has(p.Fields[0]) {
		return false
	}
	v, err := probe.ParseQuantity(out.Fields[p.Fields[0]])
	if err != nil {
		w.log.Warn("primary metric is not a number", "value", out.Fields[p.Fields[0]], "error", err)
		return false
	}
	return v < w.opts.NAThreshold
}

// fanOut runs ps concurrently and waits for all of them. Each probe is
// isolated: a panic yields a NotFound outcome for that probe only.
func (w *Worker) fanOut(ctx context.Context, ps []probe.Probe, item models.WorkItem, dr models.DateRange) []probe.Outcome {
	outs := make([]probe.Outcome, len(ps))
	var g errgroup.Group
	if w.opts.ProbeParallelism > 0 {
		g.SetLimit(w.opts.ProbeParallelism)
	}
	for i, p := range ps {
		g.Go(func() error {
			outs[i] = w.runProbe(ctx, p, item, dr)
			return nil
		})
	}
	_ = g.Wait()
	return outs
}

func (w *Worker) runProbe(ctx context.Context, p probe.Probe, item models.WorkItem, dr models.DateRange) (out probe.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("probe panicked", "probe", p.Name, "item", item.ID, "panic", r)
			out = probe.Outcome{Probe: p.Name, Fields: models.Fields{}, Err: fmt.Errorf("probe %s panicked: %v", p.Name, r)}
			for _, f := range p.Fields {
				out.Fields[f] = models.NotFound
			}
		}
	}()
	out = w.deps.Runner.Run(ctx, p, item, dr)
	if errors.Is(out.Err, models.ErrSessionExpired) {
		w.log.Warn("portal session looks expired", "probe", p.Name, "item", item.ID)
	}
	return out
}

// settle classifies fields and builds the immutable result. Every required
// metric appears in the result, NotFound when it was never resolved.
func (w *Worker) settle(item models.WorkItem, dr models.DateRange, fields models.Fields, flags classify.Flags) models.ClassifiedResult {
	final := make(models.Fields, len(fields)+len(w.opts.Required))
	for _, name := range w.opts.Required {
		final[name] = models.NotFound
	}
	final.Merge(fields)

	res := models.ClassifiedResult{
		ItemID:     item.ID,
		Domain:     item.Domain,
		Fields:     final,
		Status:     classify.Classify(w.opts.Required, final, flags),
		DateRange:  dr.String(),
		WorkerID:   w.opts.ID,
		FinishedAt: w.now().UTC(),
	}
	if flags.PipelineErr != nil {
		res.Error = flags.PipelineErr.Error()
	}
	return res
}
