package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/use-agent/shopmetrics/api"
	"github.com/use-agent/shopmetrics/api/handler"
	"github.com/use-agent/shopmetrics/authlock"
	"github.com/use-agent/shopmetrics/cache"
	"github.com/use-agent/shopmetrics/config"
	"github.com/use-agent/shopmetrics/distributor"
	"github.com/use-agent/shopmetrics/ledger"
	"github.com/use-agent/shopmetrics/models"
	"github.com/use-agent/shopmetrics/portal"
	"github.com/use-agent/shopmetrics/probe"
	"github.com/use-agent/shopmetrics/report"
	"github.com/use-agent/shopmetrics/retry"
	"github.com/use-agent/shopmetrics/session"
	"github.com/use-agent/shopmetrics/sink"
	"github.com/use-agent/shopmetrics/store"
	"github.com/use-agent/shopmetrics/timeout"
	"github.com/use-agent/shopmetrics/webhook"
	"github.com/use-agent/shopmetrics/worker"
)

// app holds everything a run shares between its workers.
type app struct {
	cfg     *config.Config
	runID   string
	started time.Time
	since   time.Time // oldest shared session a dependent worker adopts
	dr      models.DateRange

	db      *store.Store // nil without a DSN
	catalog probe.Catalog
	assign  distributor.Assignment
	sinks   sink.Multi
	rpc     *cache.Cache // shared by every worker's portal client
	closers []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// prepare loads the item pool, partitions it and opens the sinks.
func prepare(ctx context.Context, cfg *config.Config, record bool) (*app, error) {
	a := &app{
		cfg:     cfg,
		runID:   uuid.NewString(),
		started: time.Now(),
		dr:      models.DefaultDateRange(time.Now()),
		rpc:     cache.New(cfg.RateLimit.CacheEntries, cfg.RateLimit.CacheTTL),
	}
	a.since = a.started

	if cfg.Sink.PostgresDSN != "" {
		db, err := store.Open(ctx, store.Options{
			DSN:        cfg.Sink.PostgresDSN,
			Schema:     cfg.Sink.PostgresSchema,
			MaxConns:   cfg.Sink.PostgresMaxConns,
			ViaBouncer: cfg.Sink.ViaBouncer,
		})
		if err != nil {
			return nil, err
		}
		a.db = db
		a.closers = append(a.closers, db.Close)
	}

	items, err := a.loadItems(ctx)
	if err != nil {
		a.close()
		return nil, err
	}
	a.assign = distributor.Partition(items, cfg.Workers.Count, distributor.DueFor(a.started, cfg.Workers.RecheckAfter))
	slog.Info("work partitioned",
		"run_id", a.runID,
		"pool", len(items),
		"eligible", a.assign.Total(),
		"sizes", a.assign.Sizes(),
		"date", a.dr.String(),
	)
	if record && cfg.Workers.AssignmentFile != "" {
		if err := distributor.Record(cfg.Workers.AssignmentFile, a.assign); err != nil {
			slog.Warn("could not record assignment", "path", cfg.Workers.AssignmentFile, "error", err)
		}
	}

	a.catalog = probe.DefaultCatalog()
	if cfg.Portal.CatalogPath != "" {
		cat, err := probe.LoadCatalog(cfg.Portal.CatalogPath)
		if err != nil {
			a.close()
			return nil, err
		}
		a.catalog = cat
		slog.Info("probe catalog loaded", "path", cfg.Portal.CatalogPath, "probes", len(cat))
	}

	if cfg.Sink.JSONLPath != "" {
		j, err := sink.OpenJSONL(cfg.Sink.JSONLPath)
		if err != nil {
			a.close()
			return nil, err
		}
		a.sinks = append(a.sinks, j)
		a.closers = append(a.closers, func() {
			if err := j.Close(); err != nil {
				slog.Warn("closing results file failed", "error", err)
			}
		})
	}
	if a.db != nil {
		a.sinks = append(a.sinks, a.db)
	}
	if len(a.sinks) == 0 {
		slog.Warn("no result sink configured, results are only logged")
	}
	return a, nil
}

func (a *app) loadItems(ctx context.Context) ([]models.WorkItem, error) {
	if a.db != nil {
		return a.db.LoadItems(ctx)
	}
	return store.LoadItemsFile(a.cfg.Workers.ItemsFile)
}

// build wires worker id against a shared browser and ledger.
func (a *app) build(id int, b *session.Browser, l *ledger.Ledger, board *worker.Board) (*worker.Worker, error) {
	cfg := a.cfg
	holder := fmt.Sprintf("worker-%d-%s", id, a.runID[:8])

	sess := session.New(b, cfg.Portal, holder)

	opts := []portal.Option{
		portal.WithRateLimit(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst),
		portal.WithCache(a.rpc),
	}
	if cfg.Browser.DefaultProxy != "" {
		u, err := url.Parse(cfg.Browser.DefaultProxy)
		if err != nil {
			return nil, models.NewError(models.ErrCodeInvalidInput, "parse proxy url", err)
		}
		opts = append(opts, portal.WithProxy(u))
	}
	client := portal.New(cfg.Portal.BaseURL, cfg.Portal.RPCPath, sess, opts...)

	probes, err := a.catalog.Build(probe.Env{
		Caller:    client,
		Inspector: sess,
		BaseURL:   cfg.Portal.BaseURL,
		Database:  cfg.Portal.Database,
	})
	if err != nil {
		return nil, err
	}

	engine := timeout.NewEngine(l, map[string]timeout.Band{
		timeout.ClassSimple: {Min: cfg.Timeout.SimpleMin, Max: cfg.Timeout.SimpleMax},
		timeout.ClassHeavy:  {Min: cfg.Timeout.HeavyMin, Max: cfg.Timeout.HeavyMax},
	})
	runner := &probe.Runner{
		Retrier:  retry.Retrier{MaxRetries: cfg.Retry.MaxRetries, BaseDelay: cfg.Retry.BaseDelay, Ledger: l},
		Timeouts: engine,
		Bases: map[string]time.Duration{
			timeout.ClassSimple: cfg.Timeout.SimpleBase,
			timeout.ClassHeavy:  cfg.Timeout.HeavyBase,
		},
	}

	var out sink.Sink = a.sinks
	if len(a.sinks) == 0 {
		out = sink.Func(func(_ context.Context, r models.ClassifiedResult) error {
			slog.Info("result", "item", r.ItemID, "domain", r.Domain, "status", r.Status, "fields", r.Fields)
			return nil
		})
	}

	return worker.New(worker.Deps{
		Gate:   authlock.New(cfg.Lock.Dir, holder, cfg.Lock.StaleAfter),
		Auth:   sess,
		Runner: runner,
		Probes: probes,
		Sink:   out,
		Board:  board,
	}, worker.Options{
		ID:               id,
		PollInterval:     cfg.Lock.PollInterval,
		WaitCeiling:      cfg.Lock.WaitCeiling,
		NAThreshold:      cfg.Workers.NAThreshold,
		Required:         a.catalog.Required(),
		ProbeParallelism: cfg.Workers.ProbeParallelism,
		SessionSince:     a.since,
	}), nil
}

func loadLedger(cfg config.LedgerConfig, path string) *ledger.Ledger {
	l := ledger.New(cfg.Window)
	if path == "" {
		return l
	}
	if err := l.Load(path); err != nil {
		slog.Warn("ledger history unreadable, starting cold", "path", path, "error", err)
	}
	return l
}

func saveLedger(l *ledger.Ledger, path string) {
	if path == "" {
		return
	}
	if err := l.Save(path); err != nil {
		slog.Warn("could not persist ledger", "path", path, "error", err)
	}
}

// workerLedgerPath gives separate worker processes their own history file.
func workerLedgerPath(path string, id int) string {
	if path == "" {
		return ""
	}
	ext := filepath.Ext(path)
	return fmt.Sprintf("%s.w%d%s", strings.TrimSuffix(path, ext), id, ext)
}

// serveStatus starts the status server when an address is configured and
// returns its shutdown func.
func serveStatus(run *handler.Run, cfg config.ServerConfig) func() {
	if cfg.Addr == "" {
		return func() {}
	}
	srv := &http.Server{Addr: cfg.Addr, Handler: api.NewRouter(run, cfg), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		slog.Info("status server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("status server error", "error", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			slog.Error("status server forced shutdown", "error", err)
		}
	}
}

// runWorkers runs ids concurrently and merges their reports.
func (a *app) runWorkers(ctx context.Context, ids []int, b *session.Browser, l *ledger.Ledger, board *worker.Board) ([]worker.Report, error) {
	ws := make([]*worker.Worker, len(ids))
	for i, id := range ids {
		w, err := a.build(id, b, l, board)
		if err != nil {
			return nil, err
		}
		ws[i] = w
	}

	reports := make([]worker.Report, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reports[i], _ = ws[i].Run(ctx, a.assign[id], a.dr)
		}()
	}
	wg.Wait()
	return reports, nil
}

func (a *app) finish(ctx context.Context, reports []worker.Report) error {
	var total worker.Tally
	var failed []string
	for _, r := range reports {
		total.Merge(r.Tally)
		if r.Status == models.RunFailed {
			failed = append(failed, fmt.Sprintf("worker %d: %s", r.WorkerID, r.Error))
		}
	}
	slog.Info("run finished",
		"run_id", a.runID,
		"completed", total.Completed,
		"partial", total.Partial,
		"na", total.NA,
		"failed", total.Failed,
		"skipped", total.Skipped,
		"sink_errors", total.SinkErrors,
		"elapsed", time.Since(a.started).Round(time.Second),
	)

	if a.cfg.Webhook.URL != "" {
		ev := &webhook.Event{
			Type:      webhook.EventRunCompleted,
			RunID:     a.runID,
			Timestamp: time.Now().Unix(),
			Data: map[string]any{
				"date_range": a.dr.String(),
				"totals":     total,
				"workers":    reports,
			},
		}
		if len(failed) > 0 {
			ev.Type = webhook.EventRunFailed
		}
		if err := webhook.Send(context.WithoutCancel(ctx), a.cfg.Webhook.URL, a.cfg.Webhook.Secret, ev, nil); err != nil {
			slog.Warn("run summary not delivered", "error", err)
		}
	}

	if a.cfg.Sink.XLSXPath != "" && a.cfg.Sink.JSONLPath != "" {
		if n, err := report.Export(a.cfg.Sink.JSONLPath, a.cfg.Sink.XLSXPath, a.catalog.Required()); err != nil {
			slog.Warn("workbook export failed", "error", err)
		} else {
			slog.Info("workbook exported", "path", a.cfg.Sink.XLSXPath, "items", n)
		}
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d worker(s) failed: %s", len(failed), strings.Join(failed, "; "))
	}
	return nil
}

// runInProcess runs all workers as goroutines over one browser and one
// ledger.
func runInProcess(ctx context.Context, cfg *config.Config) error {
	a, err := prepare(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer a.close()

	n := len(a.assign)
	pages := n * max(cfg.Workers.ProbeParallelism, 1)
	b, err := session.Launch(cfg.Browser, pages)
	if err != nil {
		return err
	}
	defer b.Close()

	l := loadLedger(cfg.Ledger, cfg.Ledger.Path)
	defer saveLedger(l, cfg.Ledger.Path)

	board := worker.NewBoard()
	stopServer := serveStatus(&handler.Run{
		ID:          a.runID,
		DateRange:   a.dr.String(),
		StartedAt:   a.started,
		Assigned:    a.assign.Sizes(),
		Board:       board,
		Lock:        authlock.New(cfg.Lock.Dir, "status", cfg.Lock.StaleAfter),
		Ledger:      l,
		MaxPages:    pages,
		ActivePages: b.ActivePages,
	}, cfg.Server)
	defer stopServer()

	ids := make([]int, n)
	for i := range ids {
		ids[i] = i
	}
	reports, err := a.runWorkers(ctx, ids, b, l, board)
	if err != nil {
		return err
	}
	return a.finish(ctx, reports)
}

// runSingle runs worker id as its own process. Every process computes the
// same partition from the same pool and takes its own slot. A non-zero since
// is the shared run start; dependents ignore sessions saved before it.
func runSingle(ctx context.Context, cfg *config.Config, id int, since time.Time) error {
	a, err := prepare(ctx, cfg, id == 0)
	if err != nil {
		return err
	}
	defer a.close()
	if !since.IsZero() {
		a.since = since
	}

	pages := max(cfg.Workers.ProbeParallelism, 1)
	b, err := session.Launch(cfg.Browser, pages)
	if err != nil {
		return err
	}
	defer b.Close()

	path := workerLedgerPath(cfg.Ledger.Path, id)
	l := loadLedger(cfg.Ledger, path)
	defer saveLedger(l, path)

	reports, err := a.runWorkers(ctx, []int{id}, b, l, nil)
	if err != nil {
		return err
	}
	if reports[0].Status == models.RunFailed {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.New(reports[0].Error)
	}
	return nil
}

// plan records the assignment without starting any worker.
func plan(ctx context.Context, cfg *config.Config) error {
	a, err := prepare(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer a.close()
	for id, part := range a.assign {
		fmt.Printf("worker %d: %d items\n", id, len(part))
	}
	return nil
}

// export writes the result log to a workbook with metric columns in
// catalog order.
func export(cfg *config.Config, in, out string) error {
	if in == "" || out == "" {
		return models.NewError(models.ErrCodeInvalidInput, "export needs -in and -out", nil)
	}
	catalog := probe.DefaultCatalog()
	if cfg.Portal.CatalogPath != "" {
		c, err := probe.LoadCatalog(cfg.Portal.CatalogPath)
		if err != nil {
			return err
		}
		catalog = c
	}
	n, err := report.Export(in, out, catalog.Required())
	if err != nil {
		return err
	}
	slog.Info("workbook exported", "path", out, "items", n)
	return nil
}
