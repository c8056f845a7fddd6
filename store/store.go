// Package store is the Postgres item source and result sink, plus the JSON
// file item source used when no database is configured.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/use-agent/shopmetrics/models"
)

// Store reads work items from and writes results to Postgres.
type Store struct {
	pool   *pgxpool.Pool
	shops  string // quoted "schema".shops
	result string // quoted "schema".shop_metrics
}

// Options configures Open.
type Options struct {
	DSN        string
	Schema     string
	MaxConns   int
	ViaBouncer bool // PgBouncer in transaction mode needs the simple protocol
}

// Open connects a pool and verifies it with a ping.
func Open(ctx context.Context, o Options) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(o.DSN)
	if err != nil {
		return nil, models.NewError(models.ErrCodeInvalidInput, "parse postgres dsn", err)
	}
	if o.MaxConns <= 0 {
		o.MaxConns = 2
	}
	cfg.MaxConns = int32(o.MaxConns)
	if o.ViaBouncer {
		cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return newStore(pool, o.Schema), nil
}

func newStore(pool *pgxpool.Pool, schema string) *Store {
	if schema == "" {
		schema = "public"
	}
	return &Store{
		pool:   pool,
		shops:  pgx.Identifier{schema, "shops"}.Sanitize(),
		result: pgx.Identifier{schema, "shop_metrics"}.Sanitize(),
	}
}

// Close releases the pool.
func (s *Store) Close() { s.pool.Close() }

// LoadItems returns every shop row ordered by id.
func (s *Store) LoadItems(ctx context.Context) ([]models.WorkItem, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, domain, coalesce(status, ''), updated_at FROM `+s.shops+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: load items: %w", err)
	}
	defer rows.Close()

	var items []models.WorkItem
	for rows.Next() {
		var (
			it      models.WorkItem
			status  string
			updated *time.Time
		)
		if err := rows.Scan(&it.ID, &it.Domain, &status, &updated); err != nil {
			return nil, fmt.Errorf("store: scan item: %w", err)
		}
		it.Status = models.Status(status)
		if updated != nil {
			it.UpdatedAt = *updated
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: load items: %w", err)
	}
	return items, nil
}

// Write upserts the metrics row for (item, date range) and stamps the shop
// with its new status, in one batch.
func (s *Store) Write(ctx context.Context, r models.ClassifiedResult) error {
	args, err := resultArgs(r)
	if err != nil {
		return err
	}

	b := &pgx.Batch{}
	b.Queue(
		`INSERT INTO `+s.result+`
		(item_id, date_range, status, fields, worker_id, error, finished_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (item_id, date_range) DO UPDATE SET
			status = EXCLUDED.status,
			fields = EXCLUDED.fields,
			worker_id = EXCLUDED.worker_id,
			error = EXCLUDED.error,
			finished_at = EXCLUDED.finished_at`,
		args...,
	)
	b.Queue(`UPDATE `+s.shops+` SET status = $2, updated_at = $3 WHERE id = $1`,
		r.ItemID, string(r.Status), r.FinishedAt)

	br := s.pool.SendBatch(ctx, b)
	for i := 0; i < b.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return models.NewError(models.ErrCodeSinkWrite, fmt.Sprintf("postgres write item %d", r.ItemID), err)
		}
	}
	if err := br.Close(); err != nil {
		return models.NewError(models.ErrCodeSinkWrite, "postgres batch close", err)
	}
	return nil
}

// resultArgs are the insert parameters for r. fields goes as text so the
// jsonb column accepts it under the simple protocol used behind a bouncer.
func resultArgs(r models.ClassifiedResult) ([]any, error) {
	fields, err := json.Marshal(r.Fields)
	if err != nil {
		return nil, models.NewError(models.ErrCodeSinkWrite, "encode fields", err)
	}
	var errText *string
	if r.Error != "" {
		errText = &r.Error
	}
	return []any{r.ItemID, r.DateRange, string(r.Status), string(fields), r.WorkerID, errText, r.FinishedAt}, nil
}

// LoadItemsFile reads a JSON array of work items. Items without a domain
// are dropped and the domain is normalized.
func LoadItemsFile(path string) ([]models.WorkItem, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("store: read items: %w", err)
	}
	var raw []models.WorkItem
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, models.NewError(models.ErrCodeInvalidInput, "decode items file "+path, err)
	}
	items := raw[:0]
	for _, it := range raw {
		it.Domain = NormalizeDomain(it.Domain)
		if it.Domain == "" {
			continue
		}
		items = append(items, it)
	}
	return items, nil
}

// NormalizeDomain lowercases d and strips scheme, "www." and any path.
func NormalizeDomain(d string) string {
	d = strings.ToLower(strings.TrimSpace(d))
	if i := strings.Index(d, "://"); i >= 0 {
		d = d[i+3:]
	}
	if i := strings.IndexAny(d, "/?#"); i >= 0 {
		d = d[:i]
	}
	return strings.TrimPrefix(d, "www.")
}
