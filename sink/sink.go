// Package sink persists classified item results.
package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/use-agent/shopmetrics/models"
)

// Sink receives one result per settled item. Implementations must be safe
// for concurrent use by all workers.
type Sink interface {
	Write(ctx context.Context, r models.ClassifiedResult) error
}

// JSONL appends results as JSON lines to a file.
type JSONL struct {
	mu   sync.Mutex
	f    *os.File
	enc  *json.Encoder
	path string
}

// OpenJSONL opens path for appending, creating parent directories.
func OpenJSONL(path string) (*JSONL, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sink: mkdir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("sink: open %s: %w", path, err)
	}
	return &JSONL{f: f, enc: json.NewEncoder(f), path: path}, nil
}

func (j *JSONL) Write(_ context.Context, r models.ClassifiedResult) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return models.NewError(models.ErrCodeSinkWrite, "jsonl sink closed", nil)
	}
	if err := j.enc.Encode(r); err != nil {
		return models.NewError(models.ErrCodeSinkWrite, "append to "+j.path, err)
	}
	return nil
}

// Close flushes and closes the file. Further writes fail.
func (j *JSONL) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return nil
	}
	err := j.f.Sync()
	if cerr := j.f.Close(); err == nil {
		err = cerr
	}
	j.f = nil
	return err
}

// Multi writes to every sink and joins their errors. A failing sink does
// not stop the others.
type Multi []Sink

func (m Multi) Write(ctx context.Context, r models.ClassifiedResult) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Func adapts a function to Sink.
type Func func(ctx context.Context, r models.ClassifiedResult) error

func (f Func) Write(ctx context.Context, r models.ClassifiedResult) error { return f(ctx, r) }
