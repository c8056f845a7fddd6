package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/use-agent/shopmetrics/config"
)

func TestWorkerLedgerPath(t *testing.T) {
	tests := []struct {
		path string
		id   int
		want string
	}{
		{"var/ledger.json", 2, "var/ledger.w2.json"},
		{"ledger", 0, "ledger.w0"},
		{"", 1, ""},
	}
	for _, tt := range tests {
		if got := workerLedgerPath(tt.path, tt.id); got != tt.want {
			t.Errorf("workerLedgerPath(%q, %d) = %q, want %q", tt.path, tt.id, got, tt.want)
		}
	}
}

func TestPrepare_FromItemsFile(t *testing.T) {
	dir := t.TempDir()
	items := filepath.Join(dir, "items.json")
	body := `[{"id":1,"domain":"a.example"},{"id":2,"domain":"b.example"},{"id":3,"domain":"c.example"},
	{"id":4,"domain":"d.example","status":"completed","updated_at":"2999-01-01T00:00:00Z"}]`
	if err := os.WriteFile(items, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := config.Load()
	cfg.Workers.Count = 2
	cfg.Workers.ItemsFile = items
	cfg.Workers.AssignmentFile = filepath.Join(dir, "assignment.json")
	cfg.Sink.JSONLPath = filepath.Join(dir, "results.jsonl")
	cfg.Sink.PostgresDSN = ""
	cfg.Portal.CatalogPath = ""

	a, err := prepare(context.Background(), cfg, true)
	if err != nil {
		t.Fatal(err)
	}
	defer a.close()

	if sizes := a.assign.Sizes(); len(sizes) != 2 || sizes[0] != 2 || sizes[1] != 1 {
		t.Errorf("sizes = %v, want [2 1] with the fresh completed item skipped", sizes)
	}
	if _, err := os.Stat(cfg.Workers.AssignmentFile); err != nil {
		t.Errorf("assignment not recorded: %v", err)
	}
	if len(a.sinks) != 1 {
		t.Errorf("sinks = %d, want the jsonl sink only", len(a.sinks))
	}
	if len(a.catalog.Required()) == 0 {
		t.Error("default catalog should be loaded")
	}
}
