package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/use-agent/shopmetrics/models"
)

func TestNormalizeDomain(t *testing.T) {
	tests := map[string]string{
		"Shop.Example":                      "shop.example",
		"https://www.shop.example/products": "shop.example",
		"  http://shop.example?ref=1 ":      "shop.example",
		"www.":                              "",
		"":                                  "",
	}
	for in, want := range tests {
		if got := NormalizeDomain(in); got != want {
			t.Errorf("NormalizeDomain(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLoadItemsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "items.json")
	body := `[
		{"id": 1, "domain": "https://www.a.example/"},
		{"id": 2, "domain": "  "},
		{"id": 3, "domain": "b.example", "status": "completed", "updated_at": "2026-09-01T00:00:00Z"}
	]`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	items, err := LoadItemsFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Fatalf("items = %+v", items)
	}
	if items[0].Domain != "a.example" || items[1].Status != models.StatusCompleted || items[1].UpdatedAt.IsZero() {
		t.Errorf("items = %+v", items)
	}
}

func TestLoadItemsFile_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "items.json")
	if err := os.WriteFile(path, []byte(`{"not":"an array"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadItemsFile(path); models.CodeOf(err) != models.ErrCodeInvalidInput {
		t.Errorf("err = %v", err)
	}
}

func TestOpen_BadDSN(t *testing.T) {
	_, err := Open(context.Background(), Options{DSN: "postgres://%zz"})
	if models.CodeOf(err) != models.ErrCodeInvalidInput {
		t.Errorf("err = %v", err)
	}
}

func TestTableNamesAreQuoted(t *testing.T) {
	s := newStore(nil, `we"ird`)
	if s.shops != `"we""ird"."shops"` || s.result != `"we""ird"."shop_metrics"` {
		t.Errorf("tables = %s %s", s.shops, s.result)
	}
	if newStore(nil, "").shops != `"public"."shops"` {
		t.Error("empty schema should default to public")
	}
}

func TestResultArgs_FieldsAsText(t *testing.T) {
	at := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	args, err := resultArgs(models.ClassifiedResult{
		ItemID:     7,
		DateRange:  "2026-09-15",
		Status:     models.StatusPartial,
		Fields:     models.Fields{"backlinks": "77"},
		WorkerID:   2,
		FinishedAt: at,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(args) != 7 {
		t.Fatalf("args = %d, want 7", len(args))
	}
	fields, ok := args[3].(string)
	if !ok {
		t.Fatalf("fields arg is %T, want string", args[3])
	}
	if fields != `{"backlinks":"77"}` {
		t.Errorf("fields = %s", fields)
	}
	if args[2] != "partial" {
		t.Errorf("status = %v", args[2])
	}
	if e, _ := args[5].(*string); e != nil {
		t.Errorf("empty error should be NULL, got %q", *e)
	}

	args, _ = resultArgs(models.ClassifiedResult{ItemID: 8, Status: models.StatusFailed, Error: "timeout"})
	if e, _ := args[5].(*string); e == nil || *e != "timeout" {
		t.Errorf("error arg = %v", args[5])
	}
}
