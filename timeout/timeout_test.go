package timeout

import (
	"testing"
	"time"

	"github.com/use-agent/shopmetrics/ledger"
)

func history(probe string, ok, fail int, latency time.Duration) *ledger.Ledger {
	l := ledger.New(20)
	for i := 0; i < ok; i++ {
		l.Record(ledger.Sample{Probe: probe, OK: true, Latency: latency})
	}
	for i := 0; i < fail; i++ {
		l.Record(ledger.Sample{Probe: probe, OK: false, Latency: 45 * time.Second})
	}
	return l
}

func TestCompute_ColdStartReturnsBase(t *testing.T) {
	base := 37 * time.Second
	for n := 0; n < MinSamples; n++ {
		e := NewEngine(history("p", n, 0, 100*time.Millisecond), nil)
		if got := e.Compute("p", ClassSimple, base); got != base {
			t.Errorf("%d samples: got %v, want base %v", n, got, base)
		}
	}
}

func TestCompute_FastReliableClampsToMin(t *testing.T) {
	e := NewEngine(history("p", 15, 0, 200*time.Millisecond), nil)
	if got := e.Compute("p", ClassSimple, 30*time.Second); got != 15*time.Second {
		t.Errorf("got %v, want simple min 15s", got)
	}
	if got := e.Compute("p", ClassHeavy, 30*time.Second); got != 20*time.Second {
		t.Errorf("got %v, want heavy min 20s", got)
	}
}

func TestCompute_AlwaysFailingClampsToMax(t *testing.T) {
	e := NewEngine(history("p", 0, 15, 0), nil)
	if got := e.Compute("p", ClassSimple, 30*time.Second); got != 90*time.Second {
		t.Errorf("got %v, want simple max 90s", got)
	}
	if got := e.Compute("p", ClassHeavy, 30*time.Second); got != 180*time.Second {
		t.Errorf("got %v, want heavy max 180s", got)
	}
	if got := e.Compute("p", "unknown", 30*time.Second); got != FallbackBand.Max {
		t.Errorf("got %v, want fallback max %v", got, FallbackBand.Max)
	}
}

func TestCompute_Tiers(t *testing.T) {
	base := 60 * time.Second
	tests := []struct {
		name    string
		ok      int
		fail    int
		latency time.Duration
		want    time.Duration
	}{
		// 10s avg stays under 60% of base, so only the tier applies.
		{"rate 1.0", 10, 0, 10 * time.Second, 25 * time.Second},
		{"rate 0.7", 7, 3, 10 * time.Second, 30 * time.Second},
		{"rate 0.5", 5, 5, 10 * time.Second, 40 * time.Second},
		{"rate 0.3", 3, 7, 10 * time.Second, 50 * time.Second},
		{"rate 0.1", 1, 9, 10 * time.Second, 60 * time.Second},
		// 40s avg is above 0.6*60s: 40*2.5*1.1 = 110s, clamped to 90s.
		{"slow but working", 10, 0, 40 * time.Second, 90 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEngine(history("p", tt.ok, tt.fail, tt.latency), nil)
			if got := e.Compute("p", ClassSimple, base); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCompute_SlowGrowth(t *testing.T) {
	// avg 20s > 0.6*30s: 20*2.5 = 50s, *1.1 = 55s.
	e := NewEngine(history("p", 10, 0, 20*time.Second), nil)
	if got := e.Compute("p", ClassHeavy, 30*time.Second); got != 55*time.Second {
		t.Errorf("got %v, want 55s", got)
	}
}

func TestCompute_NeverFails(t *testing.T) {
	base := 42 * time.Second

	var nilEngine *Engine
	if got := nilEngine.Compute("p", ClassSimple, base); got != base {
		t.Errorf("nil engine: got %v", got)
	}
	if got := NewEngine(nil, nil).Compute("p", ClassSimple, base); got != base {
		t.Errorf("nil history: got %v", got)
	}
	var nilLedger *ledger.Ledger
	if got := NewEngine(nilLedger, nil).Compute("p", ClassSimple, base); got != base {
		t.Errorf("typed-nil history: got %v", got)
	}

	l := ledger.New(20)
	for i := 0; i < 10; i++ {
		l.Record(ledger.Sample{Probe: "p", OK: true, Latency: -time.Second})
	}
	if got := NewEngine(l, nil).Compute("p", ClassSimple, base); got != base {
		t.Errorf("malformed samples: got %v", got)
	}
}

func TestMilliseconds(t *testing.T) {
	if got := Milliseconds(1500 * time.Millisecond); got != 1500 {
		t.Errorf("got %d", got)
	}
	if got := Milliseconds(0); got != 1 {
		t.Errorf("zero duration should render as 1ms, got %d", got)
	}
}
