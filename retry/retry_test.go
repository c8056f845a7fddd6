package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/use-agent/shopmetrics/ledger"
	"github.com/use-agent/shopmetrics/models"
)

type payload struct {
	value string
	found bool
}

func notFound(p payload) bool { return !p.found }

// recordingSleep captures requested delays without waiting.
func recordingSleep(delays *[]time.Duration) func(context.Context, time.Duration) error {
	return func(_ context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
}

func TestDo_SucceedsOnThirdAttempt(t *testing.T) {
	var delays []time.Duration
	l := ledger.New(20)
	r := &Retrier{Sleep: recordingSleep(&delays), Ledger: l}

	calls := 0
	got, err := Do(context.Background(), r, "traffic", func(_ context.Context, attempt int) (payload, error) {
		calls++
		switch attempt {
		case 0:
			return payload{}, errors.New("rpc 502")
		case 1:
			return payload{found: false}, nil
		default:
			return payload{value: "12000", found: true}, nil
		}
	}, notFound)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.value != "12000" {
		t.Errorf("value = %q", got.value)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if len(delays) != 2 || delays[0] != 2*time.Second || delays[1] != 4*time.Second {
		t.Errorf("delays = %v, want [2s 4s]", delays)
	}

	w := l.Window("traffic")
	if len(w) != 3 {
		t.Fatalf("ledger samples = %d, want 3", len(w))
	}
	if w[0].OK || w[1].OK || !w[2].OK {
		t.Errorf("ledger outcomes = %v,%v,%v, want false,false,true", w[0].OK, w[1].OK, w[2].OK)
	}
}

func TestDo_ExhaustedReturnsLastFailure(t *testing.T) {
	t.Run("soft failure", func(t *testing.T) {
		var delays []time.Duration
		r := &Retrier{Sleep: recordingSleep(&delays)}
		calls := 0
		got, err := Do(context.Background(), r, "p", func(_ context.Context, attempt int) (payload, error) {
			calls++
			return payload{value: "attempt-" + string(rune('0'+attempt))}, nil
		}, notFound)

		if err != nil {
			t.Errorf("soft failure should return nil error, got %v", err)
		}
		if got.value != "attempt-2" {
			t.Errorf("value = %q, want last payload", got.value)
		}
		if calls != 3 {
			t.Errorf("calls = %d", calls)
		}
		if len(delays) != 2 || delays[0] != 2*time.Second || delays[1] != 4*time.Second {
			t.Errorf("delays = %v, want [2s 4s] and no sleep after the last attempt", delays)
		}
	})

	t.Run("error", func(t *testing.T) {
		var delays []time.Duration
		r := &Retrier{Sleep: recordingSleep(&delays)}
		last := errors.New("third")
		errs := []error{errors.New("first"), errors.New("second"), last}
		_, err := Do(context.Background(), r, "p", func(_ context.Context, attempt int) (payload, error) {
			return payload{}, errs[attempt]
		}, notFound)
		if !errors.Is(err, last) {
			t.Errorf("err = %v, want last error", err)
		}
		if len(delays) != 2 {
			t.Errorf("delays = %v", delays)
		}
	})
}

func TestDo_FirstAttemptSuccessNoSleep(t *testing.T) {
	var delays []time.Duration
	r := &Retrier{Sleep: recordingSleep(&delays)}
	_, err := Do(context.Background(), r, "p", func(context.Context, int) (payload, error) {
		return payload{found: true}, nil
	}, notFound)
	if err != nil || len(delays) != 0 {
		t.Errorf("err=%v delays=%v", err, delays)
	}
}

func TestBackoff(t *testing.T) {
	r := &Retrier{}
	for attempt, want := range []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second} {
		if got := r.Backoff(attempt); got != want {
			t.Errorf("Backoff(%d) = %v, want %v", attempt, got, want)
		}
	}
}

func TestDo_AttemptDeadlineIsProbeTimeout(t *testing.T) {
	var delays []time.Duration
	r := &Retrier{
		MaxRetries: 2,
		Sleep:      recordingSleep(&delays),
		Timeout:    func(string) time.Duration { return 10 * time.Millisecond },
	}
	_, err := Do(context.Background(), r, "slow", func(ctx context.Context, _ int) (payload, error) {
		<-ctx.Done()
		return payload{}, ctx.Err()
	}, notFound)

	if !errors.Is(err, models.ErrProbeTimeout) {
		t.Errorf("err = %v, want ProbeTimeout", err)
	}
	if len(delays) != 1 {
		t.Errorf("timeouts should be retried; delays = %v", delays)
	}
}

func TestDo_PanicBecomesError(t *testing.T) {
	r := &Retrier{MaxRetries: 1}
	_, err := Do(context.Background(), r, "p", func(context.Context, int) (payload, error) {
		panic("selector exploded")
	}, notFound)
	if err == nil {
		t.Error("panic should surface as error")
	}
}

func TestDo_CancelledContextStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Retrier{Sleep: func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}}
	calls := 0
	_, err := Do(ctx, r, "p", func(context.Context, int) (payload, error) {
		calls++
		return payload{}, nil
	}, notFound)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}
