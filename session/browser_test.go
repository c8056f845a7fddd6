package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-rod/rod"
)

func TestAcquire_WaitsNoLongerThanContext(t *testing.T) {
	pool := rod.NewPagePool(1)
	created := &rod.Page{}
	page, err := acquire(context.Background(), pool, func() (*rod.Page, error) { return created, nil })
	if err != nil || page != created {
		t.Fatalf("first acquire = %p, %v", page, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = acquire(ctx, pool, func() (*rod.Page, error) {
		t.Error("create must not run while the pool is exhausted")
		return nil, nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if waited := time.Since(start); waited > 2*time.Second {
		t.Errorf("acquire waited %v past its deadline", waited)
	}

	pool.Put(page)
	again, err := acquire(context.Background(), pool, func() (*rod.Page, error) {
		t.Error("a returned page should be reused")
		return nil, nil
	})
	if err != nil || again != created {
		t.Errorf("reacquire = %p, %v", again, err)
	}
}

func TestAcquire_FailedCreateReturnsSlot(t *testing.T) {
	pool := rod.NewPagePool(1)
	boom := errors.New("target crashed")
	if _, err := acquire(context.Background(), pool, func() (*rod.Page, error) { return nil, boom }); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	page, err := acquire(ctx, pool, func() (*rod.Page, error) { return &rod.Page{}, nil })
	if err != nil || page == nil {
		t.Fatalf("slot was not handed back after a failed create: %v", err)
	}
}
