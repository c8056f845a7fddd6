package worker

import (
	"context"
	"time"

	"github.com/use-agent/shopmetrics/models"
)

// Gate is the shared auth token (see package authlock).
type Gate interface {
	Acquire() bool
	Release()
	IsHeld() bool
}

// Authenticator performs or adopts the portal login (see package session).
// A persisted session saved before since belongs to an earlier run and is
// never ready.
type Authenticator interface {
	Login(ctx context.Context) error
	Restore(ctx context.Context, since time.Time) error
	SessionReady(since time.Time) bool
}

// authenticate runs the one-time gate. Worker 0 is the designated
// authenticator; every other worker waits for the token to clear and a
// session saved during this run to appear, then adopts it. runStart bounds
// the session age when Options.SessionSince is unset.
func (w *Worker) authenticate(ctx context.Context, runStart time.Time) error {
	if w.opts.ID == 0 {
		return w.login(ctx)
	}
	since := w.opts.SessionSince
	if since.IsZero() {
		since = runStart
	}
	return w.awaitSession(ctx, since)
}

func (w *Worker) login(ctx context.Context) error {
	if !w.deps.Gate.Acquire() {
		w.log.Warn("auth token already held, designated authenticator aborting")
		return models.ErrAuthLockBusy
	}
	defer w.deps.Gate.Release()

	w.board.update(w.opts.ID, func(p *Progress) { p.Phase = PhaseLoggingIn })
	start := w.now()
	if err := w.deps.Auth.Login(ctx); err != nil {
		w.log.Error("portal login failed", "error", err)
		return models.NewError(models.ErrCodeAuthFailed, "designated authenticator could not log in", err)
	}
	w.log.Info("portal login complete", "elapsed", w.now().Sub(start).Round(time.Millisecond))
	return nil
}

func (w *Worker) awaitSession(ctx context.Context, since time.Time) error {
	w.board.update(w.opts.ID, func(p *Progress) { p.Phase = PhaseAuthWaiting })
	start := w.now()
	polls := 0
	for {
		held := w.deps.Gate.IsHeld()
		if !held && w.deps.Auth.SessionReady(since) {
			err := w.deps.Auth.Restore(ctx, since)
			if err == nil {
				w.log.Info("shared session adopted", "polls", polls, "waited", w.now().Sub(start).Round(time.Millisecond))
				return nil
			}
			w.log.Warn("shared session restore failed, still waiting", "error", err)
		}

		if w.now().Sub(start) >= w.opts.WaitCeiling {
			w.log.Error("gave up waiting for shared login", "ceiling", w.opts.WaitCeiling, "held", held)
			return models.ErrAuthWaitTimeout
		}
		polls++
		if polls%6 == 0 {
			w.log.Info("waiting for shared login", "held", held, "waited", w.now().Sub(start).Round(time.Second))
		}
		if err := w.sleep(ctx, w.opts.PollInterval); err != nil {
			return err
		}
	}
}
