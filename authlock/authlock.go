// Package authlock arbitrates which worker performs the interactive portal
// login. The token is a small JSON file in a directory shared by every
// worker; all mutations happen under an exclusive flock on a guard file so
// check-and-create is a single atomic step across goroutines and processes.
package authlock

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

const (
	// TokenFile is the well-known name of the auth token record.
	TokenFile = "auth.lock"

	guardFile = "auth.lock.guard"

	// DefaultStaleAfter is the age beyond which a token is abandoned.
	DefaultStaleAfter = 300 * time.Second
)

// Token is the on-disk auth record.
type Token struct {
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Manager is one worker's handle on the shared auth token.
// It is safe for concurrent use.
type Manager struct {
	dir        string
	holder     string
	staleAfter time.Duration
	now        func() time.Time
	mu         sync.Mutex
}

// Option customises a Manager.
type Option func(*Manager)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// New creates a Manager for holder over the token directory dir.
// staleAfter <= 0 selects DefaultStaleAfter.
func New(dir, holder string, staleAfter time.Duration, opts ...Option) *Manager {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	m := &Manager{
		dir:        dir,
		holder:     holder,
		staleAfter: staleAfter,
		now:        time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// HolderID returns the identifier this manager writes into the token.
func (m *Manager) HolderID() string { return m.holder }

// Acquire creates the token iff no live token exists, reclaiming a stale
// one in the same critical section. It never blocks on another holder and
// reports every failure, including I/O errors, as false.
func (m *Manager) Acquire() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	unlock, err := m.lockGuard()
	if err != nil {
		slog.Warn("authlock: guard unavailable", "dir", m.dir, "error", err)
		return false
	}
	defer unlock()

	tok, err := m.read()
	switch {
	case err == nil && !m.stale(tok):
		slog.Debug("authlock: token busy", "holder", tok.Holder, "age", m.now().Sub(tok.AcquiredAt))
		return false
	case err == nil:
		slog.Warn("authlock: reclaiming stale token",
			"previous", tok.Holder,
			"age", m.now().Sub(tok.AcquiredAt).Round(time.Second),
		)
	case errors.Is(err, fs.ErrNotExist):
	default:
		slog.Warn("authlock: unreadable token treated as abandoned", "error", err)
	}

	if err := m.write(Token{Holder: m.holder, AcquiredAt: m.now().UTC()}); err != nil {
		slog.Warn("authlock: write token failed", "error", err)
		return false
	}
	slog.Info("authlock: token acquired", "holder", m.holder)
	return true
}

// Release deletes the token if this manager holds it. It is idempotent and
// leaves a token owned by someone else untouched.
func (m *Manager) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()

	unlock, err := m.lockGuard()
	if err != nil {
		slog.Warn("authlock: guard unavailable on release", "dir", m.dir, "error", err)
		return
	}
	defer unlock()

	tok, err := m.read()
	if errors.Is(err, fs.ErrNotExist) {
		return
	}
	if err == nil && tok.Holder != m.holder {
		slog.Warn("authlock: not releasing token held by another worker", "holder", tok.Holder)
		return
	}
	if rmErr := os.Remove(m.path()); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
		slog.Warn("authlock: remove token failed", "error", rmErr)
		return
	}
	slog.Info("authlock: token released", "holder", m.holder)
}

// IsHeld reports whether a live, non-stale token exists. It does not take
// the guard; a missing, unreadable or stale record counts as not held.
func (m *Manager) IsHeld() bool {
	tok, err := m.read()
	if err != nil {
		return false
	}
	return !m.stale(tok)
}

// Current returns the live token, if any.
func (m *Manager) Current() (Token, bool) {
	tok, err := m.read()
	if err != nil || m.stale(tok) {
		return Token{}, false
	}
	return tok, true
}

func (m *Manager) stale(tok Token) bool {
	return m.now().Sub(tok.AcquiredAt) > m.staleAfter
}

func (m *Manager) path() string { return filepath.Join(m.dir, TokenFile) }

func (m *Manager) read() (Token, error) {
	var tok Token
	body, err := os.ReadFile(m.path())
	if err != nil {
		return tok, err
	}
	if err := json.Unmarshal(body, &tok); err != nil {
		return tok, fmt.Errorf("authlock: decode token: %w", err)
	}
	return tok, nil
}

// write replaces the token atomically via rename.
func (m *Manager) write(tok Token) error {
	body, err := json.Marshal(tok)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(m.dir, TokenFile+".*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), m.path())
}

// lockGuard takes the exclusive advisory lock and returns its release func.
func (m *Manager) lockGuard() (func(), error) {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(m.dir, guardFile), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, fmt.Errorf("flock: %w", err)
	}
	return func() {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		_ = f.Close()
	}, nil
}
