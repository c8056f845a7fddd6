package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-rod/rod/lib/proto"

	"github.com/use-agent/shopmetrics/config"
	"github.com/use-agent/shopmetrics/models"
)

func testSession(t *testing.T, now time.Time) *Session {
	t.Helper()
	s := New(nil, config.PortalConfig{
		SessionFile:   filepath.Join(t.TempDir(), "sub", "session.json"),
		SessionMaxAge: time.Hour,
	}, "worker-1")
	s.now = func() time.Time { return now }
	return s
}

func TestStateRoundTripAndFreshness(t *testing.T) {
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	s := testSession(t, now)

	runStart := now.Add(-time.Hour)
	if s.SessionReady(runStart) {
		t.Fatal("no session file yet, SessionReady should be false")
	}

	st := &State{SavedAt: now.Add(-30 * time.Minute), Holder: "worker-0", Cookies: []Cookie{{Name: "sid", Value: "v", Domain: ".portal.test"}}}
	if err := WriteState(s.cfg.SessionFile, st); err != nil {
		t.Fatal(err)
	}
	if !s.SessionReady(runStart) {
		t.Fatal("30 minute old session should be ready")
	}
	info, err := os.Stat(s.cfg.SessionFile)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("session file mode = %v, want 0600", info.Mode().Perm())
	}

	s.now = func() time.Time { return now.Add(31 * time.Minute) }
	if s.SessionReady(runStart) {
		t.Fatal("session older than max age should not be ready")
	}
}

func TestRestore(t *testing.T) {
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	s := testSession(t, now)

	if err := s.Restore(context.Background(), now); !errors.Is(err, models.ErrSessionExpired) {
		t.Fatalf("Restore without file = %v, want session expired", err)
	}

	st := &State{SavedAt: now, Cookies: []Cookie{
		{Name: "sid", Value: "live"},
		{Name: "old", Value: "x", Expires: now.Add(-time.Minute)},
	}}
	if err := WriteState(s.cfg.SessionFile, st); err != nil {
		t.Fatal(err)
	}
	if err := s.Restore(context.Background(), now); err != nil {
		t.Fatal(err)
	}
	got := s.HTTPCookies()
	if len(got) != 1 || got[0].Name != "sid" || got[0].Value != "live" {
		t.Errorf("HTTPCookies = %v", got)
	}
}

func TestSessionFromEarlierRunIsNotReady(t *testing.T) {
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	s := testSession(t, now)
	st := &State{SavedAt: now.Add(-10 * time.Minute), Holder: "worker-0", Cookies: []Cookie{{Name: "sid", Value: "stale"}}}
	if err := WriteState(s.cfg.SessionFile, st); err != nil {
		t.Fatal(err)
	}

	runStart := now.Add(-time.Minute)
	if s.SessionReady(runStart) {
		t.Fatal("session saved before the run started should not be ready")
	}
	if err := s.Restore(context.Background(), runStart); models.CodeOf(err) != models.ErrCodeSessionExpired {
		t.Fatalf("Restore = %v, want session expired", err)
	}
	if len(s.HTTPCookies()) != 0 {
		t.Error("rejected session must not install cookies")
	}

	st.SavedAt = runStart
	if err := WriteState(s.cfg.SessionFile, st); err != nil {
		t.Fatal(err)
	}
	if !s.SessionReady(runStart) {
		t.Error("session saved at the run start should be ready")
	}
}

func TestCorruptStateIsNotReady(t *testing.T) {
	s := testSession(t, time.Now())
	if err := os.MkdirAll(filepath.Dir(s.cfg.SessionFile), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(s.cfg.SessionFile, []byte("{"), 0o600); err != nil {
		t.Fatal(err)
	}
	if s.SessionReady(time.Time{}) {
		t.Error("corrupt session file should not be ready")
	}
	if err := s.Restore(context.Background(), time.Time{}); models.CodeOf(err) != models.ErrCodeSessionExpired {
		t.Errorf("Restore = %v", err)
	}
}

func TestLoginWithoutCredentials(t *testing.T) {
	s := testSession(t, time.Now())
	if err := s.Login(context.Background()); !errors.Is(err, models.ErrAuthFailed) {
		t.Fatalf("Login = %v, want auth failed", err)
	}
}

func TestCookieConversions(t *testing.T) {
	exp := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
	in := []*proto.NetworkCookie{
		{Name: "a", Value: "1", Domain: "portal.test", Path: "/", Expires: proto.TimeSinceEpoch(exp.Unix()), HTTPOnly: true},
		{Name: "b", Value: "2", Domain: "portal.test", Session: true},
	}
	cs := fromProto(in)
	if !cs[0].Expires.Equal(exp) || !cs[0].HTTPOnly {
		t.Errorf("cookie a = %+v", cs[0])
	}
	if !cs[1].Expires.IsZero() {
		t.Errorf("session cookie should have no expiry, got %v", cs[1].Expires)
	}

	params := toProtoParams(cs)
	if params[1].Path != "/" {
		t.Errorf("empty path should default to /, got %q", params[1].Path)
	}
	if params[0].Expires != proto.TimeSinceEpoch(exp.Unix()) {
		t.Errorf("expires = %v", params[0].Expires)
	}
}

func TestIsTracker(t *testing.T) {
	tests := map[string]bool{
		"www.google-analytics.com": true,
		"widget.intercom.io":       true,
		"portal.example.com":       false,
		"com":                      false,
	}
	for host, want := range tests {
		if got := isTracker(host); got != want {
			t.Errorf("isTracker(%q) = %v, want %v", host, got, want)
		}
	}
}
