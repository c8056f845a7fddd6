package session

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/ysmood/gson"

	"github.com/use-agent/shopmetrics/config"
	"github.com/use-agent/shopmetrics/models"
)

const loginTimeout = 90 * time.Second

// Session is one worker's view of the shared portal login.
type Session struct {
	browser *Browser
	cfg     config.PortalConfig
	holder  string
	now     func() time.Time

	mu      sync.RWMutex
	cookies []Cookie
}

// New binds a session to a launched browser. holder is written into the
// session file for diagnostics.
func New(b *Browser, cfg config.PortalConfig, holder string) *Session {
	return &Session{browser: b, cfg: cfg, holder: holder, now: time.Now}
}

// Login signs in through the portal form and persists the resulting cookies
// for the other workers. Any failure is models.ErrCodeAuthFailed.
func (s *Session) Login(ctx context.Context) error {
	if s.cfg.Email == "" || s.cfg.Password == "" {
		return models.NewError(models.ErrCodeAuthFailed, "portal credentials are not configured", nil)
	}
	if s.browser == nil {
		return models.NewError(models.ErrCodeAuthFailed, "no browser to log in with", nil)
	}

	ctx, cancel := context.WithTimeout(ctx, loginTimeout)
	defer cancel()

	page, err := s.browser.getPage(ctx)
	if err != nil {
		return models.NewError(models.ErrCodeAuthFailed, "login page unavailable", err)
	}
	defer s.browser.putPage(page)

	p := page.Context(ctx)
	if err := p.Navigate(s.cfg.LoginURL); err != nil {
		return models.NewError(models.ErrCodeAuthFailed, "navigate to login page", err)
	}
	if err := p.WaitLoad(); err != nil {
		slog.Debug("login page load wait failed", "error", err)
	}

	if err := fill(p, s.cfg.EmailSelector, s.cfg.Email); err != nil {
		return models.NewError(models.ErrCodeAuthFailed, "fill email", err)
	}
	if err := fill(p, s.cfg.PasswordSelector, s.cfg.Password); err != nil {
		return models.NewError(models.ErrCodeAuthFailed, "fill password", err)
	}
	submit, err := p.Element(s.cfg.SubmitSelector)
	if err != nil {
		return models.NewError(models.ErrCodeAuthFailed, "find submit button", err)
	}
	if err := submit.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return models.NewError(models.ErrCodeAuthFailed, "submit login form", err)
	}
	if _, err := p.Element(s.cfg.LoggedInSelector); err != nil {
		return models.NewError(models.ErrCodeAuthFailed, "portal did not confirm the login", err)
	}

	raw, err := page.Cookies([]string{s.cfg.BaseURL})
	if err != nil {
		return models.NewError(models.ErrCodeAuthFailed, "read session cookies", err)
	}
	cookies := fromProto(raw)
	if len(cookies) == 0 {
		return models.NewError(models.ErrCodeAuthFailed, "login produced no cookies", nil)
	}

	s.setCookies(cookies)
	st := &State{SavedAt: s.now().UTC(), Holder: s.holder, Cookies: cookies}
	if err := WriteState(s.cfg.SessionFile, st); err != nil {
		return models.NewError(models.ErrCodeAuthFailed, "persist session", err)
	}
	slog.Info("portal login succeeded", "holder", s.holder, "cookies", len(cookies))
	return nil
}

func fill(p *rod.Page, selector, value string) error {
	el, err := p.Element(selector)
	if err != nil {
		return err
	}
	if err := el.SelectAllText(); err != nil {
		slog.Debug("select existing input text failed", "selector", selector, "error", err)
	}
	return el.Input(value)
}

// SessionReady reports whether a fresh session saved at or after since is
// persisted.
func (s *Session) SessionReady(since time.Time) bool {
	st, err := ReadState(s.cfg.SessionFile)
	if err != nil {
		slog.Warn("session file unreadable", "path", s.cfg.SessionFile, "error", err)
		return false
	}
	return st.Fresh(s.now(), s.cfg.SessionMaxAge) && !st.SavedAt.Before(since)
}

// Restore adopts the persisted session written by another worker. A session
// saved before since is left over from an earlier run and is rejected.
func (s *Session) Restore(ctx context.Context, since time.Time) error {
	st, err := ReadState(s.cfg.SessionFile)
	if err != nil {
		return models.NewError(models.ErrCodeSessionExpired, "read persisted session", err)
	}
	if !st.Fresh(s.now(), s.cfg.SessionMaxAge) {
		return models.ErrSessionExpired
	}
	if st.SavedAt.Before(since) {
		return models.NewError(models.ErrCodeSessionExpired, "persisted session predates this run", nil)
	}
	if s.browser != nil {
		if err := s.browser.browser.Context(ctx).SetCookies(toProtoParams(st.Cookies)); err != nil {
			return models.NewError(models.ErrCodeBrowserCrash, "install session cookies", err)
		}
	}
	s.setCookies(st.Cookies)
	slog.Info("portal session restored", "holder", s.holder, "from", st.Holder, "age", s.now().Sub(st.SavedAt).Round(time.Second))
	return nil
}

func (s *Session) setCookies(cs []Cookie) {
	s.mu.Lock()
	s.cookies = cs
	s.mu.Unlock()
}

// HTTPCookies returns the unexpired session cookies for the RPC client.
func (s *Session) HTTPCookies() []*http.Cookie {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return toHTTP(s.cookies, s.now())
}

// Inspect renders pageURL in a pooled tab and returns the settled HTML. A
// redirect to the login page is models.ErrSessionExpired.
func (s *Session) Inspect(ctx context.Context, pageURL string) (string, error) {
	if s.browser == nil {
		return "", models.NewError(models.ErrCodeBrowserCrash, "no browser for page inspection", nil)
	}
	page, err := s.browser.getPage(ctx)
	if err != nil {
		return "", err
	}
	defer s.browser.putPage(page)

	router := setupHijack(page, s.browser.cfg.BlockedResourceTypes)
	defer func() { _ = router.Stop() }()

	_ = proto.NetworkSetExtraHTTPHeaders{
		Headers: toHeadersMap(map[string]string{
			"Accept-Language": "en-US,en;q=0.9",
			"Referer":         strings.TrimRight(s.cfg.BaseURL, "/") + "/",
		}),
	}.Call(page)

	p := page.Context(ctx)
	nav := p
	if s.browser.cfg.NavigationTimeout > 0 {
		nav = p.Timeout(s.browser.cfg.NavigationTimeout)
	}
	if err := nav.Navigate(pageURL); err != nil {
		return "", categorizeError(err, "navigation to portal page failed")
	}
	if err := p.WaitDOMStable(300*time.Millisecond, 0.1); err != nil {
		slog.Debug("WaitDOMStable did not converge, proceeding with current DOM", "error", err)
	}

	if info, err := p.Info(); err == nil && s.cfg.LoginURL != "" && strings.HasPrefix(info.URL, s.cfg.LoginURL) {
		return "", models.ErrSessionExpired
	}

	html, err := p.HTML()
	if err != nil {
		return "", categorizeError(err, "failed to extract page HTML")
	}
	return html, nil
}

// toHeadersMap converts a plain string map to proto.NetworkHeaders.
func toHeadersMap(headers map[string]string) proto.NetworkHeaders {
	m := make(proto.NetworkHeaders, len(headers))
	for k, v := range headers {
		m[k] = gson.New(v)
	}
	return m
}

func categorizeError(err error, msg string) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return models.NewError(models.ErrCodeProbeTimeout, msg, err)
	}
	return models.NewError(models.ErrCodeBrowserCrash, msg, err)
}
