// Package portal is the remote-call path to the analytics portal: JSON-RPC
// over the logged-in session's cookies, paced by a shared rate limiter.
package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/ysmood/gson"
	"golang.org/x/net/html"
	"golang.org/x/net/html/charset"
	"golang.org/x/time/rate"

	"github.com/use-agent/shopmetrics/cache"
	"github.com/use-agent/shopmetrics/models"
)

const (
	userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36"
	maxBody   = 4 << 20
)

// CookieSource supplies the session cookies attached to every call.
type CookieSource interface {
	HTTPCookies() []*http.Cookie
}

// Client issues portal RPC calls. Safe for concurrent use.
type Client struct {
	endpoint string
	httpc    *http.Client
	limiter  *rate.Limiter
	cookies  CookieSource
	cache    *cache.Cache
	seq      atomic.Int64
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the fingerprinted default client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpc = c }
}

// WithProxy routes calls through proxyURL. Proxied TLS is negotiated by
// net/http, not the fingerprinted dialer.
func WithProxy(proxyURL *url.URL) Option {
	return func(cl *Client) {
		if t, ok := cl.httpc.Transport.(*http.Transport); ok && proxyURL != nil {
			t.Proxy = http.ProxyURL(proxyURL)
		}
	}
}

// WithRateLimit paces calls to rps with the given burst. rps <= 0 disables
// pacing.
func WithRateLimit(rps float64, burst int) Option {
	return func(cl *Client) {
		if rps <= 0 {
			cl.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		cl.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithCache reuses successful responses for identical method and params.
func WithCache(c *cache.Cache) Option {
	return func(cl *Client) { cl.cache = c }
}

// New creates a Client posting to baseURL+rpcPath.
func New(baseURL, rpcPath string, cookies CookieSource, opts ...Option) *Client {
	c := &Client{
		endpoint: strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(rpcPath, "/"),
		httpc:    &http.Client{Transport: newTransport()},
		cookies:  cookies,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type rpcRequest struct {
	ID      int64          `json:"id"`
	JSONRPC string         `json:"jsonrpc"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params"`
}

// Call invokes method and returns the whole response document. An RPC-level
// error object is returned as an error; a login page in place of JSON is
// models.ErrSessionExpired.
func (c *Client) Call(ctx context.Context, method string, params map[string]any) (gson.JSON, error) {
	var key string
	if c.cache != nil {
		// encoding/json sorts map keys, so equal params give equal keys.
		p, err := json.Marshal(params)
		if err != nil {
			return gson.JSON{}, fmt.Errorf("portal: encode %s: %w", method, err)
		}
		key = cache.Key(c.endpoint, method, string(p))
		if body, ok := c.cache.Get(key); ok {
			return gson.NewFrom(string(body)), nil
		}
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return gson.JSON{}, err
		}
	}

	payload, err := json.Marshal(rpcRequest{
		ID:      c.seq.Add(1),
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return gson.JSON{}, fmt.Errorf("portal: encode %s: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return gson.JSON{}, fmt.Errorf("portal: build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "identity")
	if c.cookies != nil {
		for _, ck := range c.cookies.HTTPCookies() {
			req.AddCookie(ck)
		}
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return gson.JSON{}, fmt.Errorf("portal: %s: %w", method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return gson.JSON{}, fmt.Errorf("portal: read %s: %w", method, err)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return gson.JSON{}, models.NewError(models.ErrCodeSessionExpired, fmt.Sprintf("portal answered %d", resp.StatusCode), nil)
	}
	if isHTML(resp.Header.Get("Content-Type"), body) {
		if looksLikeLogin(body, resp.Header.Get("Content-Type")) {
			return gson.JSON{}, models.ErrSessionExpired
		}
		return gson.JSON{}, fmt.Errorf("portal: %s returned html (status %d)", method, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return gson.JSON{}, fmt.Errorf("portal: %s status %d", method, resp.StatusCode)
	}

	doc := gson.NewFrom(string(body))
	if e, ok := doc.Gets("error"); ok && !e.Nil() {
		return gson.JSON{}, fmt.Errorf("portal: %s: rpc error %s", method, e.JSON("", ""))
	}
	if key != "" {
		c.cache.Set(key, body)
	}
	return doc, nil
}

func isHTML(ct string, body []byte) bool {
	ct = strings.ToLower(ct)
	if strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml+xml") {
		return true
	}
	trimmed := bytes.TrimSpace(body)
	return len(trimmed) > 0 && trimmed[0] == '<'
}

// looksLikeLogin reports whether page is a sign-in form: a password input,
// or a form posting to a login endpoint. The body is decoded to UTF-8 using
// the declared or sniffed charset first.
func looksLikeLogin(page []byte, contentType string) bool {
	r, err := charset.NewReader(bytes.NewReader(page), contentType)
	if err != nil {
		r = bytes.NewReader(page)
	}
	z := html.NewTokenizer(r)
	for {
		switch z.Next() {
		case html.ErrorToken:
			return false
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			tag := string(name)
			if tag != "input" && tag != "form" {
				continue
			}
			for hasAttr {
				var key, val []byte
				key, val, hasAttr = z.TagAttr()
				k, v := string(key), strings.ToLower(string(val))
				if tag == "input" && k == "type" && v == "password" {
					return true
				}
				if tag == "form" && k == "action" && (strings.Contains(v, "login") || strings.Contains(v, "signin")) {
					return true
				}
			}
		}
	}
}
