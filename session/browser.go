// Package session owns the headless browser, the portal login, and the
// cookie state shared between workers. It also renders portal pages for the
// DOM path of every probe.
package session

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/use-agent/shopmetrics/config"
	"github.com/use-agent/shopmetrics/models"
)

// Browser is a launched Chromium with a reusable page pool. Safe for
// concurrent use.
type Browser struct {
	browser     *rod.Browser
	pagePool    rod.Pool[rod.Page]
	cfg         config.BrowserConfig
	activePages atomic.Int32
}

// Launch starts a stealth-configured browser sized for maxPages concurrent
// portal pages.
func Launch(cfg config.BrowserConfig, maxPages int) (*Browser, error) {
	l := launcher.New().
		Headless(cfg.Headless).
		NoSandbox(cfg.NoSandbox)

	if cfg.BrowserBin != "" {
		l = l.Bin(cfg.BrowserBin)
	}
	if cfg.DefaultProxy != "" {
		l = l.Proxy(cfg.DefaultProxy)
	}

	l.Set(flags.Flag("disable-blink-features"), "AutomationControlled")
	l.Delete(flags.Flag("enable-automation"))
	l.Set(flags.Flag("disable-features"), "AudioServiceOutOfProcess,TranslateUI")
	l.Set(flags.Flag("disable-popup-blocking"))
	l.Set(flags.Flag("disable-renderer-backgrounding"))
	l.Set(flags.Flag("disable-background-timer-throttling"))
	l.Set(flags.Flag("disable-backgrounding-occluded-windows"))
	l.Set(flags.Flag("disable-component-update"))
	l.Set(flags.Flag("disable-default-apps"))
	l.Set(flags.Flag("disable-dev-shm-usage"))
	l.Set(flags.Flag("disable-extensions"))
	l.Set(flags.Flag("no-first-run"))

	controlURL, err := l.Launch()
	if err != nil {
		return nil, models.NewError(models.ErrCodeBrowserCrash, "failed to launch browser", err)
	}
	slog.Info("browser launched", "controlURL", controlURL)

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		return nil, models.NewError(models.ErrCodeBrowserCrash, "failed to connect to browser", err)
	}

	if maxPages < 1 {
		maxPages = 1
	}
	return &Browser{
		browser:  b,
		pagePool: rod.NewPagePool(maxPages),
		cfg:      cfg,
	}, nil
}

// getPage checks out a pooled page, creating it on first use. It waits for a
// free slot no longer than ctx allows.
func (b *Browser) getPage(ctx context.Context) (*rod.Page, error) {
	page, err := acquire(ctx, b.pagePool, func() (*rod.Page, error) {
		page, err := b.browser.Page(proto.TargetCreateTarget{})
		if err != nil {
			return nil, err
		}
		// Stealth scripts persist for every later navigation of the page.
		if _, err := page.EvalOnNewDocument(stealth.JS); err != nil {
			slog.Warn("stealth injection failed, proceeding without stealth", "error", err)
		}
		return page, nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, models.NewError(models.ErrCodeProbeTimeout, "no free browser page before the deadline", err)
		}
		return nil, models.NewError(models.ErrCodeBrowserCrash, "failed to acquire page from pool", err)
	}
	b.activePages.Add(1)
	return page, nil
}

// acquire takes a slot from pool or gives up when ctx is done. An empty
// slot is filled by create; a failed create hands the slot back.
func acquire(ctx context.Context, pool rod.Pool[rod.Page], create func() (*rod.Page, error)) (*rod.Page, error) {
	var page *rod.Page
	select {
	case page = <-pool:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if page != nil {
		return page, nil
	}
	page, err := create()
	if err != nil {
		pool.Put(nil)
		return nil, err
	}
	return page, nil
}

// putPage blanks the page and returns it to the pool.
func (b *Browser) putPage(page *rod.Page) {
	b.activePages.Add(-1)
	if err := page.Timeout(5 * time.Second).Navigate("about:blank"); err != nil {
		slog.Warn("cleanup: failed to navigate to about:blank", "error", err)
	}
	b.pagePool.Put(page)
}

// ActivePages is the number of pages currently checked out.
func (b *Browser) ActivePages() int { return int(b.activePages.Load()) }

// Close drains the page pool and kills the browser process.
func (b *Browser) Close() {
	slog.Info("browser shutting down: draining page pool")
	b.pagePool.Cleanup(func(p *rod.Page) {
		_ = p.Close()
	})
	if err := b.browser.Close(); err != nil {
		slog.Warn("browser close failed", "error", err)
	}
	slog.Info("browser shutdown complete")
}
