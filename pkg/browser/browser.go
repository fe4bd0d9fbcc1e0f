// Package browser fetches pages through headless Chrome for sites that
// block plain HTTP readers or render content client-side. Pages are
// converted to markdown before extraction.
package browser

import (
	"context"
	"sync"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/stealth"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Config configures the headless browser.
type Config struct {
	// RemoteURL is the WebSocket URL of an external Chrome instance.
	// Empty = launch a local Chrome via launcher.
	RemoteURL string

	// NavigateTimeout bounds navigation plus load. Default: 30s.
	NavigateTimeout time.Duration

	// SettleDelay is extra wait after load for client-side rendering.
	// Default: 2s.
	SettleDelay time.Duration

	// ScrollPasses is how many viewport scrolls to run on feed-style
	// pages before capturing the DOM. Default: 3.
	ScrollPasses int
}

func (c *Config) defaults() {
	if c.NavigateTimeout <= 0 {
		c.NavigateTimeout = 30 * time.Second
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = 2 * time.Second
	}
	if c.ScrollPasses <= 0 {
		c.ScrollPasses = 3
	}
}

// Browser wraps a Rod browser with stealth page creation. Safe for
// concurrent use; each fetch runs in its own tab.
type Browser struct {
	cfg Config

	mu      sync.Mutex
	browser *rod.Browser
	lnch    *launcher.Launcher
}

// New creates a Browser. Call Start before fetching.
func New(cfg Config) *Browser {
	cfg.defaults()
	return &Browser{cfg: cfg}
}

// Start launches Chrome or connects to a remote instance.
func (b *Browser) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.browser != nil {
		return nil
	}

	wsURL := b.cfg.RemoteURL
	if wsURL == "" {
		b.lnch = launcher.New().Headless(true)
		u, err := b.lnch.Launch()
		if err != nil {
			return eris.Wrap(err, "browser: launch chrome")
		}
		wsURL = u
	}

	br := rod.New().ControlURL(wsURL)
	if err := br.Connect(); err != nil {
		return eris.Wrap(err, "browser: connect")
	}
	b.browser = br
	return nil
}

// Close shuts down the browser and its launcher.
func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.browser == nil {
		return nil
	}
	err := b.browser.Close()
	if b.lnch != nil {
		b.lnch.Cleanup()
	}
	b.browser = nil
	return eris.Wrap(err, "browser: close")
}

// FetchMarkdown navigates to pageURL in a fresh stealth tab, waits for the
// page to settle, optionally scrolls to force lazy feeds to load, and
// returns the DOM converted to markdown.
func (b *Browser) FetchMarkdown(ctx context.Context, pageURL string, scroll bool) (string, error) {
	b.mu.Lock()
	br := b.browser
	b.mu.Unlock()
	if br == nil {
		return "", eris.New("browser: not started")
	}

	page, err := stealth.Page(br)
	if err != nil {
		return "", eris.Wrap(err, "browser: create tab")
	}
	defer func() { _ = page.Close() }()

	navCtx, cancel := context.WithTimeout(ctx, b.cfg.NavigateTimeout)
	defer cancel()

	if err := page.Context(navCtx).Navigate(pageURL); err != nil {
		return "", eris.Wrapf(err, "browser: navigate %s", pageURL)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		zap.L().Warn("page load wait timed out",
			zap.String("url", pageURL),
			zap.Error(err),
		)
	}

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(b.cfg.SettleDelay):
	}

	if scroll {
		b.scrollFeed(ctx, page)
	}

	res, err := page.Context(ctx).Eval(`() => document.documentElement.outerHTML`)
	if err != nil {
		return "", eris.Wrapf(err, "browser: capture DOM %s", pageURL)
	}

	md, err := htmltomarkdown.ConvertString(res.Value.Str())
	if err != nil {
		return "", eris.Wrap(err, "browser: convert to markdown")
	}
	return md, nil
}

// scrollFeed scrolls a feed-style page so lazily loaded posts render.
// Scroll errors are absorbed; whatever loaded is still captured.
func (b *Browser) scrollFeed(ctx context.Context, page *rod.Page) {
	for i := 0; i < b.cfg.ScrollPasses; i++ {
		if _, err := page.Context(ctx).Eval(`() => window.scrollTo(0, document.body.scrollHeight)`); err != nil {
			zap.L().Debug("feed scroll failed", zap.Error(err))
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}
