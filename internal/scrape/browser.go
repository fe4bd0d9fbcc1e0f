package scrape

import (
	"context"
)

// PageFetcher is the headless-browser collaborator.
type PageFetcher interface {
	FetchMarkdown(ctx context.Context, url string, scroll bool) (string, error)
}

// BrowserFetcher fetches pages through headless Chrome. It handles social
// feeds (with scrolling to load lazy content) and serves as the fallback
// when the reader is blocked.
type BrowserFetcher struct {
	browser PageFetcher
}

// NewBrowserFetcher creates a BrowserFetcher.
func NewBrowserFetcher(browser PageFetcher) *BrowserFetcher {
	return &BrowserFetcher{browser: browser}
}

func (b *BrowserFetcher) Name() string { return "browser" }

func (b *BrowserFetcher) Supports(url string) bool { return true }

func (b *BrowserFetcher) Fetch(ctx context.Context, url string) (*Page, error) {
	text, err := b.browser.FetchMarkdown(ctx, url, isSocialURL(url))
	if err != nil {
		return nil, err
	}
	return &Page{
		URL:    url,
		Text:   text,
		Source: b.Name(),
	}, nil
}
