package scrape

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/aum-tracker/pkg/jina"
)

// circuitBreaker tracks consecutive failures to skip a flaky upstream.
type circuitBreaker struct {
	mu          sync.Mutex
	failures    int
	lastFailure time.Time
	openUntil   time.Time
	threshold   int           // consecutive failures to trip
	window      time.Duration // failures must occur within this window
	cooldown    time.Duration // how long the circuit stays open
}

func newCircuitBreaker(threshold int, window, cooldown time.Duration) *circuitBreaker {
	return &circuitBreaker{
		threshold: threshold,
		window:    window,
		cooldown:  cooldown,
	}
}

func (cb *circuitBreaker) isOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return time.Now().Before(cb.openUntil)
}

func (cb *circuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	now := time.Now()
	if now.Sub(cb.lastFailure) > cb.window {
		cb.failures = 0
	}
	cb.failures++
	cb.lastFailure = now
	if cb.failures >= cb.threshold {
		cb.openUntil = now.Add(cb.cooldown)
		zap.L().Warn("jina circuit breaker opened",
			zap.Int("failures", cb.failures),
			zap.Duration("cooldown", cb.cooldown),
		)
	}
}

func (cb *circuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
}

// JinaFetcher wraps a Jina Reader client as a Fetcher with a circuit
// breaker: 3 consecutive failures within 30s opens the circuit for 60s,
// causing immediate fallback to the browser fetcher.
type JinaFetcher struct {
	client  jina.Client
	breaker *circuitBreaker
}

// NewJinaFetcher creates a JinaFetcher from a Jina client.
func NewJinaFetcher(client jina.Client) *JinaFetcher {
	return &JinaFetcher{
		client:  client,
		breaker: newCircuitBreaker(3, 30*time.Second, 60*time.Second),
	}
}

func (j *JinaFetcher) Name() string { return "jina" }

// Supports reports whether this fetcher should try the URL. Social feeds
// need a real browser; the reader gets a login wall.
func (j *JinaFetcher) Supports(url string) bool {
	return !isSocialURL(url)
}

func (j *JinaFetcher) Fetch(ctx context.Context, url string) (*Page, error) {
	if j.breaker.isOpen() {
		return nil, eris.New("jina: circuit open")
	}

	resp, err := j.client.Read(ctx, url)
	if err != nil {
		j.breaker.recordFailure()
		return nil, err
	}
	j.breaker.recordSuccess()

	return &Page{
		URL:    url,
		Text:   resp.Data.Content,
		Source: j.Name(),
	}, nil
}

func isSocialURL(url string) bool {
	u := strings.ToLower(url)
	return strings.Contains(u, "linkedin.com") ||
		strings.Contains(u, "instagram.com") ||
		strings.Contains(u, "facebook.com") ||
		strings.Contains(u, "twitter.com") ||
		strings.Contains(u, "//x.com") ||
		strings.Contains(u, "www.x.com")
}
