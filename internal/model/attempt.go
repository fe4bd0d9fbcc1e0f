package model

import "time"

// ScrapeOutcome classifies the result of a single fetch attempt.
type ScrapeOutcome string

const (
	ScrapeSuccess   ScrapeOutcome = "success"
	ScrapeHTTPError ScrapeOutcome = "http_error"
	ScrapeTimeout   ScrapeOutcome = "timeout"
	ScrapeBlocked   ScrapeOutcome = "blocked"
	ScrapeEmpty     ScrapeOutcome = "empty"
)

// Retryable reports whether a failed attempt with this outcome should be
// retried once before being recorded and skipped.
func (o ScrapeOutcome) Retryable() bool {
	return o == ScrapeBlocked || o == ScrapeHTTPError
}

// ScrapeAttempt is an immutable log entry for one fetch try against a
// discovered link. Never mutated after creation.
type ScrapeAttempt struct {
	ID          string        `json:"id"`
	CompanyID   string        `json:"company_id"`
	LinkID      string        `json:"link_id"`
	URL         string        `json:"url"`
	Outcome     ScrapeOutcome `json:"outcome"`
	TextLength  int           `json:"text_length"`
	RetryCount  int           `json:"retry_count"`
	AttemptedAt time.Time     `json:"attempted_at"`
}
