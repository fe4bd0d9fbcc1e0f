package model

import "time"

// ExtractionCandidate is one raw AUM mention produced by the AI extraction
// step, e.g. "R$ 2,3 bi". Immutable.
type ExtractionCandidate struct {
	ID        string    `json:"id"`
	CompanyID string    `json:"company_id"`
	LinkID    string    `json:"link_id,omitempty"`
	RawValue  string    `json:"raw_value"`
	SourceURL string    `json:"source_url"`
	Rationale string    `json:"rationale,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
