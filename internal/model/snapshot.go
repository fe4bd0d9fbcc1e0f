package model

import (
	"math"
	"time"

	"github.com/rotisserie/eris"
)

// AumSnapshot is one normalized AUM data point with full provenance.
// Snapshots form a per-company time series; "latest" is a query.
type AumSnapshot struct {
	ID                string    `json:"id"`
	CompanyID         string    `json:"company_id"`
	RawValue          string    `json:"raw_value"`
	NormalizedValue   float64   `json:"normalized_value"`
	Currency          string    `json:"currency"`
	Magnitude         float64   `json:"magnitude"`
	ImplicitMagnitude bool      `json:"implicit_magnitude"`
	SourceURL         string    `json:"source_url"`
	ExtractedAt       time.Time `json:"extracted_at"`
}

// Validate rejects snapshots whose normalized value is negative or
// non-finite. Invalid snapshots are never stored.
func (s AumSnapshot) Validate() error {
	if math.IsNaN(s.NormalizedValue) || math.IsInf(s.NormalizedValue, 0) {
		return eris.Errorf("snapshot: non-finite normalized value for %q", s.RawValue)
	}
	if s.NormalizedValue < 0 {
		return eris.Errorf("snapshot: negative normalized value %f for %q", s.NormalizedValue, s.RawValue)
	}
	return nil
}
