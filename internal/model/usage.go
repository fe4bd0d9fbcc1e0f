package model

import "time"

// UsageRecord is an append-only ledger entry for one costed AI call.
// CompanyID may be empty for calls not attributable to a single company.
type UsageRecord struct {
	ID        string    `json:"id"`
	CompanyID string    `json:"company_id,omitempty"`
	Operation string    `json:"operation"`
	Tokens    int       `json:"tokens"`
	Cost      float64   `json:"cost"`
	Timestamp time.Time `json:"timestamp"`
}

// UsageSummary aggregates committed usage for one UTC day. It is derived
// from the ledger, never stored.
type UsageSummary struct {
	Date      string  `json:"date"`
	Tokens    int     `json:"tokens"`
	Cost      float64 `json:"cost"`
	CallCount int     `json:"call_count"`
	Ceiling   int     `json:"ceiling,omitempty"`
}
