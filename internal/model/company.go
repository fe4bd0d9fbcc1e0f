package model

import "time"

// RunStatus represents the current state of a company's pipeline run.
type RunStatus string

const (
	RunStatusPending     RunStatus = "pending"
	RunStatusDiscovering RunStatus = "discovering"
	RunStatusScraping    RunStatus = "scraping"
	RunStatusExtracting  RunStatus = "extracting"
	RunStatusNormalizing RunStatus = "normalizing"
	RunStatusDone        RunStatus = "done"
	RunStatusPartial     RunStatus = "partial"
	RunStatusFailed      RunStatus = "failed"
)

// Terminal reports whether the status is a terminal state.
func (s RunStatus) Terminal() bool {
	return s == RunStatusDone || s == RunStatusPartial || s == RunStatusFailed
}

// Company represents an asset manager whose AUM is being researched.
// Name is the unique key; the pipeline mutates only Status.
type Company struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Status    RunStatus `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Run represents one pipeline execution for a company.
type Run struct {
	ID         string    `json:"id"`
	CompanyID  string    `json:"company_id"`
	Status     RunStatus `json:"status"`
	FailReason string    `json:"fail_reason,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
