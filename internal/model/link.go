package model

import "time"

// LinkCategory classifies a discovered URL by source type.
type LinkCategory string

const (
	CategoryReport    LinkCategory = "report"
	CategoryCorporate LinkCategory = "corporate"
	CategoryNews      LinkCategory = "news"
	CategorySocial    LinkCategory = "social"
)

// scrapePriority orders categories for the scraping stage. Lower scrapes first.
var scrapePriority = map[LinkCategory]int{
	CategoryReport:    0,
	CategoryCorporate: 1,
	CategoryNews:      2,
	CategorySocial:    3,
}

// Priority returns the scrape priority rank for the category.
// Unknown categories sort last.
func (c LinkCategory) Priority() int {
	if p, ok := scrapePriority[c]; ok {
		return p
	}
	return len(scrapePriority)
}

// DiscoveredLink is a categorized URL found for a company.
// (CompanyID, URL) is unique: re-discovery never duplicates.
type DiscoveredLink struct {
	ID           string       `json:"id"`
	CompanyID    string       `json:"company_id"`
	URL          string       `json:"url"`
	Category     LinkCategory `json:"category"`
	Query        string       `json:"query"`
	DiscoveredAt time.Time    `json:"discovered_at"`
}
