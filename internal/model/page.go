package model

// ScrapedText is the usable output of one successful scrape, fed to the
// extraction agent.
type ScrapedText struct {
	LinkID   string       `json:"link_id"`
	URL      string       `json:"url"`
	Category LinkCategory `json:"category"`
	Text     string       `json:"text"`
}
