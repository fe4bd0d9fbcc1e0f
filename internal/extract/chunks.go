// Package extract turns scraped text into AUM candidates via an AI model,
// gated by the daily token budget.
package extract

import (
	"regexp"
	"sort"
	"strings"
)

// aumKeywords matches AUM vocabulary in Portuguese and English.
var aumKeywords = regexp.MustCompile(
	`(?i)(aum|assets under management|patrimônio sob gestão|sob gestão|ativos sob gestão|recursos sob gestão)`,
)

// monetaryValue matches currency-prefixed amounts like "R$ 2,3 bi" or
// "US$ 1.5 billion".
var monetaryValue = regexp.MustCompile(`(?i)((R\$|US\$|U\$|\$|€|£) ?\d[\d.,]* ?\w*)`)

// HasKeyword reports whether text mentions AUM vocabulary or a monetary
// amount. The scrape stage uses it as its sufficient-evidence check.
func HasKeyword(text string) bool {
	return aumKeywords.MatchString(text) || monetaryValue.MatchString(text)
}

// EstimateTokens approximates the model token count of a string. Four
// characters per token is close enough for budget admission; actual usage
// is committed from the API response.
func EstimateTokens(s string) int {
	return len(s)/4 + 1
}

type chunk struct {
	text    string
	tokens  int
	density float64
}

// RelevantChunks filters text to paragraphs carrying AUM keywords or
// monetary values, orders them by keyword density, and accumulates up to
// maxTokens across at most maxChunks paragraphs. Full-document inclusion
// is never guaranteed.
func RelevantChunks(text string, maxTokens, maxChunks int) []string {
	paragraphs := splitParagraphs(text)

	var candidates []chunk
	for _, p := range paragraphs {
		hits := len(aumKeywords.FindAllStringIndex(p, -1)) + len(monetaryValue.FindAllStringIndex(p, -1))
		if hits == 0 {
			continue
		}
		tokens := EstimateTokens(p)
		candidates = append(candidates, chunk{
			text:    p,
			tokens:  tokens,
			density: float64(hits) / float64(tokens),
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].density > candidates[j].density
	})

	var (
		out   []string
		total int
	)
	for _, c := range candidates {
		if len(out) >= maxChunks {
			break
		}
		if total+c.tokens > maxTokens {
			continue
		}
		out = append(out, c.text)
		total += c.tokens
	}
	return out
}

// splitParagraphs breaks markdown-ish text into trimmed paragraph blocks.
func splitParagraphs(text string) []string {
	blocks := strings.Split(text, "\n\n")

	var out []string
	for _, b := range blocks {
		var lines []string
		for _, line := range strings.Split(b, "\n") {
			line = strings.TrimSpace(line)
			if line != "" {
				lines = append(lines, line)
			}
		}
		if len(lines) > 0 {
			out = append(out, strings.Join(lines, "\n"))
		}
	}
	return out
}
