package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/aum-tracker/internal/budget"
	"github.com/sells-group/aum-tracker/internal/cost"
	"github.com/sells-group/aum-tracker/internal/model"
	"github.com/sells-group/aum-tracker/internal/resilience"
	"github.com/sells-group/aum-tracker/pkg/anthropic"
)

const systemPrompt = `You find assets-under-management (AUM) figures in web content that may be in Portuguese or English. Respond ONLY with JSON of the form {"mentions":[{"value":"<verbatim amount, e.g. R$ 2,3 bi>","source_url":"<the SOURCE the amount appeared under>","rationale":"<one short sentence>"}]}. If no AUM figure is present respond {"mentions":[]}. Never invent values.`

// Budgeter reserves and settles token budget; satisfied by *budget.Manager.
type Budgeter interface {
	Reserve(ctx context.Context, companyID string, estTokens int) (*budget.Reservation, error)
	Commit(ctx context.Context, res *budget.Reservation, operation string, actualTokens int, cost float64) error
	Release(ctx context.Context, res *budget.Reservation) error
}

// CandidateStore persists extraction candidates.
type CandidateStore interface {
	RecordCandidate(ctx context.Context, cand *model.ExtractionCandidate) error
}

// Config tunes the extraction agent.
type Config struct {
	Model           string
	MaxTokens       int64 // response bound
	MaxPromptTokens int
	MaxChunks       int // per-source chunk cap
}

func (c *Config) defaults() {
	if c.Model == "" {
		c.Model = "claude-haiku-4-5-20251001"
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 1024
	}
	if c.MaxPromptTokens <= 0 {
		c.MaxPromptTokens = 8000
	}
	if c.MaxChunks <= 0 {
		c.MaxChunks = 12
	}
}

// Agent extracts AUM mentions from scraped text.
type Agent struct {
	ai     anthropic.Client
	budget Budgeter
	store  CandidateStore
	calc   *cost.Calculator
	cfg    Config
}

// NewAgent creates an extraction Agent.
func NewAgent(ai anthropic.Client, budget Budgeter, store CandidateStore, calc *cost.Calculator, cfg Config) *Agent {
	cfg.defaults()
	return &Agent{ai: ai, budget: budget, store: store, calc: calc, cfg: cfg}
}

type mention struct {
	Value     string `json:"value"`
	SourceURL string `json:"source_url"`
	Rationale string `json:"rationale"`
}

type aiResponse struct {
	Mentions []mention `json:"mentions"`
}

// Extract builds a keyword-filtered prompt from the scraped texts, reserves
// budget, invokes the model, and persists parsed candidates. A budget
// denial, AI failure, or malformed response yields zero candidates; the
// company's run continues degraded.
func (a *Agent) Extract(ctx context.Context, company *model.Company, texts []model.ScrapedText) ([]model.ExtractionCandidate, error) {
	content, linkByURL := a.buildContent(texts)
	if content == "" {
		zap.L().Info("no AUM-relevant content to extract",
			zap.String("company", company.Name),
		)
		return nil, nil
	}

	prompt := fmt.Sprintf(
		"What is the announced assets under management (AUM) of %q?\n\nContent for analysis:\n%s",
		company.Name, content,
	)

	estimate := EstimateTokens(systemPrompt) + EstimateTokens(prompt) + int(a.cfg.MaxTokens)
	res, err := a.budget.Reserve(ctx, company.ID, estimate)
	if err != nil {
		if errors.Is(err, budget.ErrBudgetExceeded) {
			zap.L().Warn("extraction skipped: daily token budget exhausted",
				zap.String("company", company.Name),
				zap.Int("estimate", estimate),
			)
			return nil, nil
		}
		return nil, err
	}

	retryCfg := resilience.DefaultRetryConfig()
	retryCfg.OnRetry = resilience.RetryLogger("anthropic", "aum_extraction")
	resp, err := resilience.DoVal(ctx, retryCfg, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return a.ai.CreateMessage(ctx, anthropic.MessageRequest{
			Model:     a.cfg.Model,
			MaxTokens: a.cfg.MaxTokens,
			System:    systemPrompt,
			Messages:  []anthropic.Message{{Role: "user", Content: prompt}},
		})
	})
	if err != nil {
		if relErr := a.budget.Release(ctx, res); relErr != nil {
			zap.L().Error("failed to release budget reservation", zap.Error(relErr))
		}
		zap.L().Error("AI extraction call failed",
			zap.String("company", company.Name),
			zap.Error(err),
		)
		return nil, nil
	}

	actual := int(resp.Usage.Total())
	callCost := a.calc.Claude(a.cfg.Model, int(resp.Usage.InputTokens), int(resp.Usage.OutputTokens))
	if err := a.budget.Commit(ctx, res, "aum_extraction", actual, callCost); err != nil {
		zap.L().Error("failed to commit token usage", zap.Error(err))
	}

	mentions := parseMentions(resp.Text())
	if len(mentions) == 0 {
		zap.L().Info("no AUM mentions returned",
			zap.String("company", company.Name),
		)
		return nil, nil
	}

	var out []model.ExtractionCandidate
	for _, m := range mentions {
		cand := model.ExtractionCandidate{
			CompanyID: company.ID,
			LinkID:    linkByURL[m.SourceURL],
			RawValue:  strings.TrimSpace(m.Value),
			SourceURL: m.SourceURL,
			Rationale: m.Rationale,
		}
		if cand.RawValue == "" {
			continue
		}
		if err := a.store.RecordCandidate(ctx, &cand); err != nil {
			return nil, err
		}
		out = append(out, cand)
	}

	zap.L().Info("extraction completed",
		zap.String("company", company.Name),
		zap.Int("candidates", len(out)),
		zap.Int("tokens_used", actual),
	)
	return out, nil
}

// buildContent filters each scraped text down to relevant chunks and
// concatenates them under SOURCE headers, bounded by the prompt budget.
func (a *Agent) buildContent(texts []model.ScrapedText) (string, map[string]string) {
	var (
		sb        strings.Builder
		remaining = a.cfg.MaxPromptTokens
		linkByURL = make(map[string]string)
	)

	for _, t := range texts {
		if remaining <= 0 {
			break
		}
		chunks := RelevantChunks(t.Text, remaining, a.cfg.MaxChunks)
		if len(chunks) == 0 {
			continue
		}
		section := fmt.Sprintf("SOURCE: %s\n%s\n", t.URL, strings.Join(chunks, "\n"))
		sb.WriteString(section)
		remaining -= EstimateTokens(section)
		linkByURL[t.URL] = t.LinkID
	}

	return strings.TrimSpace(sb.String()), linkByURL
}

// parseMentions parses the model response defensively. Code fences are
// stripped; anything unparsable yields zero mentions.
func parseMentions(text string) []mention {
	cleaned := cleanJSON(text)
	if cleaned == "" {
		return nil
	}
	if strings.Contains(strings.ToUpper(cleaned), "NAO_DISPONIVEL") ||
		strings.Contains(strings.ToUpper(cleaned), "NOT_AVAILABLE") {
		return nil
	}

	var parsed aiResponse
	if err := json.Unmarshal([]byte(cleaned), &parsed); err != nil {
		zap.L().Warn("malformed extraction response", zap.Error(err))
		return nil
	}
	return parsed.Mentions
}

// cleanJSON strips markdown code fences and leading/trailing noise around
// a JSON object.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	// Strip markdown code fences.
	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return ""
	}
	return strings.TrimSpace(text[start : end+1])
}
