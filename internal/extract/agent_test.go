package extract

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/aum-tracker/internal/budget"
	"github.com/sells-group/aum-tracker/internal/cost"
	"github.com/sells-group/aum-tracker/internal/model"
	"github.com/sells-group/aum-tracker/pkg/anthropic"
)

type fakeAI struct {
	resp *anthropic.MessageResponse
	err  error
	got  anthropic.MessageRequest
}

func (f *fakeAI) CreateMessage(_ context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	f.got = req
	return f.resp, f.err
}

type fakeBudget struct {
	denied    bool
	reserved  int
	committed int
	released  int
}

func (f *fakeBudget) Reserve(_ context.Context, companyID string, est int) (*budget.Reservation, error) {
	if f.denied {
		return nil, budget.ErrBudgetExceeded
	}
	f.reserved = est
	return &budget.Reservation{ID: "r1", CompanyID: companyID, Tokens: est}, nil
}

func (f *fakeBudget) Commit(_ context.Context, _ *budget.Reservation, _ string, actual int, _ float64) error {
	f.committed = actual
	return nil
}

func (f *fakeBudget) Release(_ context.Context, _ *budget.Reservation) error {
	f.released++
	return nil
}

type memCandidates struct {
	cands []model.ExtractionCandidate
}

func (m *memCandidates) RecordCandidate(_ context.Context, c *model.ExtractionCandidate) error {
	m.cands = append(m.cands, *c)
	return nil
}

func textResponse(body string, in, out int64) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{{Type: "text", Text: body}},
		Usage:   anthropic.TokenUsage{InputTokens: in, OutputTokens: out},
	}
}

func newAgent(ai anthropic.Client, b Budgeter, s CandidateStore) *Agent {
	return NewAgent(ai, b, s, cost.NewCalculator(cost.DefaultRates()), Config{})
}

func scrapedAUMText() []model.ScrapedText {
	return []model.ScrapedText{{
		LinkID:   "l1",
		URL:      "https://verdeasset.com.br/ri",
		Category: model.CategoryReport,
		Text:     "Sobre nós\n\nNosso patrimônio sob gestão é de R$ 2,3 bi em 2025.\n\nContato",
	}}
}

func TestExtract_ParsesCandidates(t *testing.T) {
	t.Parallel()

	ai := &fakeAI{resp: textResponse(
		`{"mentions":[{"value":"R$ 2,3 bi","source_url":"https://verdeasset.com.br/ri","rationale":"stated on IR page"}]}`,
		900, 60,
	)}
	bud := &fakeBudget{}
	store := &memCandidates{}

	agent := newAgent(ai, bud, store)
	cands, err := agent.Extract(context.Background(), &model.Company{ID: "c1", Name: "Verde Asset"}, scrapedAUMText())
	require.NoError(t, err)

	require.Len(t, cands, 1)
	assert.Equal(t, "R$ 2,3 bi", cands[0].RawValue)
	assert.Equal(t, "https://verdeasset.com.br/ri", cands[0].SourceURL)
	assert.Equal(t, "l1", cands[0].LinkID)
	assert.Len(t, store.cands, 1)
	assert.Equal(t, 960, bud.committed)

	// the prompt only carries the relevant paragraph
	assert.Contains(t, ai.got.Messages[0].Content, "patrimônio sob gestão")
	assert.NotContains(t, ai.got.Messages[0].Content, "Contato")
}

func TestExtract_CodeFencedResponse(t *testing.T) {
	t.Parallel()

	ai := &fakeAI{resp: textResponse(
		"```json\n{\"mentions\":[{\"value\":\"$1.5 million\",\"source_url\":\"https://x.example\"}]}\n```",
		500, 40,
	)}

	agent := newAgent(ai, &fakeBudget{}, &memCandidates{})
	cands, err := agent.Extract(context.Background(), &model.Company{ID: "c1", Name: "Acme"}, scrapedAUMText())
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "$1.5 million", cands[0].RawValue)
}

func TestExtract_BudgetExceededIsDegraded(t *testing.T) {
	t.Parallel()

	ai := &fakeAI{resp: textResponse(`{"mentions":[]}`, 1, 1)}
	bud := &fakeBudget{denied: true}

	agent := newAgent(ai, bud, &memCandidates{})
	cands, err := agent.Extract(context.Background(), &model.Company{ID: "c1", Name: "Acme"}, scrapedAUMText())

	require.NoError(t, err)
	assert.Empty(t, cands)
	assert.Empty(t, ai.got.Messages) // model was never called
}

func TestExtract_AIFailureReleasesReservation(t *testing.T) {
	t.Parallel()

	ai := &fakeAI{err: errors.New("api down")}
	bud := &fakeBudget{}

	agent := newAgent(ai, bud, &memCandidates{})
	cands, err := agent.Extract(context.Background(), &model.Company{ID: "c1", Name: "Acme"}, scrapedAUMText())

	require.NoError(t, err)
	assert.Empty(t, cands)
	assert.Equal(t, 1, bud.released)
}

func TestExtract_MalformedResponseYieldsZero(t *testing.T) {
	t.Parallel()

	ai := &fakeAI{resp: textResponse("{not json at all", 100, 10)}
	bud := &fakeBudget{}

	agent := newAgent(ai, bud, &memCandidates{})
	cands, err := agent.Extract(context.Background(), &model.Company{ID: "c1", Name: "Acme"}, scrapedAUMText())

	require.NoError(t, err)
	assert.Empty(t, cands)
	// usage is still committed; the call happened
	assert.Equal(t, 110, bud.committed)
}

func TestExtract_NotAvailable(t *testing.T) {
	t.Parallel()

	ai := &fakeAI{resp: textResponse("NAO_DISPONIVEL", 100, 5)}

	agent := newAgent(ai, &fakeBudget{}, &memCandidates{})
	cands, err := agent.Extract(context.Background(), &model.Company{ID: "c1", Name: "Acme"}, scrapedAUMText())

	require.NoError(t, err)
	assert.Empty(t, cands)
}

func TestExtract_NoRelevantContentSkipsAI(t *testing.T) {
	t.Parallel()

	ai := &fakeAI{resp: textResponse(`{"mentions":[]}`, 1, 1)}
	bud := &fakeBudget{}

	texts := []model.ScrapedText{{URL: "https://x.example", Text: "Nothing financial here.\n\nJust a contact page."}}

	agent := newAgent(ai, bud, &memCandidates{})
	cands, err := agent.Extract(context.Background(), &model.Company{ID: "c1", Name: "Acme"}, texts)

	require.NoError(t, err)
	assert.Empty(t, cands)
	assert.Zero(t, bud.reserved)
}

func TestRelevantChunks_FiltersAndBounds(t *testing.T) {
	t.Parallel()

	text := strings.Join([]string{
		"Company history since 1990.",
		"Our AUM reached R$ 5 bi this year.",
		"Careers: join our team.",
		"Assets under management: $10 Billion",
	}, "\n\n")

	chunks := RelevantChunks(text, 1000, 12)
	require.Len(t, chunks, 2)
	for _, c := range chunks {
		assert.True(t, HasKeyword(c))
	}

	// a tiny budget keeps only what fits
	small := RelevantChunks(text, 8, 12)
	assert.LessOrEqual(t, len(small), 1)
}

func TestRelevantChunks_CapsChunkCount(t *testing.T) {
	t.Parallel()

	paragraphs := make([]string, 10)
	for i := range paragraphs {
		paragraphs[i] = fmt.Sprintf("Fund %d reports R$ %d bi sob gestão.", i, i+1)
	}
	text := strings.Join(paragraphs, "\n\n")

	assert.Len(t, RelevantChunks(text, 100_000, 3), 3)
	assert.Len(t, RelevantChunks(text, 100_000, 12), 10)
}

func TestHasKeyword(t *testing.T) {
	t.Parallel()

	assert.True(t, HasKeyword("patrimônio sob gestão de R$ 2 bi"))
	assert.True(t, HasKeyword("assets under management"))
	assert.True(t, HasKeyword("valuation of US$ 3,2 bi"))
	assert.False(t, HasKeyword("our team loves coffee"))
}
