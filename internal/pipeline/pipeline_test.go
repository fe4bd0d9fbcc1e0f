package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/aum-tracker/internal/discovery"
	"github.com/sells-group/aum-tracker/internal/model"
	"github.com/sells-group/aum-tracker/internal/store"
)

type stubDiscovery struct {
	links []model.DiscoveredLink
	err   error
}

func (s *stubDiscovery) Discover(_ context.Context, company *model.Company) ([]model.DiscoveredLink, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make([]model.DiscoveredLink, len(s.links))
	copy(out, s.links)
	for i := range out {
		out[i].CompanyID = company.ID
	}
	return out, nil
}

type stubScrape struct {
	texts   []model.ScrapedText
	err     error
	block   chan struct{} // when set, Run waits until closed
	started chan struct{}
}

func (s *stubScrape) Run(ctx context.Context, _ string, _ []model.DiscoveredLink) ([]model.ScrapedText, error) {
	if s.started != nil {
		close(s.started)
	}
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.texts, s.err
}

type stubExtract struct {
	rawValues []string
	err       error
}

func (s *stubExtract) Extract(_ context.Context, company *model.Company, texts []model.ScrapedText) ([]model.ExtractionCandidate, error) {
	if s.err != nil {
		return nil, s.err
	}
	var out []model.ExtractionCandidate
	for _, raw := range s.rawValues {
		src := ""
		if len(texts) > 0 {
			src = texts[0].URL
		}
		out = append(out, model.ExtractionCandidate{
			CompanyID: company.ID,
			RawValue:  raw,
			SourceURL: src,
		})
	}
	return out, nil
}

func newPipelineStore(t *testing.T) (*store.SQLiteStore, *model.Company) {
	t.Helper()

	s, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	c, _, err := s.CreateCompany(context.Background(), "Acme Asset Mgmt")
	require.NoError(t, err)
	return s, c
}

func reportLink() []model.DiscoveredLink {
	return []model.DiscoveredLink{{
		URL:      "https://acme.example/annual-report",
		Category: model.CategoryReport,
	}}
}

func aumText() []model.ScrapedText {
	return []model.ScrapedText{{
		URL:  "https://acme.example/annual-report",
		Text: "Acme reported AUM of R$ 2,3 bi in 2024",
	}}
}

func TestProcess_DoneWithSnapshot(t *testing.T) {
	st, company := newPipelineStore(t)

	orch := New(st,
		&stubDiscovery{links: reportLink()},
		&stubScrape{texts: aumText()},
		&stubExtract{rawValues: []string{"R$ 2,3 bi"}},
	)

	run, err := orch.Process(context.Background(), company.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusDone, run.Status)

	snap, err := st.LatestSnapshot(context.Background(), company.ID)
	require.NoError(t, err)
	assert.InDelta(t, 2_300_000_000, snap.NormalizedValue, 1)
	assert.Equal(t, "BRL", snap.Currency)
	assert.Equal(t, "https://acme.example/annual-report", snap.SourceURL)

	got, err := st.GetCompany(context.Background(), company.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusDone, got.Status)
}

func TestProcess_PartialWhenNoSnapshots(t *testing.T) {
	st, company := newPipelineStore(t)

	// all links failed to fetch: scrape yields no text, extraction has
	// nothing to work with
	orch := New(st,
		&stubDiscovery{links: reportLink()},
		&stubScrape{},
		&stubExtract{},
	)

	run, err := orch.Process(context.Background(), company.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusPartial, run.Status)

	_, err = st.LatestSnapshot(context.Background(), company.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestProcess_UnparsableCandidateAbsorbed(t *testing.T) {
	st, company := newPipelineStore(t)

	orch := New(st,
		&stubDiscovery{links: reportLink()},
		&stubScrape{texts: aumText()},
		&stubExtract{rawValues: []string{"NAO_DISPONIVEL", "R$ 1,2 bi"}},
	)

	run, err := orch.Process(context.Background(), company.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusDone, run.Status)

	rows, err := st.ListSnapshotRows(context.Background())
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestProcess_FailedWhenDiscoveryUnavailable(t *testing.T) {
	st, company := newPipelineStore(t)

	orch := New(st,
		&stubDiscovery{err: discovery.ErrDiscoveryUnavailable},
		&stubScrape{},
		&stubExtract{},
	)

	run, err := orch.Process(context.Background(), company.ID)
	require.Error(t, err)
	assert.Equal(t, model.RunStatusFailed, run.Status)
	assert.NotEmpty(t, run.FailReason)

	got, err := st.GetCompany(context.Background(), company.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, got.Status)
}

func TestProcess_MissingCompany(t *testing.T) {
	st, _ := newPipelineStore(t)

	orch := New(st, &stubDiscovery{}, &stubScrape{}, &stubExtract{})
	_, err := orch.Process(context.Background(), "no-such-company")
	assert.Error(t, err)
}

func TestProcess_ConcurrentTriggerRejected(t *testing.T) {
	st, company := newPipelineStore(t)

	scr := &stubScrape{
		texts:   aumText(),
		block:   make(chan struct{}),
		started: make(chan struct{}),
	}
	orch := New(st,
		&stubDiscovery{links: reportLink()},
		scr,
		&stubExtract{rawValues: []string{"R$ 2,3 bi"}},
	)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := orch.Process(context.Background(), company.ID)
		assert.NoError(t, err)
	}()

	<-scr.started
	assert.True(t, orch.Running(company.ID))

	_, err := orch.Process(context.Background(), company.ID)
	assert.ErrorIs(t, err, ErrRunInProgress)

	close(scr.block)
	wg.Wait()
	assert.False(t, orch.Running(company.ID))
}

func TestProcessBatch_RunsAllCompanies(t *testing.T) {
	st, first := newPipelineStore(t)

	second, _, err := st.CreateCompany(context.Background(), "Beta Capital")
	require.NoError(t, err)

	orch := New(st,
		&stubDiscovery{links: reportLink()},
		&stubScrape{texts: aumText()},
		&stubExtract{rawValues: []string{"$1.5 million"}},
	)

	err = orch.ProcessBatch(context.Background(), []string{first.ID, second.ID}, 2)
	require.NoError(t, err)

	for _, id := range []string{first.ID, second.ID} {
		c, err := st.GetCompany(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, model.RunStatusDone, c.Status)
	}
}

func TestProcessBatch_HonorsCancellation(t *testing.T) {
	st, company := newPipelineStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	orch := New(st, &stubDiscovery{links: reportLink()}, &stubScrape{}, &stubExtract{})

	err := orch.ProcessBatch(ctx, []string{company.ID}, 1)
	assert.Error(t, err)

	// the lock is released even after a cancelled run
	require.Eventually(t, func() bool { return !orch.Running(company.ID) }, time.Second, 10*time.Millisecond)
}
