package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap/zaptest"

	"github.com/david/grant-matcher/internal/db"
	"github.com/david/grant-matcher/internal/models"
)

type memoryStore struct {
	mu      sync.Mutex
	saved   []models.Listing
	runs    []db.FetchRun
	saveErr error
	started []string
}

func (m *memoryStore) StartFetchRun(_ context.Context, sources []string) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = sources
	return uuid.New(), nil
}

func (m *memoryStore) UpsertListings(_ context.Context, listings []models.Listing) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return 0, m.saveErr
	}
	m.saved = append(m.saved, listings...)
	return len(listings), nil
}

func (m *memoryStore) FinishFetchRun(_ context.Context, run db.FetchRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, run)
	return nil
}

type fakeEmbedder struct{ err error }

func (f fakeEmbedder) GenerateEmbedding(context.Context, string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []float32{1, 0, 0}, nil
}

func TestPipeline_RunRecordsPartialFailure(t *testing.T) {
	fetcher := &fakeSourceFetcher{
		results: map[string][]models.Listing{"a": listingsFor("a", "one", "two")},
		errs:    map[string]error{"b": &FetchError{Kind: KindExhausted, Source: "b", Message: "all 1 urls failed"}},
	}
	store := &memoryStore{}
	p := &Pipeline{
		Collector:  NewCollector(fetcher, 2, zaptest.NewLogger(t), nil),
		Store:      store,
		Embedder:   fakeEmbedder{},
		Classifier: stubCompleter{resp: `{"categories":["Education","Made Up"],"eligibility":["Nonprofits"]}`},
		Logger:     zaptest.NewLogger(t),
	}

	summary, err := p.Run(context.Background(), []Source{{ID: "a"}, {ID: "b"}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Status != db.RunPartial || summary.Saved != 2 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if len(store.saved) != 2 {
		t.Fatalf("expected 2 saved listings, got %d", len(store.saved))
	}
	for _, l := range store.saved {
		if len(l.Embedding) != 3 {
			t.Fatalf("listing %s not embedded", l.ID)
		}
		if len(l.Categories) != 1 || l.Categories[0] != "Education" {
			t.Fatalf("listing %s has categories %v", l.ID, l.Categories)
		}
	}

	if len(store.runs) != 1 {
		t.Fatalf("expected one finished run, got %d", len(store.runs))
	}
	run := store.runs[0]
	if run.Succeeded != 1 || run.Failed != 1 || run.ListingsFound != 2 || run.ListingsSaved != 2 {
		t.Fatalf("unexpected run record: %+v", run)
	}
	if len(run.Errors) != 1 || run.Errors[0].Source != "b" || run.Errors[0].Kind != string(KindExhausted) {
		t.Fatalf("unexpected run errors: %+v", run.Errors)
	}
}

func TestPipeline_EnrichmentFailureKeepsListings(t *testing.T) {
	fetcher := &fakeSourceFetcher{results: map[string][]models.Listing{"a": listingsFor("a", "one")}}
	store := &memoryStore{}
	p := &Pipeline{
		Collector:  NewCollector(fetcher, 1, nil, nil),
		Store:      store,
		Embedder:   fakeEmbedder{err: errors.New("ollama down")},
		Classifier: stubCompleter{err: errors.New("ollama down")},
	}

	summary, err := p.Run(context.Background(), []Source{{ID: "a"}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Status != db.RunSucceeded || len(store.saved) != 1 {
		t.Fatalf("listing should be saved without enrichment: %+v", summary)
	}
}

func TestPipeline_StoreFailureMarksRunFailed(t *testing.T) {
	fetcher := &fakeSourceFetcher{results: map[string][]models.Listing{"a": listingsFor("a", "one")}}
	store := &memoryStore{saveErr: errors.New("disk full")}
	p := &Pipeline{Collector: NewCollector(fetcher, 1, nil, nil), Store: store}

	summary, err := p.Run(context.Background(), []Source{{ID: "a"}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Status != db.RunFailed {
		t.Fatalf("expected failed status, got %q", summary.Status)
	}
	errs := store.runs[0].Errors
	if len(errs) != 1 || errs[0].Kind != "store" {
		t.Fatalf("expected store error recorded, got %+v", errs)
	}
}

func TestPipeline_WithoutStore(t *testing.T) {
	fetcher := &fakeSourceFetcher{results: map[string][]models.Listing{"a": listingsFor("a", "one")}}
	p := &Pipeline{Collector: NewCollector(fetcher, 1, nil, nil)}

	summary, err := p.Run(context.Background(), []Source{{ID: "a"}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(summary.Report.Listings) != 1 || summary.Saved != 0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}
