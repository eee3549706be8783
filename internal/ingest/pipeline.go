package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/david/grant-matcher/internal/ai"
	"github.com/david/grant-matcher/internal/db"
	"github.com/david/grant-matcher/internal/models"
)

// ListingStore is the persistence a Pipeline needs. *db.Store implements it.
type ListingStore interface {
	StartFetchRun(ctx context.Context, sources []string) (uuid.UUID, error)
	UpsertListings(ctx context.Context, listings []models.Listing) (int, error)
	FinishFetchRun(ctx context.Context, run db.FetchRun) error
}

// Pipeline fetches sources, enriches the listings and stores them.
// Embedder and Classifier are optional; enrichment failures are logged and
// never drop a listing.
type Pipeline struct {
	Collector  *Collector
	Store      ListingStore
	Embedder   ai.Embedder
	Classifier ai.Completer
	Logger     *zap.Logger
}

// RunSummary is what a single Run did.
type RunSummary struct {
	RunID  uuid.UUID
	Report Report
	Saved  int
	Status string
}

func (p *Pipeline) logger() *zap.Logger {
	if p.Logger == nil {
		return zap.NewNop()
	}
	return p.Logger
}

// Run performs one fetch run over sources. The returned error is non-nil
// only when nothing could be recorded; per-source failures are in the
// summary's report.
func (p *Pipeline) Run(ctx context.Context, sources []Source) (*RunSummary, error) {
	log := p.logger()
	ids := make([]string, len(sources))
	for i, s := range sources {
		ids[i] = s.ID
	}

	summary := &RunSummary{}
	if p.Store != nil {
		runID, err := p.Store.StartFetchRun(ctx, ids)
		if err != nil {
			return nil, err
		}
		summary.RunID = runID
	}
	log.Info("fetch run started", zap.Stringer("run_id", summary.RunID), zap.Strings("sources", ids))

	report := p.Collector.FetchAll(ctx, sources)
	summary.Report = report

	listings := report.Listings
	if ctx.Err() == nil {
		p.enrich(ctx, listings)
	}

	var saveErr error
	if p.Store != nil && len(listings) > 0 {
		// Stored even when ctx was canceled mid-run so fetched work is kept.
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
		summary.Saved, saveErr = p.Store.UpsertListings(saveCtx, listings)
		cancel()
		if saveErr != nil {
			log.Error("failed to save listings", zap.Error(saveErr))
		}
	}

	summary.Status = runStatus(ctx, report, saveErr)
	if p.Store != nil {
		run := db.FetchRun{
			ID:            summary.RunID,
			Status:        summary.Status,
			Sources:       ids,
			Succeeded:     report.Succeeded,
			Failed:        len(report.Errors),
			ListingsFound: len(listings),
			ListingsSaved: summary.Saved,
			Errors:        runErrors(report, saveErr),
		}
		finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := p.Store.FinishFetchRun(finishCtx, run); err != nil {
			log.Error("failed to record fetch run", zap.Stringer("run_id", summary.RunID), zap.Error(err))
		}
	}

	log.Info("fetch run complete",
		zap.Stringer("run_id", summary.RunID),
		zap.String("status", summary.Status),
		zap.Int("found", len(listings)),
		zap.Int("saved", summary.Saved))
	return summary, nil
}

func (p *Pipeline) enrich(ctx context.Context, listings []models.Listing) {
	log := p.logger()
	for i := range listings {
		if ctx.Err() != nil {
			return
		}
		l := &listings[i]
		if p.Classifier != nil && len(l.Categories) == 0 {
			res, err := ai.ClassifyGrant(ctx, p.Classifier, l.Title, TruncateText(l.Description, 2000))
			if err != nil {
				log.Debug("classification failed", zap.String("listing", l.ID), zap.Error(err))
			} else {
				l.Categories = res.Categories
				l.Eligibility = mergeUniqueFold(l.Eligibility, res.Eligibility)
			}
		}
		if p.Embedder != nil && len(l.Embedding) == 0 {
			emb, err := p.Embedder.GenerateEmbedding(ctx, TruncateText(l.Title+"\n"+l.Description, 4000))
			if err != nil {
				log.Debug("embedding failed", zap.String("listing", l.ID), zap.Error(err))
				continue
			}
			l.Embedding = emb
		}
	}
}

func runStatus(ctx context.Context, report Report, saveErr error) string {
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return db.RunCanceled
	case saveErr != nil, report.Sources > 0 && report.Succeeded == 0:
		return db.RunFailed
	case len(report.Errors) > 0:
		return db.RunPartial
	}
	return db.RunSucceeded
}

func runErrors(report Report, saveErr error) []db.RunError {
	out := make([]db.RunError, 0, len(report.Errors)+1)
	for _, fe := range report.Errors {
		out = append(out, db.RunError{
			Source:  fe.Source,
			Kind:    string(fe.Kind),
			URL:     fe.URL,
			Message: fe.Error(),
		})
	}
	if saveErr != nil {
		out = append(out, db.RunError{Kind: "store", Message: saveErr.Error()})
	}
	return out
}
