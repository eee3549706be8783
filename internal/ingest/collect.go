package ingest

import (
	"context"
	"errors"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/david/grant-matcher/internal/models"
)

// SourceFetcher fetches every listing of one source. RobustFetcher implements it.
type SourceFetcher interface {
	FetchSource(ctx context.Context, src Source) ([]models.Listing, error)
}

// SourceResult is the outcome of fetching one source.
type SourceResult struct {
	Index    int // position of the source in the input slice
	Source   Source
	Listings []models.Listing
	Err      *FetchError
	Duration time.Duration
}

// Report aggregates a FetchAll run. Listings keep the order of the input sources.
type Report struct {
	Listings  []models.Listing
	Errors    []*FetchError
	Sources   int
	Succeeded int
}

// Err combines every per-source error, or returns nil when all sources succeeded.
func (r Report) Err() error {
	var err error
	for _, fe := range r.Errors {
		err = multierr.Append(err, fe)
	}
	return err
}

// ErrorFor returns the error recorded for a source id, if any.
func (r Report) ErrorFor(sourceID string) *FetchError {
	for _, fe := range r.Errors {
		if fe.Source == sourceID {
			return fe
		}
	}
	return nil
}

// Collector fetches many sources concurrently with a bounded worker pool.
type Collector struct {
	fetcher SourceFetcher
	workers int
	logger  *zap.Logger
	metrics *Metrics
}

func NewCollector(fetcher SourceFetcher, workers int, logger *zap.Logger, metrics *Metrics) *Collector {
	if workers <= 0 {
		workers = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{fetcher: fetcher, workers: workers, logger: logger, metrics: metrics}
}

// Stream starts fetching and yields each source's result as it completes.
// The channel is closed once every started fetch has finished. Sources not yet
// started when ctx is canceled are never fetched.
func (c *Collector) Stream(ctx context.Context, sources []Source) <-chan SourceResult {
	out := make(chan SourceResult)
	go func() {
		defer close(out)
		var g errgroup.Group
		g.SetLimit(c.workers)
		for i, src := range sources {
			if ctx.Err() != nil {
				break
			}
			i, src := i, src
			g.Go(func() error {
				res := c.fetchOne(ctx, i, src)
				select {
				case out <- res:
				case <-ctx.Done():
				}
				return nil
			})
		}
		_ = g.Wait()
	}()
	return out
}

// FetchAll drains Stream into a Report. Partial failure is never fatal: failed
// sources contribute no listings and appear in Report.Errors.
func (c *Collector) FetchAll(ctx context.Context, sources []Source) Report {
	results := make([]*SourceResult, len(sources))
	for res := range c.Stream(ctx, sources) {
		res := res
		results[res.Index] = &res
	}

	report := Report{Sources: len(sources)}
	for i, res := range results {
		if res == nil {
			report.Errors = append(report.Errors, canceledError(sources[i], "", context.Cause(ctx)))
			continue
		}
		if res.Err != nil {
			report.Errors = append(report.Errors, res.Err)
			continue
		}
		report.Succeeded++
		report.Listings = append(report.Listings, res.Listings...)
	}
	c.logger.Info("fetch run finished",
		zap.Int("sources", report.Sources),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", len(report.Errors)),
		zap.Int("listings", len(report.Listings)))
	return report
}

func (c *Collector) fetchOne(ctx context.Context, index int, src Source) SourceResult {
	res := SourceResult{Index: index, Source: src}
	if err := ctx.Err(); err != nil {
		res.Err = canceledError(src, "", err)
		return res
	}

	start := time.Now()
	listings, err := c.fetcher.FetchSource(ctx, src)
	res.Duration = time.Since(start)
	if err != nil {
		res.Err = asFetchError(src, err)
		c.metrics.sourceResult(string(res.Err.Kind))
		c.logger.Warn("source failed",
			zap.String("source", src.ID),
			zap.String("kind", string(res.Err.Kind)),
			zap.Duration("took", res.Duration),
			zap.Error(err))
		return res
	}
	res.Listings = listings
	c.metrics.sourceResult("ok")
	c.logger.Info("source fetched",
		zap.String("source", src.ID),
		zap.Int("listings", len(listings)),
		zap.Duration("took", res.Duration))
	return res
}

func asFetchError(src Source, err error) *FetchError {
	var fe *FetchError
	if errors.As(err, &fe) {
		if fe.Source == "" {
			cp := *fe
			cp.Source = src.ID
			return &cp
		}
		return fe
	}
	kind := KindExhausted
	if errors.Is(err, context.Canceled) {
		kind = KindCanceled
	}
	return &FetchError{Kind: kind, Source: src.ID, Message: err.Error(), Err: err}
}
