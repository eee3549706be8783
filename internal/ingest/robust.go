package ingest

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/david/grant-matcher/internal/models"
)

// DefaultUserAgents is the rotation pool used when none is configured.
var DefaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 14_2) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.2 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64; rv:121.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:121.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
}

// RetryPolicy controls attempts per URL.
type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	Multiplier  float64
	MaxBackoff  time.Duration
	Jitter      time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseBackoff: 500 * time.Millisecond,
		Multiplier:  2,
		MaxBackoff:  10 * time.Second,
		Jitter:      100 * time.Millisecond,
	}
}

// Backoff returns the wait after the given failed attempt (1-based), without jitter.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.BaseBackoff) * math.Pow(mult, float64(attempt-1))
	if p.MaxBackoff > 0 && d > float64(p.MaxBackoff) {
		return p.MaxBackoff
	}
	return time.Duration(d)
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.Backoff(attempt)
	if p.Jitter > 0 {
		d += time.Duration(rand.Int63n(int64(p.Jitter)))
	}
	return d
}

// Options configures a RobustFetcher. Zero values fall back to defaults.
type Options struct {
	Retry      RetryPolicy
	Breaker    BreakerStore
	UserAgents []string
	RateLimit  float64 // requests per second per domain, 0 = unlimited
	RateBurst  int
	Parsers    *ParserRegistry
	Logger     *zap.Logger
	Metrics    *Metrics
}

// RobustFetcher fetches a source's URLs in order with retries, backoff,
// user-agent rotation, per-domain rate limiting and a domain circuit breaker.
type RobustFetcher struct {
	transport Fetcher
	retry     RetryPolicy
	breaker   BreakerStore
	agents    []string
	uaNext    atomic.Uint64
	parsers   *ParserRegistry
	logger    *zap.Logger
	metrics   *Metrics

	rateLimit rate.Limit
	rateBurst int
	mu        sync.Mutex
	limiters  map[string]*rate.Limiter

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

func NewRobustFetcher(transport Fetcher, opts Options) *RobustFetcher {
	retry := opts.Retry
	def := DefaultRetryPolicy()
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = def.MaxAttempts
	}
	if retry.BaseBackoff <= 0 {
		retry.BaseBackoff = def.BaseBackoff
	}
	if retry.Multiplier <= 0 {
		retry.Multiplier = def.Multiplier
	}
	if opts.Breaker == nil {
		opts.Breaker = NewMemoryBreaker(DefaultBreakerConfig())
	}
	if len(opts.UserAgents) == 0 {
		opts.UserAgents = DefaultUserAgents
	}
	if opts.Parsers == nil {
		opts.Parsers = DefaultParsers()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 1
	}

	return &RobustFetcher{
		transport: transport,
		retry:     retry,
		breaker:   opts.Breaker,
		agents:    append([]string(nil), opts.UserAgents...),
		parsers:   opts.Parsers,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		rateLimit: limit,
		rateBurst: opts.RateBurst,
		limiters:  make(map[string]*rate.Limiter),
		now:       time.Now,
		sleep:     sleepContext,
	}
}

// FetchSource tries the source's primary URL and then each fallback until one
// yields a parsed document. A failure of every URL returns a KindExhausted
// FetchError wrapping each per-URL error.
func (f *RobustFetcher) FetchSource(ctx context.Context, src Source) ([]models.Listing, error) {
	urls := src.URLs()
	if len(urls) == 0 {
		return nil, &FetchError{Kind: KindPermanent, Source: src.ID, Message: "no urls configured"}
	}
	parser, err := f.parsers.Get(src.Format)
	if err != nil {
		return nil, &FetchError{Kind: KindPermanent, Source: src.ID, Message: err.Error(), Err: err}
	}

	var errs error
	for i, u := range urls {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, canceledError(src, u, ctxErr)
		}
		listings, err := f.fetchURL(ctx, src, parser, u)
		if err == nil {
			if i > 0 {
				f.logger.Info("fallback url succeeded", zap.String("source", src.ID), zap.String("url", u))
			}
			return listings, nil
		}
		if KindOf(err) == KindCanceled {
			return nil, err
		}
		errs = multierr.Append(errs, err)
		f.logger.Warn("url failed", zap.String("source", src.ID), zap.String("url", u),
			zap.String("kind", string(KindOf(err))), zap.Error(err))
	}

	return nil, &FetchError{
		Kind:    KindExhausted,
		Source:  src.ID,
		Message: fmt.Sprintf("all %d urls failed", len(urls)),
		Err:     errs,
	}
}

func (f *RobustFetcher) fetchURL(ctx context.Context, src Source, parser Parser, rawURL string) ([]models.Listing, error) {
	domain, err := getDomain(rawURL)
	if err != nil {
		return nil, &FetchError{Kind: KindPermanent, Source: src.ID, URL: rawURL, Message: "invalid url", Err: err}
	}
	log := f.logger.With(zap.String("source", src.ID), zap.String("url", rawURL), zap.String("domain", domain))

	var lastErr error
	for attempt := 1; attempt <= f.retry.MaxAttempts; attempt++ {
		allowed, berr := f.breaker.Allow(ctx, domain, f.now())
		if berr != nil {
			log.Warn("breaker store unavailable, allowing request", zap.Error(berr))
			allowed = true
		}
		if !allowed {
			f.metrics.breakerSkip(domain)
			return nil, &FetchError{Kind: KindCircuitOpen, Source: src.ID, URL: rawURL, Message: "domain " + domain + " is cooling down"}
		}

		if err := f.limiter(domain, src.Fetch.RateLimitRPS).Wait(ctx); err != nil {
			return nil, canceledError(src, rawURL, err)
		}

		req := Request{
			URL:            rawURL,
			Method:         src.Method,
			Headers:        src.Headers,
			UserAgent:      f.nextUserAgent(),
			AcceptLanguage: src.Fetch.AcceptLanguage,
		}
		if src.Body != "" {
			req.Body = []byte(src.Body)
		}

		start := time.Now()
		doc, err := f.transport.Fetch(ctx, req)
		fe := f.classify(ctx, src, rawURL, doc, err)
		if fe == nil {
			listings, perr := f.parse(ctx, src, parser, doc)
			f.metrics.observeAttempt(domain, outcomeFor(perr), time.Since(start))
			if serr := f.breaker.RecordSuccess(ctx, domain); serr != nil {
				log.Warn("breaker store unavailable", zap.Error(serr))
			}
			if perr != nil {
				return nil, &FetchError{Kind: KindPermanent, Source: src.ID, URL: rawURL, StatusCode: doc.StatusCode, Message: "malformed payload", Err: perr}
			}
			log.Debug("fetched", zap.Int("attempt", attempt), zap.Int("listings", len(listings)))
			return listings, nil
		}
		f.metrics.observeAttempt(domain, string(fe.Kind), time.Since(start))

		if fe.Kind != KindTransient {
			return nil, fe
		}
		lastErr = fe
		log.Warn("transient fetch failure", zap.Int("attempt", attempt), zap.Error(fe))

		opened, berr := f.breaker.RecordFailure(ctx, domain, f.now())
		if berr != nil {
			log.Warn("breaker store unavailable", zap.Error(berr))
		}
		if opened {
			log.Warn("circuit opened for domain")
			return nil, fe
		}
		if attempt == f.retry.MaxAttempts {
			break
		}
		if err := f.sleep(ctx, f.retry.delay(attempt)); err != nil {
			return nil, canceledError(src, rawURL, err)
		}
	}
	return nil, lastErr
}

func (f *RobustFetcher) classify(ctx context.Context, src Source, rawURL string, doc *FetchedDocument, err error) *FetchError {
	if err != nil {
		kind := classifyError(err)
		if ctx.Err() != nil {
			kind = KindCanceled
		}
		return &FetchError{Kind: kind, Source: src.ID, URL: rawURL, Message: err.Error(), Err: err}
	}
	kind := classifyStatus(doc.StatusCode)
	if kind == "" {
		return nil
	}
	return &FetchError{
		Kind:       kind,
		Source:     src.ID,
		URL:        rawURL,
		StatusCode: doc.StatusCode,
		Message:    fmt.Sprintf("unexpected status code: %d", doc.StatusCode),
	}
}

func (f *RobustFetcher) parse(ctx context.Context, src Source, parser Parser, doc *FetchedDocument) ([]models.Listing, error) {
	raws, err := parser.Parse(ctx, src, doc)
	if err != nil {
		return nil, err
	}
	listings := make([]models.Listing, 0, len(raws))
	for _, raw := range raws {
		listings = append(listings, FromRaw(src, raw, doc.URL, doc.FetchedAt))
	}
	return listings, nil
}

func (f *RobustFetcher) nextUserAgent() string {
	n := f.uaNext.Add(1) - 1
	return f.agents[n%uint64(len(f.agents))]
}

func (f *RobustFetcher) limiter(domain string, sourceRPS float64) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	if l, ok := f.limiters[domain]; ok {
		return l
	}
	limit := f.rateLimit
	if sourceRPS > 0 {
		limit = rate.Limit(sourceRPS)
	}
	l := rate.NewLimiter(limit, f.rateBurst)
	f.limiters[domain] = l
	return l
}

func canceledError(src Source, rawURL string, err error) *FetchError {
	return &FetchError{Kind: KindCanceled, Source: src.ID, URL: rawURL, Message: "fetch canceled", Err: err}
}

func outcomeFor(parseErr error) string {
	if parseErr != nil {
		return "malformed"
	}
	return "ok"
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
