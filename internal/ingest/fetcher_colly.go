package ingest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
)

// CollyFetcher implements Fetcher with a gocolly collector. A fresh collector
// is built per request so callbacks never leak between concurrent fetches.
type CollyFetcher struct {
	RequestTimeout time.Duration
	MaxBodySize    int
	DetectCharset  bool
	CacheDir       string // empty = no cache
	Transport      http.RoundTripper
}

// NewCollyFetcher creates a CollyFetcher sharing the HTTP fetcher's guarded transport.
func NewCollyFetcher(cfg HTTPConfig) *CollyFetcher {
	base := NewHTTPFetcher(cfg)
	return &CollyFetcher{
		RequestTimeout: base.Client.Timeout,
		MaxBodySize:    int(base.MaxBodyBytes),
		DetectCharset:  true,
		Transport:      base.Client.Transport,
	}
}

func (f *CollyFetcher) buildCollector(ctx context.Context, userAgent string) *colly.Collector {
	// One byte over the limit so oversized bodies can be told apart from
	// bodies of exactly MaxBodySize.
	maxBody := f.MaxBodySize
	if maxBody > 0 {
		maxBody++
	}
	opts := []colly.CollectorOption{
		colly.UserAgent(userAgent),
		colly.MaxBodySize(maxBody),
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
		colly.IgnoreRobotsTxt(),
		colly.StdlibContext(ctx),
	}
	if f.DetectCharset {
		opts = append(opts, colly.DetectCharset())
	}
	if f.CacheDir != "" {
		opts = append(opts, colly.CacheDir(f.CacheDir))
	}

	c := colly.NewCollector(opts...)
	if f.Transport != nil {
		c.WithTransport(f.Transport)
	}
	if f.RequestTimeout > 0 {
		c.SetRequestTimeout(f.RequestTimeout)
	}
	return c
}

// Fetch implements the Fetcher interface, returning a FetchedDocument.
func (f *CollyFetcher) Fetch(ctx context.Context, r Request) (*FetchedDocument, error) {
	ua := r.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	c := f.buildCollector(ctx, ua)

	var result *FetchedDocument
	var fetchErr error

	c.OnResponse(func(resp *colly.Response) {
		if f.MaxBodySize > 0 && len(resp.Body) > f.MaxBodySize {
			fetchErr = fmt.Errorf("%w: %s exceeds %d bytes", errBodyTooLarge, r.URL, f.MaxBodySize)
			return
		}
		var headers map[string][]string
		contentType := ""
		if resp.Headers != nil {
			headers = map[string][]string(resp.Headers.Clone())
			contentType = resp.Headers.Get("Content-Type")
		}
		result = &FetchedDocument{
			URL:         resp.Request.URL.String(),
			StatusCode:  resp.StatusCode,
			ContentType: contentType,
			Body:        resp.Body,
			FetchedAt:   time.Now(),
			Headers:     headers,
		}
	})
	c.OnError(func(resp *colly.Response, err error) {
		fetchErr = err
	})

	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	hdr := http.Header{}
	setDefaultHeaders(hdr, r)

	var body io.Reader
	if len(r.Body) > 0 {
		body = bytes.NewReader(r.Body)
	}

	if err := c.Request(method, r.URL, body, nil, hdr); err != nil && result == nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("colly request failed: %w", err)
	}
	c.Wait()

	if result != nil {
		return result, nil
	}
	if fetchErr != nil {
		return nil, fmt.Errorf("colly request failed: %w", fetchErr)
	}
	return nil, fmt.Errorf("no response received for %s", r.URL)
}
