package ingest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"
)

const (
	defaultUserAgent      = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	defaultAcceptLanguage = "en-US,en;q=0.9"
	defaultMaxBodyBytes   = 10 << 20
)

var blockedPrefixStrings = []string{
	"127.0.0.0/8",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16",
	"100.64.0.0/10",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
}

var blockedPrefixes = func() []netip.Prefix {
	prefixes := make([]netip.Prefix, 0, len(blockedPrefixStrings))
	for _, s := range blockedPrefixStrings {
		if p, err := netip.ParsePrefix(s); err == nil {
			prefixes = append(prefixes, p)
		}
	}
	return prefixes
}()

// HTTPConfig configures the net/http transport.
type HTTPConfig struct {
	Timeout      time.Duration
	ProxyURL     string
	MaxBodyBytes int64
	// AllowPrivateNetworks disables the private-address dial guard. Only tests
	// and trusted intranet deployments should set it.
	AllowPrivateNetworks bool
}

// HTTPFetcher is the default Fetcher, built on net/http.
type HTTPFetcher struct {
	Client       *http.Client
	MaxBodyBytes int64
}

func NewHTTPFetcher(cfg HTTPConfig) *HTTPFetcher {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxBodyBytes == 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}

	dialer := &net.Dialer{Timeout: 15 * time.Second, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           safeDialContext(dialer),
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	checkRedirect := safeCheckRedirect
	if cfg.AllowPrivateNetworks {
		transport.DialContext = dialer.DialContext
		checkRedirect = limitRedirects
	}
	if cfg.ProxyURL != "" {
		if proxyURL, err := url.Parse(cfg.ProxyURL); err == nil {
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}

	return &HTTPFetcher{
		Client: &http.Client{
			Timeout:       cfg.Timeout,
			Transport:     transport,
			CheckRedirect: checkRedirect,
		},
		MaxBodyBytes: cfg.MaxBodyBytes,
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, r Request) (*FetchedDocument, error) {
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(r.Body) > 0 {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	setDefaultHeaders(req.Header, r)

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	limit := f.MaxBodyBytes
	if limit <= 0 {
		limit = defaultMaxBodyBytes
	}
	payload, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	if int64(len(payload)) > limit {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", errBodyTooLarge, r.URL, limit)
	}

	return &FetchedDocument{
		URL:         resp.Request.URL.String(),
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        payload,
		FetchedAt:   time.Now(),
		Headers:     resp.Header,
	}, nil
}

func setDefaultHeaders(h http.Header, r Request) {
	ua := r.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	lang := r.AcceptLanguage
	if lang == "" {
		lang = defaultAcceptLanguage
	}
	h.Set("User-Agent", ua)
	h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,application/json;q=0.9,*/*;q=0.8")
	h.Set("Accept-Language", lang)
	h.Set("Cache-Control", "no-cache")
	if len(r.Body) > 0 {
		h.Set("Content-Type", "application/json")
	}
	for k, v := range r.Headers {
		h.Set(k, v)
	}
}

// safeDialContext resolves the host and refuses to connect to private addresses.
// It dials the vetted IP directly so a second lookup cannot swap it.
func safeDialContext(d *net.Dialer) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
		if err != nil {
			return nil, err
		}
		if len(ips) == 0 {
			return nil, fmt.Errorf("host %s resolved to no addresses", host)
		}
		for _, ip := range ips {
			if isPrivateIP(ip.IP) {
				return nil, fmt.Errorf("blocked private IP: %s", ip.IP)
			}
		}
		return d.DialContext(ctx, network, net.JoinHostPort(ips[0].IP.String(), port))
	}
}

// isPrivateIP checks if an IP is in a private range or loopback/link-local
func isPrivateIP(ip net.IP) bool {
	if ip == nil {
		return true
	}
	if ip.IsLoopback() || ip.IsLinkLocalMulticast() || ip.IsLinkLocalUnicast() || ip.IsMulticast() || ip.IsPrivate() || ip.IsUnspecified() {
		return true
	}
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return true
	}
	for _, prefix := range blockedPrefixes {
		if prefix.Contains(addr.Unmap()) {
			return true
		}
	}
	return false
}

func limitRedirects(req *http.Request, via []*http.Request) error {
	if len(via) >= 10 {
		return fmt.Errorf("stopped after 10 redirects")
	}
	return nil
}

// safeCheckRedirect limits redirects and validates destinations
func safeCheckRedirect(req *http.Request, via []*http.Request) error {
	if err := limitRedirects(req, via); err != nil {
		return err
	}
	if req.URL == nil {
		return fmt.Errorf("invalid redirect URL")
	}
	if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
		return fmt.Errorf("redirect scheme blocked")
	}

	host := req.URL.Hostname()
	if host == "" {
		return fmt.Errorf("redirect host missing")
	}
	if strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".local") {
		return fmt.Errorf("redirect to internal host blocked")
	}
	ips, err := net.DefaultResolver.LookupIPAddr(req.Context(), host)
	if err != nil {
		return err
	}
	for _, ip := range ips {
		if isPrivateIP(ip.IP) {
			return fmt.Errorf("redirect to private IP blocked: %s", ip.IP)
		}
	}
	return nil
}
