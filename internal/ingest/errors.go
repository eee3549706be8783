package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
)

// ErrorKind classifies a fetch failure.
type ErrorKind string

const (
	// KindTransient failures (timeouts, 5xx, 429, temporary DNS, resets) are retried.
	KindTransient ErrorKind = "transient"
	// KindPermanent failures (other 4xx, unknown host, malformed payload) move
	// straight to the next fallback URL.
	KindPermanent ErrorKind = "permanent"
	// KindCircuitOpen marks a URL skipped because its domain is cooling down.
	KindCircuitOpen ErrorKind = "circuit_open"
	// KindExhausted is returned for a source whose every URL failed.
	KindExhausted ErrorKind = "exhausted"
	// KindCanceled is returned when the caller's context ends the fetch.
	KindCanceled ErrorKind = "canceled"
)

var (
	errMissingHost  = errors.New("missing host")
	errBodyTooLarge = errors.New("response body too large")

	ErrTransient   = &FetchError{Kind: KindTransient}
	ErrPermanent   = &FetchError{Kind: KindPermanent}
	ErrCircuitOpen = &FetchError{Kind: KindCircuitOpen}
	ErrExhausted   = &FetchError{Kind: KindExhausted}
	ErrCanceled    = &FetchError{Kind: KindCanceled}
)

// FetchError is the structured error reported for a source or URL.
type FetchError struct {
	Kind       ErrorKind `json:"kind"`
	Source     string    `json:"source,omitempty"`
	URL        string    `json:"url,omitempty"`
	StatusCode int       `json:"status_code,omitempty"`
	Message    string    `json:"message"`
	Err        error     `json:"-"`
}

func (e *FetchError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	switch {
	case e.URL != "" && e.Source != "":
		return fmt.Sprintf("%s: source %s: %s: %s", e.Kind, e.Source, e.URL, msg)
	case e.Source != "":
		return fmt.Sprintf("%s: source %s: %s", e.Kind, e.Source, msg)
	case e.URL != "":
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.URL, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Is matches any FetchError of the same kind, so errors.Is(err, ErrTransient) works.
func (e *FetchError) Is(target error) bool {
	t, ok := target.(*FetchError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first FetchError in err's chain, or "".
func KindOf(err error) ErrorKind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// classifyStatus maps an HTTP status to an error kind. 2xx returns "".
func classifyStatus(code int) ErrorKind {
	switch {
	case code >= 200 && code < 300:
		return ""
	case code == http.StatusRequestTimeout,
		code == http.StatusTooEarly,
		code == http.StatusTooManyRequests,
		code >= 500:
		return KindTransient
	}
	return KindPermanent
}

// classifyError decides whether a transport error is worth retrying.
func classifyError(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, errBodyTooLarge):
		return KindPermanent
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsNotFound {
			return KindPermanent
		}
		return KindTransient
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) {
		return KindTransient
	}

	if netErr, ok := err.(interface{ Timeout() bool }); ok && netErr.Timeout() {
		return KindTransient
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindTransient
	}
	return KindPermanent
}
