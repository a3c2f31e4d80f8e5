package acquire

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
)

// ErrorKind classifies failures for retry policy and the failure ledger.
type ErrorKind string

// Error kinds.
const (
	KindNone              ErrorKind = ""
	KindNetworkTransient  ErrorKind = "network_transient"
	KindNetworkPermanent  ErrorKind = "network_permanent"
	KindIntegrity         ErrorKind = "integrity_failure"
	KindDiscovery         ErrorKind = "discovery_failure"
	KindResumeUnsupported ErrorKind = "resume_unsupported"
	KindCanceled          ErrorKind = "canceled"
)

var (
	// ErrUnknownSource is returned when a source id is not in the registry.
	ErrUnknownSource = errors.New("unknown source")
	// ErrBrowserUnavailable is returned when a browser source is requested but
	// the browser session could not be started.
	ErrBrowserUnavailable = errors.New("browser session unavailable")
)

// TimeoutError reports a connect or read timeout.
type TimeoutError struct {
	URL   string
	Phase string
	Err   error
}

func (e *TimeoutError) Error() string {
	if e.Phase != "" {
		return fmt.Sprintf("timeout during %s for %s: %v", e.Phase, e.URL, e.Err)
	}
	return fmt.Sprintf("timeout for %s: %v", e.URL, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// HTTPError reports a non-success HTTP status.
type HTTPError struct {
	URL    string
	Status int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d %s for %s", e.Status, http.StatusText(e.Status), e.URL)
}

// Transient reports whether the status is worth retrying.
func (e *HTTPError) Transient() bool {
	switch e.Status {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return e.Status >= 500 && e.Status <= 599
}

// NetworkError reports a transport failure other than a timeout.
type NetworkError struct {
	URL       string
	Permanent bool
	Err       error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error for %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ParseError reports malformed input: a bad URL or an unparseable page.
type ParseError struct {
	Input string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %q: %v", e.Input, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// IntegrityError reports a downloaded file whose leading bytes do not match
// the signature expected for its extension.
type IntegrityError struct {
	Path      string
	Extension string
	Got       []byte
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity check failed for %s (.%s): leading bytes %q", e.Path, e.Extension, e.Got)
}

// ResumeUnsupportedError reports a server that ignored a range request.
type ResumeUnsupportedError struct {
	URL    string
	Offset int64
}

func (e *ResumeUnsupportedError) Error() string {
	return fmt.Sprintf("server ignored range request at offset %d for %s", e.Offset, e.URL)
}

// DiscoveryError reports a failed discovery call for one source/year pair.
type DiscoveryError struct {
	SourceID   string
	FiscalYear int
	Err        error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discover %s/%d: %v", e.SourceID, e.FiscalYear, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// Classify maps any error onto the failure taxonomy.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var (
		integrityErr *IntegrityError
		resumeErr    *ResumeUnsupportedError
		discoveryErr *DiscoveryError
		httpErr      *HTTPError
		timeoutErr   *TimeoutError
		netErr       *NetworkError
		parseErr     *ParseError
		urlErr       *url.Error
		dnsErr       *net.DNSError
	)
	switch {
	case errors.As(err, &integrityErr):
		return KindIntegrity
	case errors.As(err, &resumeErr):
		return KindResumeUnsupported
	case errors.As(err, &discoveryErr):
		return KindDiscovery
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.As(err, &httpErr):
		if httpErr.Transient() {
			return KindNetworkTransient
		}
		return KindNetworkPermanent
	case errors.As(err, &timeoutErr):
		return KindNetworkTransient
	case errors.As(err, &parseErr):
		return KindNetworkPermanent
	case errors.As(err, &netErr):
		if netErr.Permanent {
			return KindNetworkPermanent
		}
		return KindNetworkTransient
	case errors.As(err, &dnsErr):
		if dnsErr.IsTimeout || dnsErr.IsTemporary {
			return KindNetworkTransient
		}
		return KindNetworkPermanent
	case errors.As(err, &urlErr) && urlErr.Op == "parse":
		return KindNetworkPermanent
	}
	return KindNetworkTransient
}

// Retryable reports whether the scheduler should spend retry budget on err.
func Retryable(err error) bool {
	switch Classify(err) {
	case KindNetworkTransient, KindIntegrity:
		return true
	default:
		return false
	}
}

// WrapTransport converts an http.Client transport error into a typed error.
func WrapTransport(rawURL, phase string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && !dnsErr.IsTimeout && !dnsErr.IsTemporary {
		return &NetworkError{URL: rawURL, Permanent: true, Err: err}
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return &TimeoutError{URL: rawURL, Phase: phase, Err: err}
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Op == "parse" {
		return &ParseError{Input: rawURL, Err: err}
	}
	return &NetworkError{URL: rawURL, Err: err}
}
