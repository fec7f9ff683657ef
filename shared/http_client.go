package shared

import (
	"net/http"
	"time"
)

// DefaultRequestTimeout bounds a single API call end to end.
const DefaultRequestTimeout = 120 * time.Second

// NewHTTPTransport creates a transport with connection pooling tuned for
// repeated calls against a small set of API hosts.
func NewHTTPTransport() *http.Transport {
	return &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,

		DisableKeepAlives: false,

		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 60 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,

		DisableCompression: false,
	}
}

// NewHTTPClient creates an HTTP client backed by a pooled transport.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: NewHTTPTransport(),
	}
}
