package tool

import (
	"net"
	"net/http"
	"time"
)

var DefaultDialTimeout = 30 * time.Second

var (
	ConnectionHttpClient *http.Client
	DetectHttpClient     *http.Client
)

func init() {
	ConnectionHttpClient = NewHTTPClient(0)
	DetectHttpClient = NewHTTPClient(5 * time.Second)
}

// NewHTTPClient creates an HTTP client. timeout bounds the whole request;
// 0 leaves it unbounded, which is what long uploads need. Dialing and the
// TLS handshake are always bounded.
func NewHTTPClient(timeout time.Duration) *http.Client {
	dialer := &net.Dialer{
		Timeout:   DefaultDialTimeout,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
		MaxIdleConns:        50,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}

// GetHttpClient returns the client used for uploads.
func GetHttpClient() *http.Client {
	return ConnectionHttpClient
}

// GetDetectHttpClient returns the short-timeout client used for probes.
func GetDetectHttpClient() *http.Client {
	return DetectHttpClient
}
