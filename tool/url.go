package tool

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/moyoez/batchsend/types"
)

// BuildIngestURL builds the upload URL for one unit: the configured endpoint
// with fileName, unitId and size query parameters added. Existing query
// parameters of the endpoint are kept.
func BuildIngestURL(endpoint string, meta types.UnitMeta) (string, error) {
	if endpoint == "" {
		return "", fmt.Errorf("ingestion endpoint is not configured")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("failed to parse endpoint: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	q := u.Query()
	q.Set("fileName", meta.Name)
	q.Set("unitId", meta.ID)
	q.Set("size", strconv.FormatInt(meta.ByteSize, 10))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// HostOf returns the host name part of a URL, without port.
func HostOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse url: %v", err)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("url %q has no host", rawURL)
	}
	return u.Hostname(), nil
}
