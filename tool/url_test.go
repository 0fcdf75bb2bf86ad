package tool

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moyoez/batchsend/types"
)

func TestBuildIngestURL(t *testing.T) {
	meta := types.UnitMeta{ID: "u-1", Name: "site plan.pdf", ByteSize: 42}

	raw, err := BuildIngestURL("https://ingest.example.com/upload?tenant=7", meta)
	require.NoError(t, err)
	u, err := url.Parse(raw)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "7", q.Get("tenant"))
	assert.Equal(t, "site plan.pdf", q.Get("fileName"))
	assert.Equal(t, "u-1", q.Get("unitId"))
	assert.Equal(t, "42", q.Get("size"))

	_, err = BuildIngestURL("", meta)
	assert.Error(t, err)
	_, err = BuildIngestURL("ftp://example.com", meta)
	assert.Error(t, err)
}

func TestHostOf(t *testing.T) {
	host, err := HostOf("https://auth.example.com:8443/login")
	require.NoError(t, err)
	assert.Equal(t, "auth.example.com", host)

	_, err = HostOf("/relative/path")
	assert.Error(t, err)
}

func TestProbeReachableHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	res := ProbeReachable(context.Background(), srv.URL)
	assert.True(t, res.Reachable)
	assert.Equal(t, "http", res.Method)
	assert.Equal(t, srv.URL, res.Target)
	assert.Empty(t, res.Error)
}

func TestProbeReachableBadURL(t *testing.T) {
	res := ProbeReachable(context.Background(), "not a url")
	assert.False(t, res.Reachable)
	assert.NotEmpty(t, res.Error)
}
