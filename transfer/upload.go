package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/moyoez/batchsend/tool"
	"github.com/moyoez/batchsend/types"
)

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 4 << 10

// HTTPTransport posts each file as a raw octet stream to the ingestion
// endpoint. The endpoint is treated as opaque: only the status code and an
// optional {"error": "..."} body are interpreted.
type HTTPTransport struct {
	Endpoint string
	// Timeout bounds one request; 0 means no limit.
	Timeout time.Duration
	Client  *http.Client
}

// NewHTTPTransport creates a transport using the shared upload client.
func NewHTTPTransport(endpoint string, timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{
		Endpoint: endpoint,
		Timeout:  timeout,
		Client:   tool.GetHttpClient(),
	}
}

// Send uploads body for meta.
func (t *HTTPTransport) Send(ctx context.Context, meta types.UnitMeta, body io.Reader, progress ProgressFunc) error {
	if body == nil {
		return fmt.Errorf("invalid parameters: body must not be nil")
	}
	// Check if already cancelled
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("upload cancelled: %w", err)
	}

	url, err := tool.BuildIngestURL(t.Endpoint, meta)
	if err != nil {
		return fmt.Errorf("failed to build upload URL: %v", err)
	}

	reqCtx := ctx
	if t.Timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}

	counter := &countingReader{r: body, total: meta.ByteSize, progress: progress}
	defer counter.stop()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, counter)
	if err != nil {
		return fmt.Errorf("failed to create upload request: %v", err)
	}
	if meta.ByteSize > 0 {
		req.ContentLength = meta.ByteSize
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Media-Type", meta.MediaType)
	req.Header.Set("X-File-Name", meta.Name)

	client := t.Client
	if client == nil {
		client = tool.GetHttpClient()
	}
	resp, err := client.Do(req)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return fmt.Errorf("upload cancelled: %w", ctx.Err())
		case errors.Is(reqCtx.Err(), context.DeadlineExceeded):
			return fmt.Errorf("upload timed out after %s", t.Timeout)
		}
		return fmt.Errorf("failed to send upload request: %v", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			tool.DefaultLogger.Errorf("Failed to close response body: %v", err)
		}
	}()

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		var ack types.IngestResponse
		if data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody)); err == nil && len(data) > 0 {
			if err := sonic.Unmarshal(data, &ack); err != nil {
				tool.DefaultLogger.Debugf("[HTTPTransport] ignoring non-JSON ack for %s: %v", meta.Name, err)
			}
		}
		tool.DefaultLogger.Debugf("[HTTPTransport] %s accepted by ingestion endpoint (id=%q)", meta.Name, ack.ID)
		return nil
	}
	return statusError(resp)
}

// statusError maps a non-2xx response to the error recorded on the unit.
func statusError(resp *http.Response) error {
	var reason string
	switch code := resp.StatusCode; {
	case code == http.StatusBadRequest:
		reason = "invalid body"
	case code == http.StatusUnauthorized:
		reason = "authentication required"
	case code == http.StatusForbidden:
		reason = "rejected by ingestion endpoint"
	case code == http.StatusConflict:
		reason = "file already exists"
	case code == http.StatusRequestEntityTooLarge:
		reason = "file too large for ingestion endpoint"
	case code == http.StatusTooManyRequests:
		reason = "ingestion endpoint is rate limiting"
	case code >= http.StatusInternalServerError:
		reason = "ingestion endpoint error"
	default:
		reason = "upload request failed"
	}

	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if len(data) > 0 && sonic.Unmarshal(data, &body) == nil {
		if detail := firstNonEmpty(body.Error, body.Message); detail != "" {
			return fmt.Errorf("%s: %s (%s)", reason, detail, resp.Status)
		}
	}
	return fmt.Errorf("%s (%s)", reason, resp.Status)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// countingReader reports bytes read to progress until stop is called. The
// http client may still read the body after Do returned, so stop guards the
// callback.
type countingReader struct {
	r        io.Reader
	total    int64
	progress ProgressFunc

	mu      sync.Mutex
	sent    int64
	stopped bool
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.mu.Lock()
		c.sent += int64(n)
		if !c.stopped && c.progress != nil {
			c.progress(c.sent, c.total)
		}
		c.mu.Unlock()
	}
	return n, err
}

func (c *countingReader) stop() {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
}
