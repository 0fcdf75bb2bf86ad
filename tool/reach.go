package tool

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/moyoez/batchsend/types"
	probing "github.com/prometheus-community/pro-bing"
)

// PingTimeout bounds the ICMP fallback of ProbeReachable.
var PingTimeout = 3 * time.Second

// ProbeReachable reports whether the network boundary behind rawURL
// answers. Any HTTP response counts, including 401 and 404: the auth
// redirect and the ingestion endpoint only need to be reachable, not
// happy. When the HEAD request fails the host is pinged once.
func ProbeReachable(ctx context.Context, rawURL string) types.ReachabilityResult {
	result := types.ReachabilityResult{Target: rawURL}
	host, err := HostOf(rawURL)
	if err != nil {
		result.Error = err.Error()
		return result
	}

	start := time.Now()
	httpErr := probeHTTP(ctx, rawURL)
	if httpErr == nil {
		result.Reachable = true
		result.Method = "http"
		result.LatencyMs = time.Since(start).Milliseconds()
		return result
	}
	DefaultLogger.Debugf("[Reach] HEAD %s failed: %v, trying ping", rawURL, httpErr)

	rtt, pingErr := probeICMP(ctx, host)
	if pingErr != nil {
		result.Error = fmt.Sprintf("http: %v; ping: %v", httpErr, pingErr)
		return result
	}
	result.Reachable = true
	result.Method = "icmp"
	result.LatencyMs = rtt.Milliseconds()
	return result
}

func probeHTTP(ctx context.Context, rawURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := GetDetectHttpClient().Do(req)
	if err != nil {
		return err
	}
	if err := resp.Body.Close(); err != nil {
		DefaultLogger.Debugf("Failed to close response body: %v", err)
	}
	return nil
}

func probeICMP(ctx context.Context, host string) (time.Duration, error) {
	pinger, err := probing.NewPinger(host)
	if err != nil {
		return 0, err
	}
	pinger.Count = 1
	pinger.Timeout = PingTimeout
	if err := pinger.RunWithContext(ctx); err != nil {
		return 0, err
	}
	stats := pinger.Statistics()
	if stats.PacketsRecv == 0 {
		return 0, fmt.Errorf("no reply from %s", host)
	}
	return stats.AvgRtt, nil
}
