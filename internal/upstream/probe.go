package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

const defaultProbeTimeout = 5 * time.Second

// ProbeResult describes a successful connection test.
type ProbeResult struct {
	URL        string        `json:"url"`
	StatusCode int           `json:"statusCode"`
	Latency    time.Duration `json:"latencyNs"`
}

// TestConnection opens the event stream once, waits for the response headers
// and closes it. It registers nothing. Failures are CodedErrors with
// CodeProbeTimeout, CodeProbeHTTPStatus or CodeProbeNetwork.
func TestConnection(ctx context.Context, client *http.Client, baseURL, apiPath, apiKey string, timeout time.Duration) (ProbeResult, error) {
	if strings.TrimSpace(baseURL) == "" {
		return ProbeResult{}, newError(CodeValidation, "url is required", nil)
	}
	if client == nil {
		client = &http.Client{}
	}
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	target := joinEventsURL(baseURL, apiPath)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return ProbeResult{}, newError(CodeValidation, "invalid url", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		if isTimeout(ctx, err) {
			return ProbeResult{}, newError(CodeProbeTimeout, fmt.Sprintf("no response from %s within %s", target, timeout), err)
		}
		return ProbeResult{}, newError(CodeProbeNetwork, "cannot reach "+target, err)
	}
	defer resp.Body.Close()

	res := ProbeResult{URL: target, StatusCode: resp.StatusCode, Latency: time.Since(start)}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return res, newError(CodeProbeHTTPStatus, fmt.Sprintf("%s responded %s", target, resp.Status), nil)
	}
	return res, nil
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
