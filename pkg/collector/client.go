// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package collector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/wardragon/analytics-engine/pkg/telemetry"
)

// nonRetriableError marks a response that retrying cannot fix (4xx).
type nonRetriableError struct{ err error }

func (e *nonRetriableError) Error() string { return e.err.Error() }
func (e *nonRetriableError) Unwrap() error { return e.err }

var fetchBackoff = []time.Duration{200 * time.Millisecond, 500 * time.Millisecond, time.Second}

// Client fetches kit telemetry endpoints. One client with one underlying
// http.Client is shared by every polling loop for connection reuse.
type Client struct {
	logger     log.Logger
	http       *http.Client
	maxRetries int
}

// NewClient returns a kit API client. timeout bounds each request attempt;
// maxRetries bounds retriable re-attempts within one fetch.
func NewClient(logger log.Logger, timeout time.Duration, maxRetries int) *Client {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Client{
		logger:     logger,
		http:       &http.Client{Timeout: timeout},
		maxRetries: maxRetries,
	}
}

// fetch GETs a URL with bounded retries for retriable failures (timeouts,
// connection refused, 5xx). A 4xx response fails immediately.
func (c *Client) fetch(ctx context.Context, url string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := fetchBackoff[min(attempt-1, len(fetchBackoff)-1)]
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
		body, err := c.fetchOnce(ctx, url)
		if err == nil {
			return body, nil
		}
		lastErr = err
		var nr *nonRetriableError
		if errors.As(err, &nr) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		level.Debug(c.logger).Log("msg", "fetch attempt failed", "url", url, "attempt", attempt+1, "err", err)
	}
	return nil, lastErr
}

func (c *Client) fetchOnce(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &nonRetriableError{fmt.Errorf("creating request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", url, err)
	}
	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%s returned %s", url, resp.Status)
	case resp.StatusCode >= 400:
		return nil, &nonRetriableError{fmt.Errorf("%s returned %s", url, resp.Status)}
	}
	return body, nil
}

// Drones fetches and decodes the kit's drone list.
func (c *Client) Drones(ctx context.Context, baseURL string) ([]telemetry.Payload, error) {
	body, err := c.fetch(ctx, baseURL+"/drones")
	if err != nil {
		return nil, err
	}
	return telemetry.DecodeObjects(body, "drones")
}

// Signals fetches and decodes the kit's signal detections.
func (c *Client) Signals(ctx context.Context, baseURL string) ([]telemetry.Payload, error) {
	body, err := c.fetch(ctx, baseURL+"/signals")
	if err != nil {
		return nil, err
	}
	return telemetry.DecodeObjects(body, "signals")
}

// Status fetches the kit's health sample.
func (c *Client) Status(ctx context.Context, baseURL string) (telemetry.Payload, error) {
	body, err := c.fetch(ctx, baseURL+"/status")
	if err != nil {
		return nil, err
	}
	payloads, err := telemetry.DecodeObjects(body, "")
	if err != nil {
		return nil, err
	}
	if len(payloads) == 0 {
		return nil, errors.New("empty status response")
	}
	return payloads[0], nil
}

// ProbeResult reports a single bounded reachability check of a kit URL.
type ProbeResult struct {
	Success        bool    `json:"success"`
	KitID          string  `json:"kit_id,omitempty"`
	Message        string  `json:"message"`
	ResponseTimeMS float64 `json:"response_time_ms,omitempty"`
}

// Probe issues one status request to a candidate URL without retries and
// reports reachability, the kit's self-identified id and latency. Used by
// the admin connection-test endpoint; never persists anything.
func (c *Client) Probe(ctx context.Context, apiURL string) ProbeResult {
	start := time.Now()
	body, err := c.fetchOnce(ctx, strings.TrimRight(apiURL, "/")+"/status")
	elapsed := float64(time.Since(start).Microseconds()) / 1000
	if err != nil {
		var netErr net.Error
		msg := "kit unreachable: " + err.Error()
		if errors.As(err, &netErr) && netErr.Timeout() {
			msg = "kit timed out"
		}
		return ProbeResult{Success: false, Message: msg}
	}
	res := ProbeResult{Success: true, Message: "kit reachable", ResponseTimeMS: elapsed}
	if payloads, err := telemetry.DecodeObjects(body, ""); err == nil && len(payloads) > 0 {
		if id := payloads[0].String("kit_id", "uid", "id"); id != nil {
			res.KitID = *id
		}
	}
	if res.KitID == "" {
		res.Message = "reachable but the response carries no kit id"
	}
	return res
}
