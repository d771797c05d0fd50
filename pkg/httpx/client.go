package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const maxRetryAfter = 30 * time.Second

// RequestJSON performs an HTTP request with retry for transient failures.
// Retries apply to transport errors, 5xx and 429 responses. A Retry-After header in
// seconds overrides retryDelay. Waiting between attempts stops when ctx ends.
func RequestJSON(ctx context.Context, client *http.Client, method, url string, body []byte, headers map[string]string, retries int, retryDelay time.Duration) (int, []byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if retries < 0 {
		retries = 0
	}
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
		if err != nil {
			return 0, nil, err
		}
		if len(body) > 0 {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			if attempt < retries && pause(ctx, retryDelay) == nil {
				continue
			}
			return 0, nil, err
		}
		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			if attempt < retries && pause(ctx, retryDelay) == nil {
				continue
			}
			return 0, nil, readErr
		}
		if retryable(resp.StatusCode) && attempt < retries {
			if err := pause(ctx, retryAfter(resp.Header, retryDelay)); err != nil {
				return resp.StatusCode, respBody, nil
			}
			continue
		}
		return resp.StatusCode, respBody, nil
	}
	return 0, nil, lastErr
}

func retryable(status int) bool {
	return status >= 500 || status == http.StatusTooManyRequests
}

func retryAfter(h http.Header, fallback time.Duration) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(h.Get("Retry-After")))
	if err != nil || secs < 0 {
		return fallback
	}
	return min(time.Duration(secs)*time.Second, maxRetryAfter)
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ErrorMessage extracts the "error" field of a JSON error body, falling back to the raw text.
func ErrorMessage(body []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return strings.TrimSpace(string(body))
}
