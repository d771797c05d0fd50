// Package store holds the durable backends: Postgres via pgx for production, SQLite for
// single-node runs and tests, and the Redis helpers.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"atlasux/pkg/intent"
	"atlasux/pkg/sgl"
)

const DefaultTimeout = 5 * time.Second

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func boundTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = DefaultTimeout
	}
	return context.WithTimeout(ctx, d)
}

func listLimit(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	if n > maxListLimit {
		return maxListLimit
	}
	return n
}

func checkTransition(expected, next intent.Status) error {
	if !intent.CanTransition(expected, next) {
		return fmt.Errorf("%w: %s -> %s", intent.ErrInvalidTransition, expected, next)
	}
	return nil
}

func encodeReasons(reasons []string) []byte {
	if reasons == nil {
		reasons = []string{}
	}
	b, _ := json.Marshal(reasons)
	return b
}

func decodeReasons(raw []byte) []string {
	var out []string
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func decisionColumns(d sgl.Decision) (string, []byte, bool) {
	return string(d.Verdict), encodeReasons(d.Reasons), d.NeedsHuman
}
