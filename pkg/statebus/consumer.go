// Package statebus consumes executor callbacks from a message bus.
package statebus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"atlasux/pkg/auth"
)

type Message struct {
	Key       []byte
	Value     []byte
	Topic     string
	Partition int
	Offset    int64
}

// Consumer delivers messages at least once: a message is redelivered after a restart
// unless it was committed.
type Consumer interface {
	FetchMessage(ctx context.Context) (Message, error)
	Commit(ctx context.Context, msg Message) error
	Close() error
}

// Report is one executor callback as published on the bus.
type Report struct {
	TenantID string `json:"tenantId"`
	IntentID string `json:"intentId"`
	Status   string `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Executor string `json:"executor,omitempty"`
	// Signature is the executor's detached signature over the report without this field.
	Signature *auth.Signature `json:"signature,omitempty"`
}

// Unsigned is the view of r an executor signs. Executors sign the normalized report:
// trimmed ids and an upper-case status.
func (r Report) Unsigned() Report {
	r.Signature = nil
	return r
}

func DecodeReport(raw []byte) (Report, error) {
	var r Report
	if err := json.Unmarshal(raw, &r); err != nil {
		return Report{}, fmt.Errorf("decode report: %w", err)
	}
	return Normalize(r)
}

// Normalize trims r and upper-cases its status. It fails when a required field is empty.
func Normalize(r Report) (Report, error) {
	r.TenantID = strings.TrimSpace(r.TenantID)
	r.IntentID = strings.TrimSpace(r.IntentID)
	r.Status = strings.ToUpper(strings.TrimSpace(r.Status))
	r.Executor = strings.TrimSpace(r.Executor)
	if r.TenantID == "" || r.IntentID == "" || r.Status == "" {
		return Report{}, errors.New("report requires tenantId, intentId and status")
	}
	return r, nil
}

// Runner reads reports until its context ends and hands each to Handle. A report's
// offset is committed once it was handled, once it failed with an error Retryable
// rejects, or once MaxAttempts ran out. Undecodable messages are logged and committed.
type Runner struct {
	Bus    Consumer
	Handle func(ctx context.Context, r Report) error
	// Retryable reports whether a failed report should be handled again. Nil never retries.
	Retryable   func(error) bool
	MaxAttempts int
	RetryDelay  time.Duration
	HandleLimit time.Duration
}

func (r *Runner) Run(ctx context.Context) {
	delay := r.RetryDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	for {
		msg, err := r.Bus.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("statebus read error: %v", err)
			if !sleep(ctx, delay) {
				return
			}
			continue
		}
		report, err := DecodeReport(msg.Value)
		if err != nil {
			log.Printf("statebus %v", err)
		} else {
			r.deliver(ctx, report, delay)
		}
		if err := r.commit(ctx, msg); err != nil {
			log.Printf("statebus commit partition=%d offset=%d: %v", msg.Partition, msg.Offset, err)
		}
	}
}

func (r *Runner) deliver(ctx context.Context, report Report, delay time.Duration) {
	attempts := r.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	for attempt := 1; ; attempt++ {
		err := r.handle(ctx, report)
		if err == nil {
			return
		}
		retry := r.Retryable != nil && r.Retryable(err) && attempt < attempts
		log.Printf("statebus apply report intent=%s tenant=%s status=%s attempt=%d: %v", report.IntentID, report.TenantID, report.Status, attempt, err)
		if !retry || !sleep(ctx, delay) {
			return
		}
	}
}

func (r *Runner) handle(ctx context.Context, report Report) error {
	limit := r.HandleLimit
	if limit <= 0 {
		limit = 10 * time.Second
	}
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), limit)
	defer cancel()
	return r.Handle(hctx, report)
}

// commit runs even when ctx is done so a handled report is not replayed.
func (r *Runner) commit(ctx context.Context, msg Message) error {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return r.Bus.Commit(cctx, msg)
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
