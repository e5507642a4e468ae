package batch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/batching-service/internal/store"
)

// Dispatcher POSTs an aggregated batch to the resolver with bounded retries.
// 5xx and transport errors are retried with exponential backoff; 4xx is
// terminal and goes straight to the dead-letter list.
type Dispatcher struct {
	Store       store.Store
	ResolverURL string
	Client      *http.Client
	Logger      zerolog.Logger

	MaxRetries      int
	RetryBackoff    float64
	DispatchTimeout time.Duration

	// NewBackOff overrides the retry pacing in tests.
	NewBackOff func() backoff.BackOff
	Now        func() time.Time
}

type rejectionError struct {
	status int
}

func (e *rejectionError) Error() string {
	return fmt.Sprintf("resolver rejected batch: status %d", e.status)
}

func (d *Dispatcher) clock() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Dispatch delivers the payload or dead-letters it. A drained batch is never
// silently dropped: every exit path either got a 2xx or wrote a dead-letter
// entry.
func (d *Dispatcher) Dispatch(ctx context.Context, key string, payload ResolvePayload) error {
	ctx, span := otel.Tracer("batcher").Start(ctx, "dispatch_batch")
	defer span.End()
	span.SetAttributes(
		attribute.String("batch.key", key),
		attribute.Int("batch.size", payload.Meta.BatchSize),
		attribute.String("batch.reason", payload.Meta.BatchReason),
	)

	start := time.Now()
	err := backoff.Retry(func() error {
		return d.post(ctx, payload)
	}, d.policy())
	dispatchLatency.WithLabelValues(payload.Channel).Observe(time.Since(start).Seconds())

	if err == nil {
		batchesDispatched.WithLabelValues(payload.Channel, "delivered").Inc()
		d.Logger.Info().
			Str("batch_key", key).
			Int("batch_size", payload.Meta.BatchSize).
			Str("reason", payload.Meta.BatchReason).
			Str("trace_id", payload.TraceID).
			Msg("batch dispatched")
		return nil
	}

	span.RecordError(err)
	batchesDispatched.WithLabelValues(payload.Channel, "failed").Inc()

	reason := ReasonRetriesExceeded
	var rejection *rejectionError
	if errors.As(err, &rejection) {
		reason = fmt.Sprintf("rejected_%d", rejection.status)
	}
	return d.deadLetter(ctx, key, payload, reason)
}

// policy bounds the retry loop to MaxRetries total attempts with
// base^attempt second pacing.
func (d *Dispatcher) policy() backoff.BackOff {
	attempts := d.MaxRetries
	if attempts < 1 {
		attempts = 1
	}
	if d.NewBackOff != nil {
		return backoff.WithMaxRetries(d.NewBackOff(), uint64(attempts-1))
	}
	base := d.RetryBackoff
	if base < 1 {
		base = 2
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.RandomizationFactor = 0
	bo.Multiplier = base
	bo.MaxInterval = 10 * time.Minute
	bo.MaxElapsedTime = 0
	return backoff.WithMaxRetries(bo, uint64(attempts-1))
}

func (d *Dispatcher) post(ctx context.Context, payload ResolvePayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("marshal payload: %w", err))
	}

	timeout := d.DispatchTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, d.ResolverURL, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post resolver: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500:
		return fmt.Errorf("resolver temporary error: %s", resp.Status)
	default:
		return backoff.Permanent(&rejectionError{status: resp.StatusCode})
	}
}

func (d *Dispatcher) deadLetter(ctx context.Context, key string, payload ResolvePayload, reason string) error {
	entry := DeadLetterEntry{
		Payload:   payload,
		Reason:    reason,
		Timestamp: UnixSeconds(d.clock()),
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	if err := d.Store.AppendList(ctx, DeadLetterKey, string(raw)); err != nil {
		return fmt.Errorf("append dead letter for %s: %w", key, err)
	}
	deadLetterWrites.WithLabelValues(reason).Inc()
	d.Logger.Warn().
		Str("batch_key", key).
		Str("reason", reason).
		Str("trace_id", payload.TraceID).
		Msg("batch dead-lettered")
	return nil
}
