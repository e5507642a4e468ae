// Package ingress is the HTTP boundary: it accepts normalized messages from
// channel adapters, resolves idempotency, and enqueues them for batching. It
// also exposes the health and dead-letter surfaces for operators.
package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/batching-service/internal/batch"
	"github.com/example/batching-service/internal/common"
	"github.com/example/batching-service/internal/store"
)

const seenPrefix = "seen:"

var (
	ingestCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingress_requests_total",
		Help: "Total /ingest requests by outcome",
	}, []string{"status", "channel"})
	ingestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ingress_request_duration_seconds",
		Help:    "Latency for /ingest requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"channel"})
)

type Handler struct {
	store  store.Store
	cfg    *common.Config
	tracer trace.Tracer
	logger zerolog.Logger

	now func() time.Time
}

func NewHandler(st store.Store, cfg *common.Config, logger zerolog.Logger) *Handler {
	return &Handler{
		store:  st,
		cfg:    cfg,
		tracer: otel.Tracer("ingress"),
		logger: logger,
		now:    time.Now,
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Post("/ingest", h.ingest)
	r.Get("/healthz", h.health)
	r.Get("/dlq", h.deadLetters)
	r.Delete("/dlq", h.clearDeadLetters)
	return r
}

func (h *Handler) ingest(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "ingest")
	defer span.End()

	var msg batch.NormalizedMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		h.respondErr(ctx, w, http.StatusBadRequest, err)
		return
	}
	if err := msg.Validate(); err != nil {
		h.respondErr(ctx, w, http.StatusBadRequest, err)
		return
	}

	if msg.MessageID == "" {
		msg.MessageID = "msg_" + uuid.NewString()
	}
	if msg.TraceID == "" {
		msg.TraceID = "trace_" + uuid.NewString()
	}
	span.SetAttributes(
		attribute.String("message.id", msg.MessageID),
		attribute.String("message.channel", msg.Channel),
	)

	start := time.Now()

	seenKey := seenPrefix + msg.Channel + ":" + msg.MessageID
	_, err := h.store.Get(ctx, seenKey)
	switch {
	case err == nil:
		ingestCounter.WithLabelValues("duplicate", msg.Channel).Inc()
		h.logger.Info().Str("message_id", msg.MessageID).Msg("duplicate message skipped")
		h.respondJSON(w, http.StatusOK, map[string]any{
			"accepted":   false,
			"duplicate":  true,
			"message_id": msg.MessageID,
			"trace_id":   msg.TraceID,
		})
		return
	case !errors.Is(err, store.ErrNotFound):
		h.respondErr(ctx, w, http.StatusInternalServerError, err)
		return
	}
	if err := h.store.SetWithTTL(ctx, seenKey, "1", h.cfg.IdempotencyTTL); err != nil {
		h.respondErr(ctx, w, http.StatusInternalServerError, err)
		return
	}

	msg.ReceivedAt = batch.UnixSeconds(h.now())
	raw, err := json.Marshal(msg)
	if err != nil {
		h.respondErr(ctx, w, http.StatusInternalServerError, err)
		return
	}
	if err := h.store.AppendList(ctx, batch.IncomingKey, string(raw)); err != nil {
		h.respondErr(ctx, w, http.StatusInternalServerError, err)
		return
	}

	ingestCounter.WithLabelValues("accepted", msg.Channel).Inc()
	ingestLatency.WithLabelValues(msg.Channel).Observe(time.Since(start).Seconds())
	h.logger.Info().
		Str("channel", msg.Channel).
		Str("external_chat_id", msg.ExternalChatID).
		Str("message_id", msg.MessageID).
		Msg("message ingested")

	h.respondJSON(w, http.StatusAccepted, map[string]any{
		"accepted":   true,
		"message_id": msg.MessageID,
		"trace_id":   msg.TraceID,
	})
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	storeOK := h.store.Ping(ctx) == nil
	var incoming, pending, deadLetters int64
	if storeOK {
		incoming, _ = h.store.ListLen(ctx, batch.IncomingKey)
		pending, _ = h.store.ScoreCard(ctx, batch.DeadlineIndexKey)
		deadLetters, _ = h.store.ListLen(ctx, batch.DeadLetterKey)
	}

	status := "ok"
	if !storeOK {
		status = "degraded"
	}
	h.respondJSON(w, http.StatusOK, map[string]any{
		"status": status,
		"store":  storeOK,
		"queues": map[string]any{
			"incoming":        incoming,
			"pending_batches": pending,
			"dlq":             deadLetters,
		},
		"config": map[string]any{
			"debounce_seconds": h.cfg.DefaultDebounceSeconds,
			"max_wait_seconds": h.cfg.MaxWaitSeconds,
			"resolver_url":     h.cfg.ResolverURL,
		},
	})
}

func (h *Handler) deadLetters(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			h.respondErr(ctx, w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = parsed
	}

	raws, err := h.store.RangeList(ctx, batch.DeadLetterKey, 0, int64(limit-1))
	if err != nil {
		h.respondErr(ctx, w, http.StatusInternalServerError, err)
		return
	}

	entries := make([]batch.DeadLetterEntry, 0, len(raws))
	for _, raw := range raws {
		var entry batch.DeadLetterEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	h.respondJSON(w, http.StatusOK, map[string]any{
		"count":   len(entries),
		"entries": entries,
	})
}

func (h *Handler) clearDeadLetters(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	count, err := h.store.ListLen(ctx, batch.DeadLetterKey)
	if err != nil {
		h.respondErr(ctx, w, http.StatusInternalServerError, err)
		return
	}
	if err := h.store.Delete(ctx, batch.DeadLetterKey); err != nil {
		h.respondErr(ctx, w, http.StatusInternalServerError, err)
		return
	}
	h.logger.Info().Int64("cleared", count).Msg("dead-letter list cleared")
	h.respondJSON(w, http.StatusOK, map[string]any{"cleared": count})
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) respondErr(ctx context.Context, w http.ResponseWriter, status int, err error) {
	logger := common.WithContext(ctx, h.logger)
	logger.Error().Err(err).Int("status", status).Msg("ingress handler failed")
	ingestCounter.WithLabelValues(http.StatusText(status), "unknown").Inc()
	http.Error(w, err.Error(), status)
}
