package ingress

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/batching-service/internal/batch"
	"github.com/example/batching-service/internal/common"
	"github.com/example/batching-service/internal/store"
)

func newTestHandler(mem *store.Memory) *Handler {
	cfg := &common.Config{
		DefaultDebounceSeconds: 10,
		MaxWaitSeconds:         300,
		IdempotencyTTL:         time.Hour,
		ResolverURL:            "http://resolver.local/resolve",
	}
	return NewHandler(mem, cfg, zerolog.Nop())
}

func postJSON(t *testing.T, handler http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestIngestAcceptsAndQueues(t *testing.T) {
	mem := store.NewMemory()
	h := newTestHandler(mem)
	router := h.Router()

	rec := postJSON(t, router, "/ingest", batch.NormalizedMessage{
		Channel:        "whatsapp",
		ExternalUserID: "u1",
		ExternalChatID: "c1",
		Text:           "hi",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, expected 202: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Accepted  bool   `json:"accepted"`
		MessageID string `json:"message_id"`
		TraceID   string `json:"trace_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Accepted {
		t.Fatal("expected accepted")
	}
	if !strings.HasPrefix(resp.MessageID, "msg_") || !strings.HasPrefix(resp.TraceID, "trace_") {
		t.Fatalf("generated ids = %s / %s", resp.MessageID, resp.TraceID)
	}

	raws, _ := mem.RangeList(context.Background(), batch.IncomingKey, 0, -1)
	if len(raws) != 1 {
		t.Fatalf("incoming queue length = %d, expected 1", len(raws))
	}
	var queued batch.NormalizedMessage
	if err := json.Unmarshal([]byte(raws[0]), &queued); err != nil {
		t.Fatalf("decode queued message: %v", err)
	}
	if queued.ReceivedAt == 0 {
		t.Fatal("received_at not stamped")
	}
	if queued.MessageID != resp.MessageID {
		t.Fatalf("queued message_id = %s, expected %s", queued.MessageID, resp.MessageID)
	}
}

func TestIngestDuplicateSkipped(t *testing.T) {
	mem := store.NewMemory()
	router := newTestHandler(mem).Router()

	msg := batch.NormalizedMessage{
		Channel:        "telegram",
		ExternalUserID: "u1",
		ExternalChatID: "c1",
		Text:           "hi",
		MessageID:      "fixed-id",
	}

	first := postJSON(t, router, "/ingest", msg)
	if first.Code != http.StatusAccepted {
		t.Fatalf("first status = %d", first.Code)
	}

	second := postJSON(t, router, "/ingest", msg)
	if second.Code != http.StatusOK {
		t.Fatalf("duplicate status = %d, expected 200", second.Code)
	}
	var resp struct {
		Accepted  bool `json:"accepted"`
		Duplicate bool `json:"duplicate"`
	}
	if err := json.Unmarshal(second.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Accepted || !resp.Duplicate {
		t.Fatalf("response = %+v, expected duplicate", resp)
	}

	length, _ := mem.ListLen(context.Background(), batch.IncomingKey)
	if length != 1 {
		t.Fatalf("incoming queue length = %d, expected duplicate not enqueued", length)
	}
}

func TestIngestRejectsInvalid(t *testing.T) {
	router := newTestHandler(store.NewMemory()).Router()

	tests := []struct {
		name string
		msg  batch.NormalizedMessage
	}{
		{name: "missing channel", msg: batch.NormalizedMessage{ExternalUserID: "u1", ExternalChatID: "c1"}},
		{name: "missing chat id", msg: batch.NormalizedMessage{Channel: "vk", ExternalUserID: "u1"}},
		{name: "missing user id", msg: batch.NormalizedMessage{Channel: "vk", ExternalChatID: "c1"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if rec := postJSON(t, router, "/ingest", tc.msg); rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, expected 400", rec.Code)
			}
		})
	}
}

func TestDeadLetterSurface(t *testing.T) {
	mem := store.NewMemory()
	router := newTestHandler(mem).Router()
	ctx := context.Background()

	entry := batch.DeadLetterEntry{
		Payload: batch.ResolvePayload{Channel: "whatsapp", TraceID: "t1"},
		Reason:  "rejected_400",
	}
	raw, _ := json.Marshal(entry)
	_ = mem.AppendList(ctx, batch.DeadLetterKey, string(raw))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/dlq", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("get dlq status = %d", rec.Code)
	}
	var listing struct {
		Count   int                     `json:"count"`
		Entries []batch.DeadLetterEntry `json:"entries"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listing); err != nil {
		t.Fatalf("decode listing: %v", err)
	}
	if listing.Count != 1 || listing.Entries[0].Reason != "rejected_400" {
		t.Fatalf("listing = %+v", listing)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/dlq", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("clear dlq status = %d", rec.Code)
	}
	var cleared struct {
		Cleared int64 `json:"cleared"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &cleared); err != nil {
		t.Fatalf("decode clear response: %v", err)
	}
	if cleared.Cleared != 1 {
		t.Fatalf("cleared = %d, expected 1", cleared.Cleared)
	}

	length, _ := mem.ListLen(ctx, batch.DeadLetterKey)
	if length != 0 {
		t.Fatalf("dlq length = %d after clear", length)
	}
}

func TestHealth(t *testing.T) {
	mem := store.NewMemory()
	router := newTestHandler(mem).Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}
	var health struct {
		Status string `json:"status"`
		Store  bool   `json:"store"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health.Status != "ok" || !health.Store {
		t.Fatalf("health = %+v", health)
	}
}
