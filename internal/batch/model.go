// Package batch turns a burst of chat messages from one conversation into a
// single aggregated request for the downstream resolver. Messages are filed
// under a per-conversation key, a deadline fires after a period of silence or
// when the max-wait ceiling is hit, and the whole batch is dispatched at once.
package batch

import (
	"errors"
	"strconv"
	"time"
)

// Store keys shared between the worker and the ingress surfaces.
const (
	IncomingKey      = "queue:incoming"
	DeadlineIndexKey = "batch:deadlines"
	DeadLetterKey    = "dlq:resolver"

	batchListPrefix = "queue:batch:"
	firstSeenPrefix = "batch:first:"
)

// Reasons recorded on a fired batch or a dead-letter entry.
const (
	ReasonSilence         = "silence_reached"
	ReasonMaxWait         = "max_wait_reached"
	ReasonRetriesExceeded = "max_retries_exceeded"
)

// Padding added to the first-arrival marker TTL so it self-heals if the
// scheduler misses the cleanup.
const firstSeenSafetyMargin = time.Minute

type Media struct {
	HasVoice    bool     `json:"has_voice,omitempty"`
	HasImages   bool     `json:"has_images,omitempty"`
	HasVideo    bool     `json:"has_video,omitempty"`
	HasDocument bool     `json:"has_document,omitempty"`
	VoiceURL    string   `json:"voice_url,omitempty"`
	VideoURL    string   `json:"video_url,omitempty"`
	DocumentURL string   `json:"document_url,omitempty"`
	Images      []string `json:"images,omitempty"`
}

// NormalizedMessage is the unit of work handed over by a channel adapter.
// Immutable once ingested; the distributor only adds the reason tag before
// filing it under its batch.
type NormalizedMessage struct {
	Channel        string `json:"channel"`
	ExternalUserID string `json:"external_user_id"`
	ExternalChatID string `json:"external_chat_id"`
	Text           string `json:"text"`
	Timestamp      string `json:"timestamp"`

	ClientName  string `json:"client_name,omitempty"`
	ClientPhone string `json:"client_phone,omitempty"`

	// Channel credential, at most one populated.
	BotToken  string `json:"bot_token,omitempty"`
	ProfileID string `json:"profile_id,omitempty"`
	GroupID   string `json:"group_id,omitempty"`

	Meta  map[string]any `json:"meta,omitempty"`
	Media Media          `json:"media,omitempty"`

	MessageID       string  `json:"message_id,omitempty"`
	TraceID         string  `json:"trace_id,omitempty"`
	DebounceSeconds int     `json:"debounce_seconds,omitempty"`
	ReceivedAt      float64 `json:"received_at,omitempty"`

	// Computed per message at distribution time; the value written by the
	// last message of a window is the one reported on the fired batch.
	BatchReason string `json:"_batch_reason,omitempty"`
}

// BatchKey groups messages per conversation. Tenant-agnostic: tenant
// resolution happens downstream, after aggregation.
func (m NormalizedMessage) BatchKey() string {
	return m.Channel + ":" + m.ExternalChatID
}

func (m NormalizedMessage) Validate() error {
	if m.Channel == "" {
		return errors.New("channel is required")
	}
	if m.ExternalUserID == "" {
		return errors.New("external_user_id is required")
	}
	if m.ExternalChatID == "" {
		return errors.New("external_chat_id is required")
	}
	return nil
}

// MergedMedia is the union of the media of every message in a batch. Presence
// flags are ORed, URL lists concatenate in arrival order.
type MergedMedia struct {
	HasVoice     bool     `json:"has_voice"`
	HasImages    bool     `json:"has_images"`
	HasVideo     bool     `json:"has_video"`
	HasDocument  bool     `json:"has_document"`
	VoiceURLs    []string `json:"voice_urls"`
	VideoURLs    []string `json:"video_urls"`
	DocumentURLs []string `json:"document_urls"`
	Images       []string `json:"images"`
}

type BatchMeta struct {
	Batched        bool    `json:"batched"`
	BatchSize      int     `json:"batch_size"`
	BatchReason    string  `json:"batch_reason"`
	FirstMessageAt float64 `json:"first_message_at"`
	LastMessageAt  float64 `json:"last_message_at"`
}

// ResolvePayload is the aggregated batch as POSTed to the resolver.
type ResolvePayload struct {
	Channel        string      `json:"channel"`
	BotToken       string      `json:"bot_token,omitempty"`
	ProfileID      string      `json:"profile_id,omitempty"`
	GroupID        string      `json:"group_id,omitempty"`
	ExternalUserID string      `json:"external_user_id"`
	ExternalChatID string      `json:"external_chat_id"`
	ClientName     string      `json:"client_name,omitempty"`
	ClientPhone    string      `json:"client_phone,omitempty"`
	Text           string      `json:"text"`
	Timestamp      string      `json:"timestamp"`
	MessageIDs     []string    `json:"message_ids"`
	TraceID        string      `json:"trace_id"`
	Media          MergedMedia `json:"media"`
	Meta           BatchMeta   `json:"meta"`
}

// DeadLetterEntry is a batch that could not be delivered, kept for operator
// inspection and replay. Never auto-expired.
type DeadLetterEntry struct {
	Payload   ResolvePayload `json:"payload"`
	Reason    string         `json:"reason"`
	Timestamp float64        `json:"timestamp"`
}

// UnixSeconds renders t as float seconds since epoch, the representation used
// for deadline scores and arrival markers.
func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', -1, 64)
}
