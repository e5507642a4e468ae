package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/example/batching-service/internal/store"
)

// Aggregator drains a due batch, merges it into one payload and hands it to
// the dispatcher.
type Aggregator struct {
	Store      store.Store
	Dispatcher *Dispatcher
	Logger     zerolog.Logger
}

// Fire drains the batch list for key and dispatches the merged payload. An
// empty drain is a no-op: the key was already processed by a concurrent
// sweep. Once drained, the batch is delivered or dead-lettered, never
// re-inserted into the live batching path.
func (a *Aggregator) Fire(ctx context.Context, key string) error {
	raws, err := a.Store.DrainList(ctx, batchListPrefix+key)
	if err != nil {
		return fmt.Errorf("drain batch %s: %w", key, err)
	}

	messages := make([]NormalizedMessage, 0, len(raws))
	for _, raw := range raws {
		var msg NormalizedMessage
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			a.Logger.Warn().Err(err).Str("batch_key", key).Msg("skipping undecodable batch entry")
			continue
		}
		messages = append(messages, msg)
	}
	if len(messages) == 0 {
		return nil
	}

	return a.Dispatcher.Dispatch(ctx, key, merge(messages))
}

// merge collapses a batch into one resolver payload. Identity and credential
// fields come from the last message, client fields fall back to the first,
// and the reason recorded by the last message wins.
func merge(messages []NormalizedMessage) ResolvePayload {
	first := messages[0]
	last := messages[len(messages)-1]

	texts := make([]string, 0, len(messages))
	ids := make([]string, 0, len(messages))
	media := MergedMedia{
		VoiceURLs:    []string{},
		VideoURLs:    []string{},
		DocumentURLs: []string{},
		Images:       []string{},
	}
	for _, m := range messages {
		if m.Text != "" {
			texts = append(texts, m.Text)
		}
		if m.MessageID != "" {
			ids = append(ids, m.MessageID)
		}
		media.HasVoice = media.HasVoice || m.Media.HasVoice
		media.HasImages = media.HasImages || m.Media.HasImages
		media.HasVideo = media.HasVideo || m.Media.HasVideo
		media.HasDocument = media.HasDocument || m.Media.HasDocument
		if m.Media.VoiceURL != "" {
			media.VoiceURLs = append(media.VoiceURLs, m.Media.VoiceURL)
		}
		if m.Media.VideoURL != "" {
			media.VideoURLs = append(media.VideoURLs, m.Media.VideoURL)
		}
		if m.Media.DocumentURL != "" {
			media.DocumentURLs = append(media.DocumentURLs, m.Media.DocumentURL)
		}
		media.Images = append(media.Images, m.Media.Images...)
	}

	reason := last.BatchReason
	if reason == "" {
		reason = ReasonSilence
	}

	return ResolvePayload{
		Channel:        last.Channel,
		BotToken:       last.BotToken,
		ProfileID:      last.ProfileID,
		GroupID:        last.GroupID,
		ExternalUserID: last.ExternalUserID,
		ExternalChatID: last.ExternalChatID,
		ClientName:     coalesce(last.ClientName, first.ClientName),
		ClientPhone:    coalesce(last.ClientPhone, first.ClientPhone),
		Text:           strings.Join(texts, "\n\n"),
		Timestamp:      last.Timestamp,
		MessageIDs:     ids,
		TraceID:        coalesce(last.TraceID, first.TraceID),
		Media:          media,
		Meta: BatchMeta{
			Batched:        len(messages) > 1,
			BatchSize:      len(messages),
			BatchReason:    reason,
			FirstMessageAt: first.ReceivedAt,
			LastMessageAt:  last.ReceivedAt,
		},
	}
}

func coalesce(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
