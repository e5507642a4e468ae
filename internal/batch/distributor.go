package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/batching-service/internal/common"
	"github.com/example/batching-service/internal/store"
)

// Distributor files newly ingested messages into per-conversation batches and
// keeps each batch's deadline up to date.
type Distributor struct {
	Store  store.Store
	Cfg    *common.Config
	Logger zerolog.Logger

	// Now is the clock hook for tests; defaults to time.Now.
	Now func() time.Time
}

func (d *Distributor) clock() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Distribute pulls up to IngestBatchSize raw messages off the incoming queue
// and files each one. Malformed entries are dropped and logged, never
// retried. Returns the number of messages filed.
func (d *Distributor) Distribute(ctx context.Context) (int, error) {
	raws, err := d.Store.PopList(ctx, IncomingKey, d.Cfg.IngestBatchSize)
	if err != nil {
		return 0, fmt.Errorf("pop incoming queue: %w", err)
	}
	if len(raws) == 0 {
		return 0, nil
	}

	now := UnixSeconds(d.clock())
	filed := 0
	for _, raw := range raws {
		var msg NormalizedMessage
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			messagesDropped.Inc()
			d.Logger.Warn().Err(err).Msg("dropping undecodable message")
			continue
		}
		if err := msg.Validate(); err != nil {
			messagesDropped.Inc()
			d.Logger.Warn().Err(err).Str("channel", msg.Channel).Msg("dropping invalid message")
			continue
		}
		if err := d.file(ctx, msg, now); err != nil {
			return filed, err
		}
		filed++
	}
	return filed, nil
}

// file computes the batch deadline for one message and appends it to its
// conversation list. The deadline is min(debounce after this message,
// max-wait from the first message of the window); ties favor silence.
func (d *Distributor) file(ctx context.Context, msg NormalizedMessage, now float64) error {
	key := msg.BatchKey()
	firstKey := firstSeenPrefix + key

	first := msg.ReceivedAt
	if first == 0 {
		first = now
	}
	stored, err := d.Store.Get(ctx, firstKey)
	switch {
	case errors.Is(err, store.ErrNotFound):
		// This message opens a new window. The TTL outlives the max-wait
		// ceiling so a missed cleanup self-heals.
		ttl := time.Duration(d.Cfg.MaxWaitSeconds)*time.Second + firstSeenSafetyMargin
		if err := d.Store.SetWithTTL(ctx, firstKey, formatSeconds(first), ttl); err != nil {
			return fmt.Errorf("mark first arrival for %s: %w", key, err)
		}
	case err != nil:
		return fmt.Errorf("read first arrival for %s: %w", key, err)
	default:
		parsed, perr := strconv.ParseFloat(stored, 64)
		if perr != nil {
			return fmt.Errorf("corrupt first arrival for %s: %w", key, perr)
		}
		first = parsed
	}

	debounce := msg.DebounceSeconds
	if debounce <= 0 {
		debounce = d.Cfg.DefaultDebounceSeconds
	}

	debounceDeadline := now + float64(debounce)
	maxWaitDeadline := first + float64(d.Cfg.MaxWaitSeconds)

	deadline := debounceDeadline
	msg.BatchReason = ReasonSilence
	if maxWaitDeadline < debounceDeadline {
		deadline = maxWaitDeadline
		msg.BatchReason = ReasonMaxWait
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message %s: %w", msg.MessageID, err)
	}
	if err := d.Store.AppendList(ctx, batchListPrefix+key, string(raw)); err != nil {
		return fmt.Errorf("append to batch %s: %w", key, err)
	}
	if err := d.Store.UpsertScore(ctx, DeadlineIndexKey, key, deadline); err != nil {
		return fmt.Errorf("upsert deadline for %s: %w", key, err)
	}

	messagesDistributed.WithLabelValues(msg.Channel).Inc()
	d.Logger.Debug().
		Str("batch_key", key).
		Float64("deadline", deadline).
		Str("reason", msg.BatchReason).
		Msg("message filed")
	return nil
}
