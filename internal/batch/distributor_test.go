package batch

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/batching-service/internal/common"
	"github.com/example/batching-service/internal/store"
)

var testBase = time.Unix(1_700_000_000, 0)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func testConfig() *common.Config {
	return &common.Config{
		DefaultDebounceSeconds: 10,
		MaxWaitSeconds:         300,
		IngestBatchSize:        100,
		MaxRetries:             3,
		RetryBackoffBase:       2,
	}
}

func newTestDistributor(mem *store.Memory, clk *fakeClock) *Distributor {
	return &Distributor{
		Store:  mem,
		Cfg:    testConfig(),
		Logger: zerolog.Nop(),
		Now:    clk.now,
	}
}

// ingestAt pushes msg onto the incoming queue stamped at the given offset and
// runs one distribute pass.
func ingestAt(t *testing.T, mem *store.Memory, d *Distributor, clk *fakeClock, msg NormalizedMessage, at time.Duration) {
	t.Helper()
	clk.t = testBase.Add(at)
	msg.ReceivedAt = UnixSeconds(clk.t)
	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := mem.AppendList(context.Background(), IncomingKey, string(raw)); err != nil {
		t.Fatalf("append incoming: %v", err)
	}
	if _, err := d.Distribute(context.Background()); err != nil {
		t.Fatalf("distribute: %v", err)
	}
}

func deadlineFor(t *testing.T, mem *store.Memory, key string) float64 {
	t.Helper()
	score, ok := mem.Score(DeadlineIndexKey, key)
	if !ok {
		t.Fatalf("no deadline entry for %s", key)
	}
	return score
}

func almostEqual(a, b float64) bool { return math.Abs(a-b) < 1e-6 }

func TestDeadlineInvariant(t *testing.T) {
	mem := store.NewMemory()
	clk := &fakeClock{t: testBase}
	mem.Now = clk.now
	d := newTestDistributor(mem, clk)
	msg := NormalizedMessage{Channel: "whatsapp", ExternalUserID: "u1", ExternalChatID: "c1"}
	key := msg.BatchKey()

	steps := []struct {
		at       time.Duration
		debounce int
		want     float64 // offset from base in seconds
	}{
		// deadline = min(now + debounce, first_arrival + max_wait)
		{at: 0, want: 10},
		{at: 2 * time.Second, want: 12},
		{at: 4 * time.Second, want: 14},
		// per-message override, still capped by the max-wait ceiling
		{at: 6 * time.Second, debounce: 500, want: 300},
		// a later default-debounce message pulls the deadline back in
		{at: 8 * time.Second, want: 18},
	}

	for _, step := range steps {
		m := msg
		m.DebounceSeconds = step.debounce
		ingestAt(t, mem, d, clk, m, step.at)
		got := deadlineFor(t, mem, key)
		want := UnixSeconds(testBase) + step.want
		if !almostEqual(got, want) {
			t.Fatalf("at t=%v deadline=%f, expected %f", step.at, got, want)
		}
	}

	// exactly one deadline entry regardless of message count
	card, _ := mem.ScoreCard(context.Background(), DeadlineIndexKey)
	if card != 1 {
		t.Fatalf("deadline entries = %d, expected 1", card)
	}
}

func TestFirstArrivalMarker(t *testing.T) {
	mem := store.NewMemory()
	clk := &fakeClock{t: testBase}
	mem.Now = clk.now
	d := newTestDistributor(mem, clk)
	msg := NormalizedMessage{Channel: "telegram", ExternalUserID: "u1", ExternalChatID: "c9"}

	ingestAt(t, mem, d, clk, msg, 0)
	stored, err := mem.Get(context.Background(), firstSeenPrefix+msg.BatchKey())
	if err != nil {
		t.Fatalf("first marker missing: %v", err)
	}
	if stored != formatSeconds(UnixSeconds(testBase)) {
		t.Fatalf("first marker = %s, expected %s", stored, formatSeconds(UnixSeconds(testBase)))
	}

	// a later message in the same window must not move the marker
	ingestAt(t, mem, d, clk, msg, 30*time.Second)
	after, err := mem.Get(context.Background(), firstSeenPrefix+msg.BatchKey())
	if err != nil {
		t.Fatalf("first marker missing after second message: %v", err)
	}
	if after != stored {
		t.Fatalf("first marker moved from %s to %s", stored, after)
	}

	// the marker self-heals: it expires a safety margin past the ceiling
	clk.t = testBase.Add(300*time.Second + 2*time.Minute)
	if _, err := mem.Get(context.Background(), firstSeenPrefix+msg.BatchKey()); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected marker to expire, got %v", err)
	}
}

func TestMalformedInputDropped(t *testing.T) {
	mem := store.NewMemory()
	clk := &fakeClock{t: testBase}
	d := newTestDistributor(mem, clk)
	ctx := context.Background()

	_ = mem.AppendList(ctx, IncomingKey, "{not json")
	missingChat, _ := json.Marshal(NormalizedMessage{Channel: "whatsapp", ExternalUserID: "u1"})
	_ = mem.AppendList(ctx, IncomingKey, string(missingChat))

	filed, err := d.Distribute(ctx)
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if filed != 0 {
		t.Fatalf("filed %d messages, expected 0", filed)
	}
	card, _ := mem.ScoreCard(ctx, DeadlineIndexKey)
	if card != 0 {
		t.Fatalf("malformed input created %d deadline entries", card)
	}
}

func TestReasonLastWriteWins(t *testing.T) {
	mem := store.NewMemory()
	clk := &fakeClock{t: testBase}
	mem.Now = clk.now
	d := newTestDistributor(mem, clk)
	msg := NormalizedMessage{Channel: "vk", ExternalUserID: "u1", ExternalChatID: "c2"}

	// first message computes max_wait (override beyond the ceiling), the
	// second computes silence; the reason of the last message is the one a
	// drain reports.
	m1 := msg
	m1.DebounceSeconds = 400
	ingestAt(t, mem, d, clk, m1, 0)
	ingestAt(t, mem, d, clk, msg, 2*time.Second)

	raws, err := mem.RangeList(context.Background(), batchListPrefix+msg.BatchKey(), 0, -1)
	if err != nil {
		t.Fatalf("range batch list: %v", err)
	}
	if len(raws) != 2 {
		t.Fatalf("batch list has %d entries, expected 2", len(raws))
	}

	var stored []NormalizedMessage
	for _, raw := range raws {
		var m NormalizedMessage
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			t.Fatalf("unmarshal stored message: %v", err)
		}
		stored = append(stored, m)
	}
	if stored[0].BatchReason != ReasonMaxWait {
		t.Fatalf("first stored reason = %s, expected %s", stored[0].BatchReason, ReasonMaxWait)
	}
	if stored[1].BatchReason != ReasonSilence {
		t.Fatalf("second stored reason = %s, expected %s", stored[1].BatchReason, ReasonSilence)
	}
	if got := merge(stored).Meta.BatchReason; got != ReasonSilence {
		t.Fatalf("merged reason = %s, expected %s", got, ReasonSilence)
	}
}
