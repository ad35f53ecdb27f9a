package rewards

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/nostreward/internal/allowlist"
	"github.com/dmitrijs2005/nostreward/internal/journal"
	"github.com/dmitrijs2005/nostreward/internal/ledger"
	"github.com/dmitrijs2005/nostreward/internal/logging"
	"github.com/dmitrijs2005/nostreward/internal/metrics"
	"github.com/dmitrijs2005/nostreward/internal/models"
	"github.com/dmitrijs2005/nostreward/internal/nostrx"
	"github.com/dmitrijs2005/nostreward/internal/nostrx/relaytest"
	"github.com/dmitrijs2005/nostreward/internal/nwc"
	"github.com/dmitrijs2005/nostreward/internal/timex"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeZapper struct {
	mu      sync.Mutex
	targets []models.Target
	fn      func(ctx context.Context, target models.Target) (nwc.Outcome, error)
}

func (z *fakeZapper) Zap(ctx context.Context, target models.Target) (nwc.Outcome, error) {
	z.mu.Lock()
	z.targets = append(z.targets, target)
	fn := z.fn
	z.mu.Unlock()
	if fn == nil {
		return nwc.Outcome{Preimage: "00ff"}, nil
	}
	return fn(ctx, target)
}

func (z *fakeZapper) calls() []models.Target {
	z.mu.Lock()
	defer z.mu.Unlock()
	return append([]models.Target(nil), z.targets...)
}

type memJournal struct {
	mu      sync.Mutex
	records []journal.Record
}

func (j *memJournal) Record(_ context.Context, r journal.Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records = append(j.records, r)
	return nil
}

func (j *memJournal) outcomes() map[string]string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make(map[string]string)
	for _, r := range j.records {
		out[r.Action] = r.Outcome
	}
	return out
}

type fixture struct {
	ledger  *ledger.Ledger
	clock   *timex.FakeClock
	zapper  *fakeZapper
	hub     *relaytest.Hub
	allow   *allowlist.Store
	journal *memJournal
	reg     *prometheus.Registry
	self    nostrx.Signer
	author  nostrx.Signer
	orch    *Orchestrator
}

func newFixture(t *testing.T, codes ...string) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		clock:   timex.NewFakeClock(t0),
		zapper:  &fakeZapper{},
		hub:     relaytest.NewHub(),
		journal: &memJournal{},
		reg:     prometheus.NewRegistry(),
	}

	var err error
	f.ledger, err = ledger.Open(filepath.Join(dir, "codes.json"), ledger.WithClock(f.clock))
	require.NoError(t, err)
	for _, c := range codes {
		_, err := f.ledger.Add(c)
		require.NoError(t, err)
	}
	f.allow = allowlist.New(filepath.Join(dir, "allow.json"), f.clock)

	self, err := nostrx.NewKeySigner(nostr.GeneratePrivateKey())
	require.NoError(t, err)
	author, err := nostrx.NewKeySigner(nostr.GeneratePrivateKey())
	require.NoError(t, err)
	f.self, f.author = self, author

	pool := nostrx.NewPool(f.hub, []string{"wss://relay.one"}, logging.Discard())
	t.Cleanup(pool.Close)

	f.orch = New(f.ledger, self.PublicKey(),
		WithZapper(f.zapper),
		WithReposter(NewPoolReposter(pool, self)),
		WithAllowList(f.allow),
		WithJournal(f.journal),
		WithMetrics(metrics.New(f.reg)),
		WithLogger(logging.Discard()),
		WithRequiredHashtag("nostreward"),
	)
	return f
}

func (f *fixture) note(t *testing.T, s nostrx.Signer, content string, tags nostr.Tags) models.Message {
	t.Helper()
	ev := nostr.Event{Kind: nostrx.KindTextNote, CreatedAt: nostr.Timestamp(t0.Unix()), Content: content, Tags: tags}
	require.NoError(t, s.Sign(&ev))
	return models.Message{
		ID:        ev.ID,
		Author:    ev.PubKey,
		Content:   ev.Content,
		CreatedAt: ev.CreatedAt.Time(),
		Tags:      ev.Tags,
		Relay:     "wss://relay.one",
		Event:     &ev,
	}
}

var hashtag = nostr.Tags{{"t", "nostreward"}}

func TestHandleMessage_RewardsRedeemedCode(t *testing.T) {
	f := newFixture(t, "TESTCODE2026", "OTHERCODE")
	msg := f.note(t, f.author, "here it is: TESTCODE2026! #nostreward", hashtag)

	require.NoError(t, f.orch.HandleMessage(context.Background(), msg))

	e := f.ledger.Entries()[0]
	assert.True(t, e.Used)
	require.NotNil(t, e.UsedBy)
	assert.Equal(t, msg.Author, *e.UsedBy)
	assert.False(t, e.PaymentFailed)
	assert.False(t, e.PaymentPending)
	assert.False(t, f.ledger.Entries()[1].Used)

	assert.Equal(t, []models.Target{{EventID: msg.ID, Author: msg.Author}}, f.zapper.calls())

	published := f.hub.Published()
	require.Len(t, published, 1)
	repost := published[0]
	assert.Equal(t, nostrx.KindRepost, repost.Kind)
	assert.Equal(t, f.self.PublicKey(), repost.PubKey)
	assert.Equal(t, nostr.Tags{{"e", msg.ID, "wss://relay.one"}, {"p", msg.Author}}, repost.Tags)
	var inner nostr.Event
	require.NoError(t, json.Unmarshal([]byte(repost.Content), &inner))
	assert.Equal(t, msg.ID, inner.ID)
	ok, err := repost.CheckSignature()
	require.NoError(t, err)
	assert.True(t, ok)

	listed, err := f.allow.Contains(msg.Author)
	require.NoError(t, err)
	assert.True(t, listed)

	assert.Equal(t, map[string]string{
		journal.ActionRedeem:    journal.OutcomeOK,
		journal.ActionZap:       journal.OutcomeOK,
		journal.ActionRepost:    journal.OutcomeOK,
		journal.ActionAllowList: journal.OutcomeOK,
	}, f.journal.outcomes())

	n, err := testutil.GatherAndCount(f.reg, "nostreward_redemptions_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestHandleMessage_SecondDeliveryRewardsOnce(t *testing.T) {
	f := newFixture(t, "TESTCODE2026")
	msg := f.note(t, f.author, "TESTCODE2026 #nostreward", hashtag)

	require.NoError(t, f.orch.HandleMessage(context.Background(), msg))
	require.NoError(t, f.orch.HandleMessage(context.Background(), msg))

	other, err := nostrx.NewKeySigner(nostr.GeneratePrivateKey())
	require.NoError(t, err)
	require.NoError(t, f.orch.HandleMessage(context.Background(), f.note(t, other, "TESTCODE2026", hashtag)))

	assert.Len(t, f.zapper.calls(), 1)
	assert.Len(t, f.hub.Published(), 1)
}

func TestClaim_Ignored(t *testing.T) {
	f := newFixture(t, "TESTCODE2026")

	tests := []struct {
		name string
		msg  models.Message
	}{
		{"own note", f.note(t, f.self, "TESTCODE2026", hashtag)},
		{"missing hashtag", f.note(t, f.author, "TESTCODE2026", nostr.Tags{{"t", "other"}})},
		{"no code", f.note(t, f.author, "nothing to see #nostreward", hashtag)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok, err := f.orch.Claim(context.Background(), tt.msg)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
	assert.False(t, f.ledger.Entries()[0].Used)
	assert.Empty(t, f.zapper.calls())
}

func TestReward_PaymentFailureSchedulesRetry(t *testing.T) {
	f := newFixture(t, "TESTCODE2026")
	f.zapper.fn = func(context.Context, models.Target) (nwc.Outcome, error) {
		return nwc.Outcome{}, errors.New("no route")
	}
	msg := f.note(t, f.author, "TESTCODE2026", hashtag)

	require.NoError(t, f.orch.HandleMessage(context.Background(), msg))

	e := f.ledger.Entries()[0]
	assert.True(t, e.Used)
	assert.True(t, e.PaymentFailed)
	assert.False(t, e.PaymentPending)
	require.NotNil(t, e.RetryAt)
	assert.Equal(t, t0.Add(ledger.DefaultRetryDelay), *e.RetryAt)

	// Other actions are unaffected.
	assert.Len(t, f.hub.Published(), 1)
	assert.Equal(t, journal.OutcomeFailed, f.journal.outcomes()[journal.ActionZap])
	assert.Equal(t, journal.OutcomeOK, f.journal.outcomes()[journal.ActionRepost])

	assert.Empty(t, f.ledger.DueRetries(f.clock.Now()))
	f.clock.Advance(31 * time.Minute)
	due := f.ledger.DueRetries(f.clock.Now())
	require.Len(t, due, 1)

	f.zapper.fn = nil
	require.NoError(t, f.orch.RetryPayment(context.Background(), due[0]))
	e = f.ledger.Entries()[0]
	assert.False(t, e.PaymentFailed)
	assert.Nil(t, e.RetryAt)
	assert.Len(t, f.zapper.calls(), 2)
	assert.Len(t, f.hub.Published(), 1)
}

func TestReward_PaymentPendingWhileInFlight(t *testing.T) {
	f := newFixture(t, "TESTCODE2026")
	ctx, cancel := context.WithCancel(context.Background())

	var pending bool
	var ctxErr error
	f.zapper.fn = func(zctx context.Context, _ models.Target) (nwc.Outcome, error) {
		pending = f.ledger.Entries()[0].PaymentPending
		cancel()
		ctxErr = zctx.Err()
		return nwc.Outcome{Unconfirmed: true}, nil
	}

	c, ok, err := f.orch.Claim(ctx, f.note(t, f.author, "TESTCODE2026", hashtag))
	require.NoError(t, err)
	require.True(t, ok)
	f.orch.Reward(ctx, c)

	assert.True(t, pending)
	assert.NoError(t, ctxErr)
	e := f.ledger.Entries()[0]
	assert.False(t, e.PaymentPending)
	assert.False(t, e.PaymentFailed)
	assert.Equal(t, journal.OutcomeUnconfirmed, f.journal.outcomes()[journal.ActionZap])
}

func TestReward_AllowListAlreadyPresent(t *testing.T) {
	f := newFixture(t, "CODE-ONE", "CODE-TWO")

	require.NoError(t, f.orch.HandleMessage(context.Background(), f.note(t, f.author, "CODE-ONE", hashtag)))
	require.NoError(t, f.orch.HandleMessage(context.Background(), f.note(t, f.author, "CODE-TWO", hashtag)))

	assert.Equal(t, journal.OutcomeAlreadyPresent, f.journal.outcomes()[journal.ActionAllowList])
	list, err := f.allow.List()
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestReward_RepostFailureDoesNotStopPayment(t *testing.T) {
	f := newFixture(t, "TESTCODE2026")
	f.hub.OnPublish = func(string, nostr.Event) error { return errors.New("blocked") }

	require.NoError(t, f.orch.HandleMessage(context.Background(), f.note(t, f.author, "TESTCODE2026", hashtag)))

	assert.Len(t, f.zapper.calls(), 1)
	assert.False(t, f.ledger.Entries()[0].PaymentFailed)
	assert.Equal(t, journal.OutcomeFailed, f.journal.outcomes()[journal.ActionRepost])
}

func TestRetryPayment_NoZapper(t *testing.T) {
	f := newFixture(t, "TESTCODE2026")
	o := New(f.ledger, f.self.PublicKey())
	require.NoError(t, o.RetryPayment(context.Background(), ledger.Retry{Index: 0}))
}
