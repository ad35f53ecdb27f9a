package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/nostreward/internal/ledger"
	"github.com/dmitrijs2005/nostreward/internal/timex"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// ledgerRetrier settles or re-fails retries against a real ledger.
type ledgerRetrier struct {
	l    *ledger.Ledger
	fail bool

	mu    sync.Mutex
	calls []ledger.Retry
}

func (r *ledgerRetrier) RetryPayment(_ context.Context, retry ledger.Retry) error {
	r.mu.Lock()
	r.calls = append(r.calls, retry)
	fail := r.fail
	r.mu.Unlock()
	if fail {
		if err := r.l.MarkPaymentFailed(retry.Index); err != nil {
			return err
		}
		return errors.New("wallet offline")
	}
	return r.l.ClearPaymentFailed(retry.Index)
}

func (r *ledgerRetrier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func failedLedger(t *testing.T, clock *timex.FakeClock) *ledger.Ledger {
	t.Helper()
	l, err := ledger.Open(filepath.Join(t.TempDir(), "codes.json"), ledger.WithClock(clock))
	require.NoError(t, err)
	_, err = l.Add("TESTCODE2026")
	require.NoError(t, err)
	m, ok, err := l.Redeem("TESTCODE2026", "author", "event")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, l.MarkPaymentPending(m.Index))
	require.NoError(t, l.MarkPaymentFailed(m.Index))
	return l
}

func TestRunOnce_RetryWindow(t *testing.T) {
	clock := timex.NewFakeClock(t0)
	l := failedLedger(t, clock)
	r := &ledgerRetrier{l: l}
	s := New(l, r, WithClock(clock))

	clock.Set(t0.Add(29 * time.Minute))
	assert.Equal(t, 0, s.RunOnce(context.Background()))
	assert.Equal(t, 0, r.count())

	clock.Set(t0.Add(31 * time.Minute))
	assert.Equal(t, 1, s.RunOnce(context.Background()))
	assert.False(t, l.Entries()[0].PaymentFailed)

	assert.Equal(t, 0, s.RunOnce(context.Background()))
	assert.Equal(t, 1, r.count())
}

func TestRunOnce_FailureResetsWindow(t *testing.T) {
	clock := timex.NewFakeClock(t0)
	l := failedLedger(t, clock)
	r := &ledgerRetrier{l: l, fail: true}
	s := New(l, r, WithClock(clock))

	clock.Set(t0.Add(31 * time.Minute))
	assert.Equal(t, 0, s.RunOnce(context.Background()))

	e := l.Entries()[0]
	assert.True(t, e.PaymentFailed)
	require.NotNil(t, e.RetryAt)
	assert.Equal(t, t0.Add(61*time.Minute), *e.RetryAt)

	clock.Set(t0.Add(60 * time.Minute))
	assert.Equal(t, 0, s.RunOnce(context.Background()))
	assert.Equal(t, 1, r.count())
}

func TestRunOnce_CancelledContext(t *testing.T) {
	clock := timex.NewFakeClock(t0)
	l := failedLedger(t, clock)
	r := &ledgerRetrier{l: l}
	s := New(l, r, WithClock(clock))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	clock.Set(t0.Add(31 * time.Minute))
	assert.Equal(t, 0, s.RunOnce(ctx))
	assert.Equal(t, 0, r.count())
}

func TestRun_TicksUntilCancelled(t *testing.T) {
	clock := timex.NewFakeClock(t0)
	l := failedLedger(t, clock)
	r := &ledgerRetrier{l: l}
	s := New(l, r, WithClock(clock), WithInterval(time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()

	require.Eventually(t, func() bool { return clock.Tickers() == 1 }, time.Second, 5*time.Millisecond)

	clock.Advance(time.Minute)
	assert.Never(t, func() bool { return r.count() > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	clock.Advance(30 * time.Minute)
	require.Eventually(t, func() bool { return r.count() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.Equal(t, 0, clock.Tickers())
}
