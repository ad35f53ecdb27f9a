package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/nostreward/internal/codes"
	"github.com/dmitrijs2005/nostreward/internal/common"
	"github.com/dmitrijs2005/nostreward/internal/logging"
	"github.com/dmitrijs2005/nostreward/internal/timex"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newLedger(t *testing.T, opts ...Option) (*Ledger, *timex.FakeClock, string) {
	t.Helper()
	clock := timex.NewFakeClock(t0)
	path := filepath.Join(t.TempDir(), "codes.json")
	l, err := Open(path, append([]Option{WithClock(clock)}, opts...)...)
	require.NoError(t, err)
	return l, clock, path
}

func readDoc(t *testing.T, path string) map[string]any {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	return m
}

func TestOpen_MissingFileIsEmpty(t *testing.T) {
	l, _, path := newLedger(t)
	assert.Empty(t, l.Entries())
	assert.Equal(t, path, l.Path())
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestOpen_MalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "codes.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0o600))
	_, err := Open(path)
	require.Error(t, err)
}

func TestAdd(t *testing.T) {
	l, _, path := newLedger(t)

	fp, err := l.Add("  TESTCODE2026 ")
	require.NoError(t, err)
	assert.Equal(t, codes.Fingerprint("TESTCODE2026"), fp)

	_, err = l.Add("TESTCODE2026")
	require.ErrorIs(t, err, common.ErrDuplicateCode)

	_, err = l.Add("   ")
	require.ErrorIs(t, err, ErrEmptyCode)

	want := []Entry{{Fingerprint: fp, CreatedAt: t0}}
	assert.Empty(t, cmp.Diff(want, l.Entries()))

	doc := readDoc(t, path)
	list := doc["codes"].([]any)
	require.Len(t, list, 1)
	rec := list[0].(map[string]any)
	assert.Equal(t, fp, rec["hash"])
	assert.Equal(t, false, rec["used"])
	assert.Nil(t, rec["usedBy"])
	assert.Nil(t, rec["usedAt"])
	assert.Nil(t, rec["usedOnEvent"])
	assert.Equal(t, false, rec["zapFailed"])
	assert.Nil(t, rec["zapRetryAt"])
	_, hasPending := rec["zapPending"]
	assert.False(t, hasPending)
}

func TestRedeem_ScenarioAndDoubleDelivery(t *testing.T) {
	l, clock, path := newLedger(t)
	fp, err := l.Add("TESTCODE2026")
	require.NoError(t, err)

	clock.Advance(time.Minute)
	note := "Here is my code: TESTCODE2026! #nostreward"

	m, ok, err := l.Redeem(note, "author1", "event1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, codes.Match{Fingerprint: fp, Index: 0}, m)

	m, ok, err = l.Redeem(note, "author2", "event2")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, codes.Match{}, m)

	e := l.Entries()[0]
	assert.True(t, e.Used)
	assert.Equal(t, "author1", *e.UsedBy)
	assert.Equal(t, "event1", *e.UsedOnEvent)
	assert.Equal(t, t0.Add(time.Minute), *e.UsedAt)

	reopened, err := Open(path)
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(l.Entries(), reopened.Entries()))
}

func TestRedeem_ConcurrentConsumesOnce(t *testing.T) {
	l, _, _ := newLedger(t)
	_, err := l.Add("RACE")
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := l.Redeem("RACE", "a", "e")
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestFindUnusedMatchAndConsume(t *testing.T) {
	l, _, _ := newLedger(t)
	_, err := l.Add("A1")
	require.NoError(t, err)
	fpB, err := l.Add("B2")
	require.NoError(t, err)

	m, ok := l.FindUnusedMatch("try B2 and A1")
	require.True(t, ok)
	assert.Equal(t, codes.Match{Fingerprint: fpB, Index: 1}, m)

	require.NoError(t, l.Consume(m.Index, "auth", "ev"))
	require.ErrorIs(t, l.Consume(m.Index, "other", "ev2"), common.ErrAlreadyUsed)
	require.ErrorIs(t, l.Consume(9, "x", "y"), common.ErrNotFound)

	_, ok = l.FindUnusedMatch("B2")
	assert.False(t, ok)
	assert.Equal(t, "auth", *l.Entries()[1].UsedBy)
}

func TestRetryWindow(t *testing.T) {
	l, clock, _ := newLedger(t)
	fp, err := l.Add("ZAPME")
	require.NoError(t, err)
	require.NoError(t, l.Consume(0, "author", "event"))

	require.ErrorIs(t, l.MarkPaymentFailed(5), common.ErrNotFound)
	require.NoError(t, l.MarkPaymentFailed(0))

	e := l.Entries()[0]
	assert.True(t, e.PaymentFailed)
	require.NotNil(t, e.RetryAt)
	assert.Equal(t, t0.Add(30*time.Minute), *e.RetryAt)

	assert.Empty(t, l.DueRetries(clock.Now().Add(29*time.Minute)))
	due := l.DueRetries(clock.Now().Add(31 * time.Minute))
	assert.Equal(t, []Retry{{Index: 0, EventID: "event", Author: "author", Fingerprint: fp}}, due)

	require.NoError(t, l.ClearPaymentFailed(0))
	e = l.Entries()[0]
	assert.False(t, e.PaymentFailed)
	assert.Nil(t, e.RetryAt)
	assert.True(t, e.Used)
	assert.Empty(t, l.DueRetries(clock.Now().Add(time.Hour)))
}

func TestRetryDelayOption(t *testing.T) {
	l, clock, _ := newLedger(t, WithRetryDelay(time.Minute))
	_, err := l.Add("X")
	require.NoError(t, err)
	require.NoError(t, l.Consume(0, "a", "e"))
	require.NoError(t, l.MarkPaymentFailed(0))
	assert.Len(t, l.DueRetries(clock.Now().Add(time.Minute)), 1)
}

func TestPaymentStateRequiresConsumedEntry(t *testing.T) {
	l, _, _ := newLedger(t)
	_, err := l.Add("UNUSED")
	require.NoError(t, err)

	require.ErrorIs(t, l.MarkPaymentFailed(0), ErrNotConsumed)
	require.ErrorIs(t, l.MarkPaymentPending(0), ErrNotConsumed)
	require.ErrorIs(t, l.ClearPaymentFailed(0), ErrNotConsumed)
}

func TestPendingExcludedFromDueRetries(t *testing.T) {
	l, clock, _ := newLedger(t)
	_, err := l.Add("P")
	require.NoError(t, err)
	require.NoError(t, l.Consume(0, "a", "e"))
	require.NoError(t, l.MarkPaymentFailed(0))
	require.NoError(t, l.MarkPaymentPending(0))

	assert.Empty(t, l.DueRetries(clock.Now().Add(time.Hour)))
	assert.Len(t, l.Unknown(), 1)
	assert.Equal(t, Stats{Total: 1, Used: 1, Unknown: 1}, l.Stats())

	require.NoError(t, l.MarkPaymentFailed(0))
	assert.Empty(t, l.Unknown())
	assert.Len(t, l.DueRetries(clock.Now().Add(time.Hour)), 1)
}

func TestStats(t *testing.T) {
	l, _, _ := newLedger(t)
	for _, c := range []string{"a", "b", "c", "d"} {
		_, err := l.Add(c)
		require.NoError(t, err)
	}
	require.NoError(t, l.Consume(0, "x", "1"))
	require.NoError(t, l.Consume(1, "x", "2"))
	require.NoError(t, l.MarkPaymentFailed(1))
	require.NoError(t, l.Consume(2, "x", "3"))
	require.NoError(t, l.MarkPaymentPending(2))

	assert.Equal(t, Stats{Total: 4, Used: 3, Available: 1, PendingRetry: 1, Unknown: 1}, l.Stats())
}

func TestRequeue(t *testing.T) {
	l, clock, _ := newLedger(t)
	fpA, err := l.Add("alpha")
	require.NoError(t, err)
	_, err = l.Add("beta")
	require.NoError(t, err)
	require.NoError(t, l.Consume(0, "a", "e"))
	require.NoError(t, l.MarkPaymentPending(0))

	_, err = l.Requeue("")
	require.ErrorIs(t, err, common.ErrNotFound)
	_, err = l.Requeue("zzzz")
	require.ErrorIs(t, err, common.ErrNotFound)

	fpB := codes.Fingerprint("beta")
	_, err = l.Requeue(fpB)
	require.ErrorIs(t, err, ErrNotRequeueable)

	clock.Advance(5 * time.Minute)
	e, err := l.Requeue(fpA[:10])
	require.NoError(t, err)
	assert.Equal(t, fpA, e.Fingerprint)
	assert.False(t, e.PaymentPending)
	assert.True(t, e.PaymentFailed)

	due := l.DueRetries(clock.Now())
	require.Len(t, due, 1)
	assert.Equal(t, 0, due[0].Index)
}

func TestRequeue_AmbiguousPrefix(t *testing.T) {
	l, _, _ := newLedger(t)

	// 17 fingerprints over 16 hex digits guarantee a shared first character.
	seen := map[byte]bool{}
	var shared string
	for i := 0; shared == ""; i++ {
		fp, err := l.Add(fmt.Sprintf("code-%d", i))
		require.NoError(t, err)
		if seen[fp[0]] {
			shared = fp[:1]
		}
		seen[fp[0]] = true
	}

	_, err := l.Requeue(shared)
	require.ErrorIs(t, err, ErrAmbiguousPrefix)
}

func TestFailedWriteLeavesStateUnchanged(t *testing.T) {
	l, _, path := newLedger(t)
	_, err := l.Add("first")
	require.NoError(t, err)

	require.NoError(t, os.Remove(path))
	require.NoError(t, os.Mkdir(path, 0o700))

	_, err = l.Add("second")
	require.Error(t, err)
	require.Len(t, l.Entries(), 1)

	require.Error(t, l.Consume(0, "a", "e"))
	assert.False(t, l.Entries()[0].Used)
}

func TestPersistHookReceivesDocument(t *testing.T) {
	var got [][]byte
	l, _, path := newLedger(t, WithPersistHook(func(doc []byte) { got = append(got, doc) }))

	_, err := l.Add("hooked")
	require.NoError(t, err)
	require.Len(t, got, 1)

	onDisk, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, onDisk, got[0])

	_, err = l.Add("hooked")
	require.Error(t, err)
	assert.Len(t, got, 1)
}

func TestReload(t *testing.T) {
	daemon, _, path := newLedger(t)
	_, err := daemon.Add("one")
	require.NoError(t, err)

	changed, err := daemon.Reload()
	require.NoError(t, err)
	assert.False(t, changed, "own write must not trigger a reload")

	cli, err := Open(path)
	require.NoError(t, err)
	_, err = cli.Add("two")
	require.NoError(t, err)

	changed, err = daemon.Reload()
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Len(t, daemon.Entries(), 2)

	_, ok := daemon.FindUnusedMatch("two")
	assert.True(t, ok)
}

func TestWatch_ReloadsExternalWrites(t *testing.T) {
	daemon, _, path := newLedger(t)
	_, err := daemon.Add("one")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	reloaded := make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() {
		done <- daemon.Watch(ctx, logging.Discard(), func() {
			select {
			case reloaded <- struct{}{}:
			default:
			}
		})
	}()

	cli, err := Open(path)
	require.NoError(t, err)

	// The watcher may not be registered yet; keep writing until it notices.
	deadline := time.After(5 * time.Second)
	n := 0
	for {
		n++
		_, err = cli.Add(string(rune('a'+n)) + "-extra")
		require.NoError(t, err)
		select {
		case <-reloaded:
			require.Eventually(t, func() bool {
				return len(daemon.Entries()) == len(cli.Entries())
			}, 2*time.Second, 20*time.Millisecond)
			cancel()
			require.NoError(t, <-done)
			return
		case <-time.After(400 * time.Millisecond):
		case <-deadline:
			cancel()
			t.Fatal("watcher never reloaded")
		}
	}
}

func TestReload_KeepsConsumedCode(t *testing.T) {
	daemon, clock, path := newLedger(t, AsOwner())
	_, err := daemon.Add("TESTCODE2026")
	require.NoError(t, err)

	cli, err := Open(path, WithClock(clock))
	require.NoError(t, err)

	_, ok, err := daemon.Redeem("TESTCODE2026", "alice", "ev1")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = cli.Add("NEXTCODE")
	require.NoError(t, err)

	changed, err := daemon.Reload()
	require.NoError(t, err)
	assert.True(t, changed)

	_, ok, err = daemon.Redeem("again TESTCODE2026", "mallory", "ev2")
	require.NoError(t, err)
	assert.False(t, ok, "code redeemed twice")

	m, ok, err := daemon.Redeem("NEXTCODE", "bob", "ev3")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, m.Index)

	reopened, err := Open(path)
	require.NoError(t, err)
	entries := reopened.Entries()
	require.Len(t, entries, 2)
	assert.True(t, entries[0].Used)
	assert.Equal(t, "alice", *entries[0].UsedBy)
}

func TestReload_RepairsStaleWrite(t *testing.T) {
	daemon, _, path := newLedger(t, AsOwner())
	_, err := daemon.Add("alpha")
	require.NoError(t, err)
	stale, err := os.ReadFile(path)
	require.NoError(t, err)

	_, ok, err := daemon.Redeem("alpha", "alice", "ev1")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, daemon.MarkPaymentPending(0))

	require.NoError(t, os.WriteFile(path, stale, 0o600))
	changed, err := daemon.Reload()
	require.NoError(t, err)
	assert.True(t, changed)

	e := daemon.Entries()[0]
	assert.True(t, e.Used)
	assert.True(t, e.PaymentPending)

	reopened, err := Open(path)
	require.NoError(t, err)
	assert.True(t, reopened.Entries()[0].Used, "merged state must be written back")

	changed, err = daemon.Reload()
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestReload_AppliesOperatorRequeue(t *testing.T) {
	daemon, clock, path := newLedger(t, AsOwner())
	fp, err := daemon.Add("alpha")
	require.NoError(t, err)
	_, _, err = daemon.Redeem("alpha", "alice", "ev1")
	require.NoError(t, err)
	require.NoError(t, daemon.MarkPaymentFailed(0))
	require.Empty(t, daemon.DueRetries(clock.Now()))

	clock.Advance(time.Minute)
	cli, err := Open(path, WithClock(clock))
	require.NoError(t, err)
	_, err = cli.Requeue(fp[:8])
	require.NoError(t, err)

	_, err = daemon.Reload()
	require.NoError(t, err)
	due := daemon.DueRetries(clock.Now())
	require.Len(t, due, 1)
	assert.Equal(t, "alice", due[0].Author)

	// A settled payment is not reopened by an older copy of the requeue.
	requeued, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, daemon.ClearPaymentFailed(0))
	require.NoError(t, os.WriteFile(path, requeued, 0o600))
	_, err = daemon.Reload()
	require.NoError(t, err)
	assert.Empty(t, daemon.DueRetries(clock.Now()))
	assert.False(t, daemon.Entries()[0].PaymentFailed)
}

func TestReload_IgnoresRequeueOfPaymentInFlight(t *testing.T) {
	daemon, clock, path := newLedger(t, AsOwner())
	fp, err := daemon.Add("alpha")
	require.NoError(t, err)
	_, _, err = daemon.Redeem("alpha", "alice", "ev1")
	require.NoError(t, err)
	require.NoError(t, daemon.MarkPaymentPending(0))

	cli, err := Open(path, WithClock(clock))
	require.NoError(t, err)
	_, err = cli.Requeue(fp[:8])
	require.NoError(t, err)

	_, err = daemon.Reload()
	require.NoError(t, err)
	assert.Empty(t, daemon.DueRetries(clock.Now()))
	assert.Len(t, daemon.Unknown(), 1)
}

func TestAdd_SeesCodesAddedElsewhere(t *testing.T) {
	first, clock, path := newLedger(t)
	second, err := Open(path, WithClock(clock))
	require.NoError(t, err)

	_, err = first.Add("alpha")
	require.NoError(t, err)
	_, err = second.Add("beta")
	require.NoError(t, err)
	_, err = second.Add("alpha")
	require.ErrorIs(t, err, common.ErrDuplicateCode)

	reopened, err := Open(path)
	require.NoError(t, err)
	got := make([]string, 0, 2)
	for _, e := range reopened.Entries() {
		got = append(got, e.Fingerprint)
	}
	assert.Equal(t, []string{codes.Fingerprint("alpha"), codes.Fingerprint("beta")}, got)
}
