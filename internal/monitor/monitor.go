// Package monitor streams hashtag-tagged text notes from every configured
// relay into one channel, reconnecting dropped relays with backoff.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/sethvargo/go-retry"

	"github.com/dmitrijs2005/nostreward/internal/logging"
	"github.com/dmitrijs2005/nostreward/internal/models"
	"github.com/dmitrijs2005/nostreward/internal/nostrx"
	"github.com/dmitrijs2005/nostreward/internal/timex"
)

const (
	DefaultBaseDelay = time.Second
	DefaultMaxDelay  = 2 * time.Minute
	// DefaultLookback is how far before a disconnect a resubscription reaches
	// back, to cover notes published while the relay was unreachable.
	DefaultLookback  = 2 * time.Minute
	DefaultSeenLimit = 10000
)

var errSubscriptionEnded = errors.New("subscription ended")

type Option func(*Monitor)

func WithLogger(l logging.Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l
		}
	}
}

func WithClock(c timex.Clock) Option {
	return func(m *Monitor) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithBackoff sets the first reconnect delay and its cap.
func WithBackoff(base, max time.Duration) Option {
	return func(m *Monitor) {
		if base > 0 {
			m.baseDelay = base
		}
		if max > 0 {
			m.maxDelay = max
		}
	}
}

func WithLookback(d time.Duration) Option {
	return func(m *Monitor) {
		if d >= 0 {
			m.lookback = d
		}
	}
}

// WithSeenLimit bounds how many event ids are remembered for de-duplication.
func WithSeenLimit(n int) Option {
	return func(m *Monitor) {
		if n > 0 {
			m.seenLimit = n
		}
	}
}

// WithStateHook is called with the number of live subscriptions whenever it
// changes.
func WithStateHook(fn func(subscribed int)) Option {
	return func(m *Monitor) { m.onState = fn }
}

type Monitor struct {
	dialer  nostrx.Dialer
	urls    []string
	hashtag string
	start   time.Time

	logger    logging.Logger
	clock     timex.Clock
	baseDelay time.Duration
	maxDelay  time.Duration
	lookback  time.Duration
	seenLimit int
	onState   func(int)

	mu         sync.Mutex
	seen       map[string]struct{}
	seenOrder  []string
	subscribed map[string]bool
}

// New builds a monitor for notes tagged hashtag created at or after start.
func New(dialer nostrx.Dialer, urls []string, hashtag string, start time.Time, opts ...Option) *Monitor {
	m := &Monitor{
		dialer:     dialer,
		urls:       append([]string(nil), urls...),
		hashtag:    hashtag,
		start:      start,
		logger:     logging.Discard(),
		clock:      timex.System,
		baseDelay:  DefaultBaseDelay,
		maxDelay:   DefaultMaxDelay,
		lookback:   DefaultLookback,
		seenLimit:  DefaultSeenLimit,
		seen:       make(map[string]struct{}),
		subscribed: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run starts one loop per relay. The returned channel carries verified,
// de-duplicated notes in arrival order and is closed after ctx is cancelled
// and every relay loop has exited.
func (m *Monitor) Run(ctx context.Context) <-chan models.Message {
	out := make(chan models.Message)
	var wg sync.WaitGroup
	for _, url := range m.urls {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			m.relayLoop(ctx, url, out)
		}(url)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

// Subscribed reports how many relays currently hold a live subscription.
func (m *Monitor) Subscribed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subscribed)
}

func (m *Monitor) setSubscribed(url string, live bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if live {
		m.subscribed[url] = true
	} else {
		delete(m.subscribed, url)
	}
	if m.onState != nil {
		m.onState(len(m.subscribed))
	}
}

func (m *Monitor) newBackoff() retry.Backoff {
	b := retry.NewExponential(m.baseDelay)
	b = retry.WithJitterPercent(10, b)
	return retry.WithCappedDuration(m.maxDelay, b)
}

func (m *Monitor) relayLoop(ctx context.Context, url string, out chan<- models.Message) {
	log := m.logger.With("relay", url)
	since := m.start
	backoff := m.newBackoff()

	for {
		delivered, err := m.session(ctx, url, since, out)
		if ctx.Err() != nil {
			return
		}

		if resume := m.clock.Now().Add(-m.lookback); resume.After(since) {
			since = resume
		}
		if delivered {
			backoff = m.newBackoff()
		}

		delay, _ := backoff.Next()
		log.Warn(ctx, "relay stream interrupted, reconnecting", "error", err, "delay", delay.String())

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// session holds one subscription until it ends. It reports whether the
// subscription got as far as end of stored events, which resets backoff.
func (m *Monitor) session(ctx context.Context, url string, since time.Time, out chan<- models.Message) (bool, error) {
	conn, err := m.dialer.Dial(ctx, url)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	ts := nostr.Timestamp(since.Unix())
	filter := nostr.Filter{
		Kinds: []int{nostrx.KindTextNote},
		Since: &ts,
	}
	if m.hashtag != "" {
		filter.Tags = nostr.TagMap{"t": []string{m.hashtag}}
	}

	sub, err := conn.Subscribe(ctx, filter)
	if err != nil {
		return false, fmt.Errorf("subscribe: %w", err)
	}
	defer sub.Close()

	m.setSubscribed(url, true)
	defer m.setSubscribed(url, false)
	m.logger.Info(ctx, "subscribed", "relay", url, "since", since.UTC().Format(time.RFC3339))

	eose := sub.EndOfStored()
	healthy := false
	for {
		select {
		case <-ctx.Done():
			return healthy, ctx.Err()
		case reason := <-sub.Closed():
			return healthy, fmt.Errorf("closed by relay: %s", reason)
		case <-eose:
			eose = nil
			healthy = true
			m.logger.Debug(ctx, "caught up with stored notes", "relay", url)
		case ev, ok := <-sub.Events():
			if !ok {
				return healthy, errSubscriptionEnded
			}
			if !m.deliver(ctx, url, ev, out) {
				return healthy, ctx.Err()
			}
		}
	}
}

// deliver verifies ev and hands it on unless another relay already did.
// It returns false only when ctx ended while waiting on out.
func (m *Monitor) deliver(ctx context.Context, url string, ev *nostr.Event, out chan<- models.Message) bool {
	if ev == nil || ev.Kind != nostrx.KindTextNote {
		return true
	}
	if ok, err := ev.CheckSignature(); err != nil || !ok {
		m.logger.Debug(ctx, "dropping note with invalid signature", "relay", url, "event", ev.ID)
		return true
	}
	if !m.markSeen(ev.ID) {
		return true
	}

	msg := models.Message{
		ID:        ev.ID,
		Author:    ev.PubKey,
		Content:   ev.Content,
		CreatedAt: ev.CreatedAt.Time(),
		Tags:      ev.Tags,
		Relay:     url,
		Event:     ev,
	}
	select {
	case out <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

// markSeen records id and reports whether it was new. The oldest ids are
// forgotten once the limit is reached.
func (m *Monitor) markSeen(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.seen[id]; ok {
		return false
	}
	if len(m.seenOrder) >= m.seenLimit {
		oldest := m.seenOrder[0]
		m.seenOrder = m.seenOrder[1:]
		delete(m.seen, oldest)
	}
	m.seen[id] = struct{}{}
	m.seenOrder = append(m.seenOrder, id)
	return true
}
