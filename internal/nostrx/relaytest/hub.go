// Package relaytest provides an in-memory relay network implementing the
// nostrx interfaces, for tests that exercise relay conversations.
package relaytest

import (
	"context"
	"errors"
	"sync"

	"github.com/nbd-wtf/go-nostr"

	"github.com/dmitrijs2005/nostreward/internal/nostrx"
)

// Hub is a set of relays sharing one event store. Every URL dialed through
// the hub sees the same events.
type Hub struct {
	// OnPublish runs for every published event before it is stored. A non-nil
	// error rejects the event the way a relay answering OK=false would.
	OnPublish func(url string, ev nostr.Event) error
	// DialErr, when set, fails every Dial.
	DialErr error
	// CloseReason, when set, makes every subscription end with CLOSED instead
	// of reaching end of stored events.
	CloseReason string

	mu        sync.Mutex
	stored    []nostr.Event
	published []nostr.Event
	subs      map[*sub]struct{}
	dials     int
}

func NewHub() *Hub {
	return &Hub{subs: make(map[*sub]struct{})}
}

func (h *Hub) Dial(ctx context.Context, url string) (nostrx.Conn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dials++
	if h.DialErr != nil {
		return nil, h.DialErr
	}
	return &conn{hub: h, url: url}, nil
}

// Dials counts Dial calls, failed ones included.
func (h *Hub) Dials() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dials
}

// Store adds events that later subscriptions receive before end of stored events.
func (h *Hub) Store(evs ...nostr.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stored = append(h.stored, evs...)
}

// Inject delivers ev to every live matching subscription without storing it.
func (h *Hub) Inject(ev nostr.Event) {
	for _, s := range h.live() {
		if s.filter.Matches(&ev) {
			s.deliver(ev)
		}
	}
}

// Published returns every event accepted through Publish.
func (h *Hub) Published() []nostr.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]nostr.Event(nil), h.published...)
}

// Subscriptions counts live subscriptions.
func (h *Hub) Subscriptions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Disconnect ends every live subscription as if the connections dropped.
func (h *Hub) Disconnect() {
	for _, s := range h.live() {
		s.Close()
	}
}

func (h *Hub) live() []*sub {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*sub, 0, len(h.subs))
	for s := range h.subs {
		out = append(out, s)
	}
	return out
}

type conn struct {
	hub *Hub
	url string

	mu     sync.Mutex
	subs   []*sub
	closed bool
}

func (c *conn) URL() string { return c.url }

func (c *conn) Subscribe(ctx context.Context, filter nostr.Filter) (nostrx.Subscription, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.New("connection closed")
	}
	c.mu.Unlock()

	h := c.hub
	s := &sub{
		hub:    h,
		filter: filter,
		events: make(chan *nostr.Event, 256),
		eose:   make(chan struct{}, 1),
		closed: make(chan string, 1),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	reason := h.CloseReason
	var backlog []nostr.Event
	if reason == "" {
		for _, ev := range h.stored {
			if filter.Matches(&ev) {
				backlog = append(backlog, ev)
			}
		}
		h.subs[s] = struct{}{}
	}
	h.mu.Unlock()

	if reason != "" {
		s.closed <- reason
		s.Close()
		return s, nil
	}

	for _, ev := range backlog {
		s.deliver(ev)
	}
	s.eose <- struct{}{}

	c.mu.Lock()
	c.subs = append(c.subs, s)
	c.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()
	return s, nil
}

func (c *conn) Publish(ctx context.Context, ev nostr.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h := c.hub
	if h.OnPublish != nil {
		if err := h.OnPublish(c.url, ev); err != nil {
			return err
		}
	}
	h.mu.Lock()
	h.published = append(h.published, ev)
	h.stored = append(h.stored, ev)
	h.mu.Unlock()

	h.Inject(ev)
	return nil
}

func (c *conn) Close() error {
	c.mu.Lock()
	c.closed = true
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()
	for _, s := range subs {
		s.Close()
	}
	return nil
}

type sub struct {
	hub    *Hub
	filter nostr.Filter
	events chan *nostr.Event
	eose   chan struct{}
	closed chan string

	mu   sync.Mutex
	done chan struct{}
	once sync.Once
}

// deliver drops the event when the subscription is gone.
func (s *sub) deliver(ev nostr.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.events <- &ev:
	case <-s.done:
	}
}

func (s *sub) Events() <-chan *nostr.Event { return s.events }
func (s *sub) EndOfStored() <-chan struct{} { return s.eose }
func (s *sub) Closed() <-chan string { return s.closed }

func (s *sub) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subs, s)
		s.hub.mu.Unlock()

		close(s.done)
		s.mu.Lock()
		close(s.events)
		s.mu.Unlock()
	})
}
