package nostrx

import (
	"context"
	"sync"

	"github.com/nbd-wtf/go-nostr"
)

// RelayDialer dials real relays with go-nostr.
type RelayDialer struct{}

func (RelayDialer) Dial(ctx context.Context, url string) (Conn, error) {
	r, err := nostr.RelayConnect(ctx, url)
	if err != nil {
		return nil, err
	}
	return &relayConn{r: r}, nil
}

type relayConn struct {
	r *nostr.Relay
}

func (c *relayConn) URL() string { return c.r.URL }

func (c *relayConn) Subscribe(ctx context.Context, filter nostr.Filter) (Subscription, error) {
	sub, err := c.r.Subscribe(ctx, nostr.Filters{filter})
	if err != nil {
		return nil, err
	}
	s := &relaySub{
		sub:    sub,
		events: make(chan *nostr.Event),
		done:   make(chan struct{}),
	}
	go s.pump(c.r.Context())
	return s, nil
}

func (c *relayConn) Publish(ctx context.Context, ev nostr.Event) error {
	return c.r.Publish(ctx, ev)
}

func (c *relayConn) Close() error { return c.r.Close() }

// relaySub re-exposes a go-nostr subscription with an Events channel that is
// always closed once the REQ, its context or the connection ends.
type relaySub struct {
	sub    *nostr.Subscription
	events chan *nostr.Event
	done   chan struct{}
	once   sync.Once
}

func (s *relaySub) pump(connCtx context.Context) {
	defer close(s.events)
	for {
		select {
		case ev, ok := <-s.sub.Events:
			if !ok {
				return
			}
			select {
			case s.events <- ev:
			case <-s.done:
				return
			}
		case <-s.sub.Context.Done():
			return
		case <-connCtx.Done():
			return
		case <-s.done:
			return
		}
	}
}

func (s *relaySub) Events() <-chan *nostr.Event { return s.events }
func (s *relaySub) EndOfStored() <-chan struct{} { return s.sub.EndOfStoredEvents }
func (s *relaySub) Closed() <-chan string { return s.sub.ClosedReason }

func (s *relaySub) Close() {
	s.once.Do(func() {
		close(s.done)
		s.sub.Unsub()
	})
}
