package nostrx

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nbd-wtf/go-nostr"

	"github.com/dmitrijs2005/nostreward/internal/logging"
)

// Pool keeps one lazily dialed connection per relay URL for short
// request/response work: publishing reposts and fetching profiles.
type Pool struct {
	dialer Dialer
	urls   []string
	logger logging.Logger

	mu    sync.Mutex
	conns map[string]Conn
}

func NewPool(dialer Dialer, urls []string, logger logging.Logger) *Pool {
	return &Pool{
		dialer: dialer,
		urls:   append([]string(nil), urls...),
		logger: logger,
		conns:  make(map[string]Conn),
	}
}

func (p *Pool) URLs() []string { return append([]string(nil), p.urls...) }

func (p *Pool) conn(ctx context.Context, url string) (Conn, error) {
	p.mu.Lock()
	c, ok := p.conns[url]
	p.mu.Unlock()
	if ok {
		return c, nil
	}

	c, err := p.dialer.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.conns[url]; ok {
		_ = c.Close()
		return existing, nil
	}
	p.conns[url] = c
	return c, nil
}

func (p *Pool) evict(url string, c Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conns[url] == c {
		delete(p.conns, url)
		_ = c.Close()
	}
}

// PublishAll sends ev to every relay and returns how many accepted it.
// It fails only when no relay accepted the event.
func (p *Pool) PublishAll(ctx context.Context, ev nostr.Event) (int, error) {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		ok   int
		errs []error
	)
	for _, url := range p.urls {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			err := p.publish(ctx, url, ev)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			ok++
		}(url)
	}
	wg.Wait()

	if ok == 0 {
		if len(errs) == 0 {
			return 0, errors.New("no relays configured")
		}
		return 0, errors.Join(errs...)
	}
	if len(errs) > 0 {
		p.logger.Warn(ctx, "publish partially failed", "event", ev.ID, "accepted", ok, "error", errors.Join(errs...))
	}
	return ok, nil
}

func (p *Pool) publish(ctx context.Context, url string, ev nostr.Event) error {
	c, err := p.conn(ctx, url)
	if err != nil {
		return err
	}
	if err := c.Publish(ctx, ev); err != nil {
		p.evict(url, c)
		return fmt.Errorf("publish to %s: %w", url, err)
	}
	return nil
}

// QueryLatest asks every relay for events matching filter until each one
// reports end of stored events, and returns the newest match, or nil.
func (p *Pool) QueryLatest(ctx context.Context, filter nostr.Filter) (*nostr.Event, error) {
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		latest *nostr.Event
		errs   []error
	)
	for _, url := range p.urls {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			evs, err := p.query(ctx, url, filter)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			for _, ev := range evs {
				if latest == nil || ev.CreatedAt > latest.CreatedAt {
					latest = ev
				}
			}
		}(url)
	}
	wg.Wait()

	if latest == nil && len(errs) == len(p.urls) && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return latest, nil
}

func (p *Pool) query(ctx context.Context, url string, filter nostr.Filter) ([]*nostr.Event, error) {
	c, err := p.conn(ctx, url)
	if err != nil {
		return nil, err
	}
	sub, err := c.Subscribe(ctx, filter)
	if err != nil {
		p.evict(url, c)
		return nil, fmt.Errorf("subscribe to %s: %w", url, err)
	}
	defer sub.Close()

	var out []*nostr.Event
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				select {
				case reason := <-sub.Closed():
					return out, fmt.Errorf("%s closed subscription: %s", url, reason)
				default:
					return out, nil
				}
			}
			if filter.Matches(ev) {
				out = append(out, ev)
			}
		case <-sub.EndOfStored():
			return out, nil
		case reason := <-sub.Closed():
			return out, fmt.Errorf("%s closed subscription: %s", url, reason)
		case <-ctx.Done():
			return out, nil
		}
	}
}

// Close drops every cached connection.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for url, c := range p.conns {
		_ = c.Close()
		delete(p.conns, url)
	}
}
