// Package nostrx is the boundary between the daemon and Nostr relays. The
// rest of the code talks to relays through the Dialer, Conn and Subscription
// interfaces; RelayDialer implements them over go-nostr and relaytest.Hub
// implements them in memory for tests.
package nostrx

import (
	"context"
	"strings"

	"github.com/nbd-wtf/go-nostr"
)

// Event kinds used by the daemon.
const (
	KindProfile        = 0
	KindTextNote       = 1
	KindRepost         = 6
	KindZapRequest     = 9734
	KindWalletRequest  = 23194
	KindWalletResponse = 23195
)

// Subscription is a live REQ on one relay.
type Subscription interface {
	// Events is closed when the subscription ends for any reason.
	Events() <-chan *nostr.Event
	// EndOfStored yields once the relay has sent every stored match.
	EndOfStored() <-chan struct{}
	// Closed yields the relay's reason when it terminates the REQ.
	Closed() <-chan string
	Close()
}

// Conn is a connection to one relay.
type Conn interface {
	URL() string
	Subscribe(ctx context.Context, filter nostr.Filter) (Subscription, error)
	// Publish returns an error when the relay does not accept the event.
	Publish(ctx context.Context, ev nostr.Event) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// TagValue returns the second element of the first tag named name.
func TagValue(tags nostr.Tags, name string) (string, bool) {
	for _, t := range tags {
		if len(t) >= 2 && t[0] == name {
			return t[1], true
		}
	}
	return "", false
}

// HasHashtag reports whether tags carry the hashtag, ignoring case and a
// leading '#'.
func HasHashtag(tags nostr.Tags, hashtag string) bool {
	want := strings.TrimPrefix(hashtag, "#")
	for _, t := range tags {
		if len(t) >= 2 && t[0] == "t" && strings.EqualFold(t[1], want) {
			return true
		}
	}
	return false
}
