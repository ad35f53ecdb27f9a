package rewards

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nbd-wtf/go-nostr"

	"github.com/dmitrijs2005/nostreward/internal/models"
	"github.com/dmitrijs2005/nostreward/internal/nostrx"
)

// Publisher fans an event out to relays. *nostrx.Pool satisfies it.
type Publisher interface {
	PublishAll(ctx context.Context, ev nostr.Event) (int, error)
}

// PoolReposter reposts notes as kind 6 events signed by the daemon.
type PoolReposter struct {
	pub    Publisher
	signer nostrx.Signer
}

func NewPoolReposter(pub Publisher, signer nostrx.Signer) *PoolReposter {
	return &PoolReposter{pub: pub, signer: signer}
}

// Repost publishes a repost of msg. The content is the original event so
// clients can render it without fetching.
func (r *PoolReposter) Repost(ctx context.Context, msg models.Message) error {
	ev, err := r.build(msg)
	if err != nil {
		return err
	}
	if _, err := r.pub.PublishAll(ctx, ev); err != nil {
		return fmt.Errorf("publish repost: %w", err)
	}
	return nil
}

func (r *PoolReposter) build(msg models.Message) (nostr.Event, error) {
	var content string
	if msg.Event != nil {
		raw, err := json.Marshal(msg.Event)
		if err != nil {
			return nostr.Event{}, fmt.Errorf("encode reposted note: %w", err)
		}
		content = string(raw)
	}

	ev := nostr.Event{
		Kind:      nostrx.KindRepost,
		CreatedAt: nostr.Now(),
		Content:   content,
		Tags: nostr.Tags{
			{"e", msg.ID, msg.Relay},
			{"p", msg.Author},
		},
	}
	if err := r.signer.Sign(&ev); err != nil {
		return nostr.Event{}, fmt.Errorf("sign repost: %w", err)
	}
	return ev, nil
}
