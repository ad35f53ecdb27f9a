// Package nwc pays Lightning invoices through a remote wallet using the
// Nostr Wallet Connect request/response protocol (NIP-47) with NIP-04
// encrypted payloads.
package nwc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"

	"github.com/dmitrijs2005/nostreward/internal/common"
	"github.com/dmitrijs2005/nostreward/internal/logging"
	"github.com/dmitrijs2005/nostreward/internal/nostrx"
)

const (
	DefaultTimeout = 30 * time.Second
	// sinceSkew widens the reply filter for wallets whose clocks run behind.
	sinceSkew = 5 * time.Second
)

// Policy decides what an expired payment wait means.
type Policy string

const (
	// PolicyStrict reports ErrTimeout; the payment is retried later.
	PolicyStrict Policy = "strict"
	// PolicyOptimistic treats a published but unanswered request as paid.
	PolicyOptimistic Policy = "optimistic"
)

func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PolicyStrict, nil
	case PolicyStrict, PolicyOptimistic:
		return p, nil
	default:
		return "", fmt.Errorf("%w: unknown payment timeout policy %q", common.ErrConfigurationInvalid, s)
	}
}

// Outcome of a pay_invoice call. Unconfirmed is set when the optimistic
// policy accepted a request that never got an answer.
type Outcome struct {
	Preimage    string
	Unconfirmed bool
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithPolicy(p Policy) Option {
	return func(c *Client) {
		if p != "" {
			c.policy = p
		}
	}
}

func WithLogger(l logging.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// Client talks to one wallet. It holds no connection between calls.
type Client struct {
	uri     URI
	dialer  nostrx.Dialer
	signer  nostrx.Signer
	timeout time.Duration
	policy  Policy
	logger  logging.Logger
}

func New(uri URI, dialer nostrx.Dialer, opts ...Option) (*Client, error) {
	signer, err := nostrx.NewKeySigner(uri.Secret)
	if err != nil {
		return nil, fmt.Errorf("%w: wallet secret: %v", common.ErrConfigurationInvalid, err)
	}
	c := &Client{
		uri:     uri,
		dialer:  dialer,
		signer:  signer,
		timeout: DefaultTimeout,
		policy:  PolicyStrict,
		logger:  logging.Discard(),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// ClientPubkey is the identity requests are signed with.
func (c *Client) ClientPubkey() string { return c.signer.PublicKey() }

func (c *Client) Policy() Policy { return c.policy }

// PayInvoice asks the wallet to pay invoice and waits for its answer.
//
// The reply subscription is acknowledged (end of stored events) before the
// request is published so a fast wallet cannot answer into the void. Replies
// that cannot be decrypted, reference another request or have an unknown
// shape are skipped. When the wait expires the client's Policy decides the
// result; cancelling ctx returns ctx.Err().
func (c *Client) PayInvoice(ctx context.Context, invoice string) (Outcome, error) {
	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	log := c.logger.With("session", uuid.NewString(), "relay", c.uri.Relay())

	payload, err := json.Marshal(NewPayInvoiceRequest(invoice))
	if err != nil {
		return Outcome{}, fmt.Errorf("encode request: %w", err)
	}
	content, err := c.signer.Encrypt(c.uri.WalletPubkey, string(payload))
	if err != nil {
		return Outcome{}, fmt.Errorf("encrypt request: %w", err)
	}
	req := nostr.Event{
		Kind:      nostrx.KindWalletRequest,
		CreatedAt: nostr.Now(),
		Tags:      nostr.Tags{{"p", c.uri.WalletPubkey}},
		Content:   content,
	}
	if err := c.signer.Sign(&req); err != nil {
		return Outcome{}, fmt.Errorf("sign request: %w", err)
	}

	conn, err := c.dialer.Dial(ctx, c.uri.Relay())
	if err != nil {
		if ctx.Err() != nil {
			return c.expired(parent, log, false)
		}
		return Outcome{}, fmt.Errorf("%w: dial %s: %v", common.ErrTransportRejected, c.uri.Relay(), err)
	}
	defer conn.Close()

	since := nostr.Timestamp(time.Now().Add(-sinceSkew).Unix())
	filter := nostr.Filter{
		Kinds:   []int{nostrx.KindWalletResponse},
		Authors: []string{c.uri.WalletPubkey},
		Tags:    nostr.TagMap{"p": []string{c.signer.PublicKey()}},
		Since:   &since,
	}
	sub, err := conn.Subscribe(ctx, filter)
	if err != nil {
		if ctx.Err() != nil {
			return c.expired(parent, log, false)
		}
		return Outcome{}, fmt.Errorf("%w: subscribe: %v", common.ErrTransportRejected, err)
	}
	defer sub.Close()

	var (
		published bool
		eose      = sub.EndOfStored()
		events    = sub.Events()
		closed    = sub.Closed()
	)
	for {
		select {
		case <-eose:
			eose = nil
			if err := conn.Publish(ctx, req); err != nil {
				if ctx.Err() != nil {
					return c.expired(parent, log, false)
				}
				return Outcome{}, fmt.Errorf("%w: publish request: %v", common.ErrTransportRejected, err)
			}
			published = true
			log.Info(ctx, "pay_invoice request sent", "request", req.ID)

		case reason := <-closed:
			return Outcome{}, fmt.Errorf("%w: relay closed reply subscription: %s", common.ErrTransportRejected, reason)

		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return c.expired(parent, log, published)
				}
				if !published {
					return Outcome{}, fmt.Errorf("%w: connection lost before request was sent", common.ErrTransportRejected)
				}
				log.Warn(ctx, "reply subscription ended, waiting out the deadline")
				events = nil
				continue
			}
			if out, done, err := c.reply(ctx, log, ev, req.ID); done {
				return out, err
			}

		case <-ctx.Done():
			return c.expired(parent, log, published)
		}
	}
}

// reply interprets one candidate reply; done is false when it must be skipped.
func (c *Client) reply(ctx context.Context, log logging.Logger, ev *nostr.Event, requestID string) (out Outcome, done bool, err error) {
	if ev.PubKey != c.uri.WalletPubkey {
		return Outcome{}, false, nil
	}
	if ok, _ := ev.CheckSignature(); !ok {
		log.Debug(ctx, "ignoring reply with bad signature", "event", ev.ID)
		return Outcome{}, false, nil
	}
	if ref, ok := nostrx.TagValue(ev.Tags, "e"); ok && ref != requestID {
		log.Debug(ctx, "ignoring reply to another request", "event", ev.ID, "request", ref)
		return Outcome{}, false, nil
	}
	plain, err := c.signer.Decrypt(c.uri.WalletPubkey, ev.Content)
	if err != nil {
		log.Debug(ctx, "ignoring undecryptable reply", "event", ev.ID, "error", err)
		return Outcome{}, false, nil
	}
	resp, err := DecodeResponse([]byte(plain))
	if err != nil {
		log.Warn(ctx, "ignoring wallet reply", "event", ev.ID, "error", err)
		return Outcome{}, false, nil
	}

	switch r := resp.(type) {
	case *PayInvoiceError:
		return Outcome{}, true, &PaymentError{Code: r.Code, Message: r.Message}
	case *PayInvoiceResult:
		log.Info(ctx, "payment confirmed", "preimage", abbreviate(r.Preimage))
		return Outcome{Preimage: r.Preimage}, true, nil
	}
	return Outcome{}, false, nil
}

func (c *Client) expired(parent context.Context, log logging.Logger, published bool) (Outcome, error) {
	if err := parent.Err(); errors.Is(err, context.Canceled) {
		return Outcome{}, err
	}
	if published && c.policy == PolicyOptimistic {
		log.Warn(parent, "no wallet reply before deadline, assuming paid", "timeout", c.timeout)
		return Outcome{Unconfirmed: true}, nil
	}
	return Outcome{}, fmt.Errorf("%w after %s", common.ErrTimeout, c.timeout)
}

func abbreviate(s string) string {
	if len(s) > 16 {
		return s[:16] + "..."
	}
	return s
}
