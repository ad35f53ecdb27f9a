// Package zap turns "pay this note's author" into a Lightning invoice using
// the author's LNURL-pay address and a signed NIP-57 zap request, and pays
// it through a Payer.
package zap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/time/rate"

	"github.com/dmitrijs2005/nostreward/internal/common"
	"github.com/dmitrijs2005/nostreward/internal/models"
	"github.com/dmitrijs2005/nostreward/internal/netx"
	"github.com/dmitrijs2005/nostreward/internal/nostrx"
)

const defaultRequestTimeout = 10 * time.Second

// ProfileSource finds the newest event matching a filter.
type ProfileSource interface {
	QueryLatest(ctx context.Context, filter nostr.Filter) (*nostr.Event, error)
}

type profile struct {
	LUD16 string `json:"lud16"`
	LUD06 string `json:"lud06"`
}

// PayParams is the LNURL-pay document served at the well-known address.
type PayParams struct {
	Callback    string `json:"callback"`
	MinSendable int64  `json:"minSendable"`
	MaxSendable int64  `json:"maxSendable"`
	AllowsNostr bool   `json:"allowsNostr"`
	NostrPubkey string `json:"nostrPubkey"`
	Status      string `json:"status"`
	Reason      string `json:"reason"`
}

type invoiceResponse struct {
	PR     string `json:"pr"`
	Status string `json:"status"`
	Reason string `json:"reason"`
}

type Option func(*Resolver)

func WithHTTPClient(c *http.Client) Option {
	return func(r *Resolver) {
		if c != nil {
			r.http = c
		}
	}
}

// WithRateLimit bounds outgoing LNURL requests.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(r *Resolver) { r.limiter = rate.NewLimiter(limit, burst) }
}

func WithRequestTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.requestTimeout = d
		}
	}
}

type Resolver struct {
	profiles       ProfileSource
	signer         nostrx.Signer
	relays         []string
	http           *http.Client
	limiter        *rate.Limiter
	requestTimeout time.Duration
}

// NewResolver signs zap requests with signer and advertises relays as the
// place to publish zap receipts.
func NewResolver(profiles ProfileSource, signer nostrx.Signer, relays []string, opts ...Option) *Resolver {
	r := &Resolver{
		profiles:       profiles,
		signer:         signer,
		relays:         append([]string(nil), relays...),
		http:           http.DefaultClient,
		limiter:        rate.NewLimiter(rate.Limit(2), 4),
		requestTimeout: defaultRequestTimeout,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// ResolveAndInvoice obtains an invoice over amountMsat paying target.Author
// for target.EventID.
func (r *Resolver) ResolveAndInvoice(ctx context.Context, target models.Target, amountMsat int64, comment string) (string, error) {
	address, err := r.address(ctx, target.Author)
	if err != nil {
		return "", err
	}

	wellKnown, err := wellKnownURL(address)
	if err != nil {
		return "", err
	}

	var params PayParams
	if err := r.getJSON(ctx, wellKnown, &params); err != nil {
		return "", fmt.Errorf("%w: lnurl-pay lookup for %s: %v", common.ErrInvoiceRequestFailed, address, err)
	}
	if strings.EqualFold(params.Status, "ERROR") {
		return "", fmt.Errorf("%w: %s: %s", common.ErrInvoiceRequestFailed, address, params.Reason)
	}
	if !params.AllowsNostr {
		return "", fmt.Errorf("%w: %s", common.ErrReceiptsUnsupported, address)
	}
	if params.Callback == "" {
		return "", fmt.Errorf("%w: %s has no callback", common.ErrInvoiceRequestFailed, address)
	}
	if amountMsat < params.MinSendable || (params.MaxSendable > 0 && amountMsat > params.MaxSendable) {
		return "", fmt.Errorf("%w: %d msat outside [%d, %d]", common.ErrInvoiceRequestFailed, amountMsat, params.MinSendable, params.MaxSendable)
	}

	lnurl, err := EncodeLNURL(wellKnown)
	if err != nil {
		return "", fmt.Errorf("encode lnurl: %w", err)
	}

	req, err := r.zapRequest(target, amountMsat, comment, lnurl)
	if err != nil {
		return "", err
	}
	reqJSON, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode zap request: %w", err)
	}

	cb, err := url.Parse(params.Callback)
	if err != nil || (cb.Scheme != "https" && cb.Scheme != "http") {
		return "", fmt.Errorf("%w: bad callback %q", common.ErrInvoiceRequestFailed, params.Callback)
	}
	q := cb.Query()
	q.Set("amount", strconv.FormatInt(amountMsat, 10))
	q.Set("nostr", string(reqJSON))
	q.Set("lnurl", lnurl)
	cb.RawQuery = q.Encode()

	var inv invoiceResponse
	if err := r.getJSON(ctx, cb.String(), &inv); err != nil {
		return "", fmt.Errorf("%w: callback: %v", common.ErrInvoiceRequestFailed, err)
	}
	if strings.EqualFold(inv.Status, "ERROR") {
		return "", fmt.Errorf("%w: callback: %s", common.ErrInvoiceRequestFailed, inv.Reason)
	}
	if inv.PR == "" {
		return "", fmt.Errorf("%w: callback returned no invoice", common.ErrInvoiceRequestFailed)
	}
	return inv.PR, nil
}

func (r *Resolver) address(ctx context.Context, author string) (string, error) {
	ev, err := r.profiles.QueryLatest(ctx, nostr.Filter{
		Kinds:   []int{nostrx.KindProfile},
		Authors: []string{author},
		Limit:   1,
	})
	if err != nil {
		return "", fmt.Errorf("fetch profile: %w", err)
	}
	if ev == nil {
		return "", fmt.Errorf("%w: no profile for %s", common.ErrNoPaymentAddress, author)
	}

	var p profile
	if err := json.Unmarshal([]byte(ev.Content), &p); err != nil {
		return "", fmt.Errorf("%w: unreadable profile: %v", common.ErrNoPaymentAddress, err)
	}
	lud16 := strings.TrimSpace(p.LUD16)
	if lud16 == "" {
		if strings.TrimSpace(p.LUD06) != "" {
			return "", fmt.Errorf("%w: only lud06 is set", common.ErrUnsupportedAddressFormat)
		}
		return "", fmt.Errorf("%w: profile has no lud16", common.ErrNoPaymentAddress)
	}
	return lud16, nil
}

func wellKnownURL(address string) (string, error) {
	at := strings.LastIndex(address, "@")
	if at <= 0 || at == len(address)-1 {
		return "", fmt.Errorf("%w: malformed lud16 %q", common.ErrNoPaymentAddress, address)
	}
	name, domain := address[:at], address[at+1:]
	if strings.ContainsAny(domain, "/?#") {
		return "", fmt.Errorf("%w: malformed lud16 %q", common.ErrNoPaymentAddress, address)
	}
	return "https://" + domain + "/.well-known/lnurlp/" + url.PathEscape(strings.ToLower(name)), nil
}

// EncodeLNURL renders a URL as a bech32 "lnurl" string.
func EncodeLNURL(raw string) (string, error) {
	conv, err := bech32.ConvertBits([]byte(raw), 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32.Encode("lnurl", conv)
}

func (r *Resolver) zapRequest(target models.Target, amountMsat int64, comment, lnurl string) (nostr.Event, error) {
	relays := append(nostr.Tag{"relays"}, r.relays...)
	ev := nostr.Event{
		Kind:      nostrx.KindZapRequest,
		CreatedAt: nostr.Now(),
		Content:   comment,
		Tags: nostr.Tags{
			relays,
			{"amount", strconv.FormatInt(amountMsat, 10)},
			{"lnurl", lnurl},
			{"p", target.Author},
		},
	}
	if target.EventID != "" {
		ev.Tags = append(ev.Tags, nostr.Tag{"e", target.EventID})
	}
	if err := r.signer.Sign(&ev); err != nil {
		return nostr.Event{}, fmt.Errorf("sign zap request: %w", err)
	}
	return ev, nil
}

func (r *Resolver) getJSON(ctx context.Context, u string, v any) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, r.requestTimeout)
	defer cancel()

	err := netx.GetJSON(ctx, r.http, u, v)
	var se *netx.StatusError
	if errors.As(err, &se) {
		return fmt.Errorf("http %d", se.StatusCode)
	}
	return err
}
