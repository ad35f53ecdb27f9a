// Package rewards turns a redeemed code into reward actions: a zap to the
// note's author, a repost of the note and admission to the allow-list.
package rewards

import (
	"context"
	"sync"
	"time"

	"github.com/dmitrijs2005/nostreward/internal/codes"
	"github.com/dmitrijs2005/nostreward/internal/journal"
	"github.com/dmitrijs2005/nostreward/internal/ledger"
	"github.com/dmitrijs2005/nostreward/internal/logging"
	"github.com/dmitrijs2005/nostreward/internal/metrics"
	"github.com/dmitrijs2005/nostreward/internal/models"
	"github.com/dmitrijs2005/nostreward/internal/nostrx"
	"github.com/dmitrijs2005/nostreward/internal/nwc"
)

// DefaultPaymentBudget bounds one zap: address resolution plus the wallet wait.
const DefaultPaymentBudget = nwc.DefaultTimeout + 30*time.Second

// Ledger is the subset of *ledger.Ledger the orchestrator needs.
type Ledger interface {
	Redeem(text, author, eventID string) (codes.Match, bool, error)
	MarkPaymentPending(index int) error
	MarkPaymentFailed(index int) error
	ClearPaymentFailed(index int) error
	Stats() ledger.Stats
}

type Zapper interface {
	Zap(ctx context.Context, target models.Target) (nwc.Outcome, error)
}

type Reposter interface {
	Repost(ctx context.Context, msg models.Message) error
}

type AllowList interface {
	Add(pubkey, eventID string) (bool, error)
}

type Journal interface {
	Record(ctx context.Context, r journal.Record) error
}

type Option func(*Orchestrator)

// WithZapper enables the payment action.
func WithZapper(z Zapper) Option { return func(o *Orchestrator) { o.zapper = z } }

// WithReposter enables the repost action.
func WithReposter(r Reposter) Option { return func(o *Orchestrator) { o.reposter = r } }

// WithAllowList enables the allow-list action.
func WithAllowList(a AllowList) Option { return func(o *Orchestrator) { o.allow = a } }

func WithJournal(j Journal) Option { return func(o *Orchestrator) { o.journal = j } }

func WithMetrics(m *metrics.Metrics) Option { return func(o *Orchestrator) { o.metrics = m } }

func WithLogger(l logging.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithRequiredHashtag drops notes that do not carry tag. Empty accepts all.
func WithRequiredHashtag(tag string) Option { return func(o *Orchestrator) { o.hashtag = tag } }

func WithPaymentBudget(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.paymentBudget = d
		}
	}
}

type Orchestrator struct {
	ledger        Ledger
	self          string
	hashtag       string
	zapper        Zapper
	reposter      Reposter
	allow         AllowList
	journal       Journal
	metrics       *metrics.Metrics
	logger        logging.Logger
	paymentBudget time.Duration
}

// New builds an orchestrator for the daemon identity self. Actions are
// enabled by passing their implementation as an option.
func New(l Ledger, self string, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		ledger:        l,
		self:          self,
		logger:        logging.Discard(),
		paymentBudget: DefaultPaymentBudget,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Claim is a consumed code together with the note that redeemed it.
type Claim struct {
	Message models.Message
	Match   codes.Match
}

// Claim consumes the code redeemed by msg, if any. The code is consumed
// before any reward action runs, so a second delivery of the same note, or
// another note with the same code, finds nothing to claim.
func (o *Orchestrator) Claim(ctx context.Context, msg models.Message) (Claim, bool, error) {
	if msg.Author == o.self {
		o.metrics.Message(metrics.ResultIgnored)
		return Claim{}, false, nil
	}
	if o.hashtag != "" && !nostrx.HasHashtag(msg.Tags, o.hashtag) {
		o.metrics.Message(metrics.ResultIgnored)
		return Claim{}, false, nil
	}

	m, ok, err := o.ledger.Redeem(msg.Content, msg.Author, msg.ID)
	if err != nil {
		o.metrics.Message(metrics.ResultError)
		o.logger.Error(ctx, "redeem failed", "event", msg.ID, "error", err)
		return Claim{}, false, err
	}
	if !ok {
		o.metrics.Message(metrics.ResultNoMatch)
		return Claim{}, false, nil
	}

	o.metrics.Message(metrics.ResultRedeemed)
	o.metrics.Redeemed()
	o.logger.Info(ctx, "code redeemed", "code", ledger.Short(m.Fingerprint), "event", msg.ID, "author", msg.Author)
	o.record(ctx, journal.Record{
		Fingerprint: m.Fingerprint,
		EventID:     msg.ID,
		Author:      msg.Author,
		Action:      journal.ActionRedeem,
		Outcome:     journal.OutcomeOK,
	})
	return Claim{Message: msg, Match: m}, true, nil
}

// Reward runs every enabled action for c. Actions are independent: one
// failing neither stops the others nor reverts the claim.
func (o *Orchestrator) Reward(ctx context.Context, c Claim) {
	var wg sync.WaitGroup
	run := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	if o.zapper != nil {
		run(func() { _ = o.pay(ctx, c.Match.Index, c.Message.Target(), c.Match.Fingerprint) })
	}
	if o.reposter != nil {
		run(func() { o.repost(ctx, c) })
	}
	if o.allow != nil {
		run(func() { o.admit(ctx, c) })
	}
	wg.Wait()
}

// HandleMessage claims and rewards msg synchronously.
func (o *Orchestrator) HandleMessage(ctx context.Context, msg models.Message) error {
	c, ok, err := o.Claim(ctx, msg)
	if err != nil || !ok {
		return err
	}
	o.Reward(ctx, c)
	return nil
}

// RetryPayment repeats the payment for a consumed code whose earlier
// payment failed.
func (o *Orchestrator) RetryPayment(ctx context.Context, r ledger.Retry) error {
	if o.zapper == nil {
		return nil
	}
	return o.pay(ctx, r.Index, models.Target{EventID: r.EventID, Author: r.Author}, r.Fingerprint)
}

// pay marks the payment pending, pays and records the outcome. The wallet
// wait is detached from ctx so shutdown does not abandon a payment halfway;
// it is bounded by the payment budget instead.
func (o *Orchestrator) pay(ctx context.Context, index int, target models.Target, fingerprint string) error {
	log := o.logger.With("code", ledger.Short(fingerprint), "event", target.EventID, "author", target.Author)
	rec := journal.Record{Fingerprint: fingerprint, EventID: target.EventID, Author: target.Author, Action: journal.ActionZap}

	if err := o.ledger.MarkPaymentPending(index); err != nil {
		log.Error(ctx, "cannot record pending payment, not paying", "error", err)
		o.metrics.Action(journal.ActionZap, journal.OutcomeFailed)
		rec.Outcome, rec.Detail = journal.OutcomeFailed, err.Error()
		o.record(ctx, rec)
		return err
	}
	defer o.refreshGauges()

	payCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.paymentBudget)
	defer cancel()

	start := time.Now()
	out, err := o.zapper.Zap(payCtx, target)
	if err != nil {
		o.metrics.ObservePayment(journal.OutcomeFailed, time.Since(start))
		o.metrics.Action(journal.ActionZap, journal.OutcomeFailed)
		if markErr := o.ledger.MarkPaymentFailed(index); markErr != nil {
			log.Error(ctx, "cannot schedule payment retry", "error", markErr)
		}
		log.Warn(ctx, "zap failed, retry scheduled", "error", err)
		rec.Outcome, rec.Detail = journal.OutcomeFailed, err.Error()
		o.record(ctx, rec)
		return err
	}

	outcome := journal.OutcomeOK
	if out.Unconfirmed {
		outcome = journal.OutcomeUnconfirmed
	}
	o.metrics.ObservePayment(outcome, time.Since(start))
	o.metrics.Action(journal.ActionZap, outcome)
	if err := o.ledger.ClearPaymentFailed(index); err != nil {
		log.Error(ctx, "cannot record settled payment", "error", err)
	}
	log.Info(ctx, "zap sent", "outcome", outcome)
	rec.Outcome = outcome
	if out.Preimage != "" {
		rec.Detail = "preimage " + out.Preimage
	}
	o.record(ctx, rec)
	return nil
}

func (o *Orchestrator) repost(ctx context.Context, c Claim) {
	rec := journal.Record{Fingerprint: c.Match.Fingerprint, EventID: c.Message.ID, Author: c.Message.Author, Action: journal.ActionRepost}
	if err := o.reposter.Repost(ctx, c.Message); err != nil {
		o.logger.Warn(ctx, "repost failed", "event", c.Message.ID, "error", err)
		o.metrics.Action(journal.ActionRepost, journal.OutcomeFailed)
		rec.Outcome, rec.Detail = journal.OutcomeFailed, err.Error()
		o.record(ctx, rec)
		return
	}
	o.logger.Info(ctx, "note reposted", "event", c.Message.ID)
	o.metrics.Action(journal.ActionRepost, journal.OutcomeOK)
	rec.Outcome = journal.OutcomeOK
	o.record(ctx, rec)
}

func (o *Orchestrator) admit(ctx context.Context, c Claim) {
	rec := journal.Record{Fingerprint: c.Match.Fingerprint, EventID: c.Message.ID, Author: c.Message.Author, Action: journal.ActionAllowList}
	added, err := o.allow.Add(c.Message.Author, c.Message.ID)
	switch {
	case err != nil:
		o.logger.Warn(ctx, "allow-list update failed", "author", c.Message.Author, "error", err)
		rec.Outcome, rec.Detail = journal.OutcomeFailed, err.Error()
	case !added:
		o.logger.Info(ctx, "author already on allow-list", "author", c.Message.Author)
		rec.Outcome = journal.OutcomeAlreadyPresent
	default:
		o.logger.Info(ctx, "author added to allow-list", "author", c.Message.Author)
		rec.Outcome = journal.OutcomeOK
	}
	o.metrics.Action(journal.ActionAllowList, rec.Outcome)
	o.record(ctx, rec)
}

// record writes to the journal with a context that survives shutdown.
func (o *Orchestrator) record(ctx context.Context, r journal.Record) {
	if o.journal == nil {
		return
	}
	jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := o.journal.Record(jctx, r); err != nil {
		o.logger.Warn(ctx, "journal write failed", "action", r.Action, "error", err)
	}
}

func (o *Orchestrator) refreshGauges() {
	if o.metrics == nil {
		return
	}
	s := o.ledger.Stats()
	o.metrics.Ledger(s.PendingRetry, s.Unknown)
}
