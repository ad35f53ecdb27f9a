package zap

import (
	"context"
	"fmt"

	"github.com/dmitrijs2005/nostreward/internal/models"
	"github.com/dmitrijs2005/nostreward/internal/nwc"
)

// DefaultComment is attached to zap requests when none is configured.
const DefaultComment = "Zapped by Nostreward bot!"

// Payer settles invoices.
type Payer interface {
	PayInvoice(ctx context.Context, invoice string) (nwc.Outcome, error)
}

// Zapper sends a fixed-size zap to note authors.
type Zapper struct {
	resolver   *Resolver
	payer      Payer
	amountMsat int64
	comment    string
}

func NewZapper(resolver *Resolver, payer Payer, amountSats int64, comment string) *Zapper {
	if comment == "" {
		comment = DefaultComment
	}
	return &Zapper{resolver: resolver, payer: payer, amountMsat: amountSats * 1000, comment: comment}
}

func (z *Zapper) AmountMsat() int64 { return z.amountMsat }

// Zap resolves an invoice for target and pays it.
func (z *Zapper) Zap(ctx context.Context, target models.Target) (nwc.Outcome, error) {
	invoice, err := z.resolver.ResolveAndInvoice(ctx, target, z.amountMsat, z.comment)
	if err != nil {
		return nwc.Outcome{}, fmt.Errorf("resolve invoice: %w", err)
	}
	out, err := z.payer.PayInvoice(ctx, invoice)
	if err != nil {
		return nwc.Outcome{}, fmt.Errorf("pay invoice: %w", err)
	}
	return out, nil
}
