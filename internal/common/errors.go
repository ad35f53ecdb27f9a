// Package common defines sentinel errors shared by the ledger, the reward
// actions and the payment client. Callers should use errors.Is to match
// these values; most call sites wrap them with additional context.
package common

import "errors"

var (
	// Ledger errors.
	ErrNotFound      = errors.New("not found")
	ErrDuplicateCode = errors.New("code already exists (duplicate hash)")
	ErrAlreadyUsed   = errors.New("code already used")

	// Reward-address resolution errors.
	ErrNoPaymentAddress         = errors.New("no payment address")
	ErrUnsupportedAddressFormat = errors.New("unsupported payment address format")
	ErrReceiptsUnsupported      = errors.New("zap receipts unsupported by recipient")
	ErrInvoiceRequestFailed     = errors.New("invoice request failed")

	// Payment protocol errors.
	ErrTransportRejected = errors.New("transport rejected")
	ErrPayment           = errors.New("payment error")
	ErrTimeout           = errors.New("payment timed out")

	// Startup errors.
	ErrConfigurationInvalid = errors.New("configuration invalid")
)
