package nwc

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/nostreward/internal/common"
)

const methodPayInvoice = "pay_invoice"

// ErrUnrecognizedResponse marks a decrypted reply that is neither a result
// nor an error for pay_invoice.
var ErrUnrecognizedResponse = errors.New("unrecognized wallet response")

type PayInvoiceParams struct {
	Invoice string `json:"invoice"`
}

type PayInvoiceRequest struct {
	Method string           `json:"method"`
	Params PayInvoiceParams `json:"params"`
}

func NewPayInvoiceRequest(invoice string) PayInvoiceRequest {
	return PayInvoiceRequest{Method: methodPayInvoice, Params: PayInvoiceParams{Invoice: invoice}}
}

type PayInvoiceResult struct {
	Preimage string `json:"preimage"`
	FeesPaid int64  `json:"fees_paid,omitempty"`
}

type PayInvoiceError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Response is either *PayInvoiceResult or *PayInvoiceError.
type Response interface {
	isResponse()
}

func (*PayInvoiceResult) isResponse() {}
func (*PayInvoiceError) isResponse() {}

type envelope struct {
	ResultType string           `json:"result_type"`
	Error      *PayInvoiceError `json:"error"`
	Result     json.RawMessage  `json:"result"`
}

// DecodeResponse parses a decrypted reply. Anything that is not a
// pay_invoice error or a result carrying a preimage is rejected with
// ErrUnrecognizedResponse.
func DecodeResponse(b []byte) (Response, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnrecognizedResponse, err)
	}
	if env.ResultType != "" && env.ResultType != methodPayInvoice {
		return nil, fmt.Errorf("%w: result_type %q", ErrUnrecognizedResponse, env.ResultType)
	}
	if env.Error != nil {
		return env.Error, nil
	}
	if len(env.Result) == 0 || string(env.Result) == "null" {
		return nil, fmt.Errorf("%w: neither result nor error", ErrUnrecognizedResponse)
	}
	var res PayInvoiceResult
	if err := json.Unmarshal(env.Result, &res); err != nil {
		return nil, fmt.Errorf("%w: result: %v", ErrUnrecognizedResponse, err)
	}
	if res.Preimage == "" {
		return nil, fmt.Errorf("%w: result without preimage", ErrUnrecognizedResponse)
	}
	return &res, nil
}

// PaymentError is a failure reported by the wallet. It matches
// common.ErrPayment.
type PaymentError struct {
	Code    string
	Message string
}

func (e *PaymentError) Error() string {
	if e.Code == "" {
		return "wallet error: " + e.Message
	}
	return fmt.Sprintf("wallet error %s: %s", e.Code, e.Message)
}

func (e *PaymentError) Unwrap() error { return common.ErrPayment }
