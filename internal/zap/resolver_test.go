package zap

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/nostreward/internal/common"
	"github.com/dmitrijs2005/nostreward/internal/models"
	"github.com/dmitrijs2005/nostreward/internal/nostrx"
	"github.com/dmitrijs2005/nostreward/internal/nwc"
)

type fakeProfiles struct {
	ev  *nostr.Event
	err error
}

func (f fakeProfiles) QueryLatest(context.Context, nostr.Filter) (*nostr.Event, error) {
	return f.ev, f.err
}

func profileWith(content string) fakeProfiles {
	return fakeProfiles{ev: &nostr.Event{Kind: 0, Content: content}}
}

// lnurlServer emulates a Lightning address provider.
type lnurlServer struct {
	*httptest.Server
	params      PayParams
	invoice     invoiceResponse
	zapRequests []nostr.Event
	amounts     []string
	lnurls      []string
}

func newLNURLServer(t *testing.T) *lnurlServer {
	t.Helper()
	s := &lnurlServer{
		params:  PayParams{MinSendable: 1000, MaxSendable: 100_000_000, AllowsNostr: true, NostrPubkey: "ff"},
		invoice: invoiceResponse{PR: "lnbc210n1pfake"},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/lnurlp/alice", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(s.params)
	})
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		var ev nostr.Event
		if err := json.Unmarshal([]byte(q.Get("nostr")), &ev); err != nil {
			http.Error(w, "bad nostr", http.StatusBadRequest)
			return
		}
		s.zapRequests = append(s.zapRequests, ev)
		s.amounts = append(s.amounts, q.Get("amount"))
		s.lnurls = append(s.lnurls, q.Get("lnurl"))
		_ = json.NewEncoder(w).Encode(s.invoice)
	})
	s.Server = httptest.NewTLSServer(mux)
	s.params.Callback = s.URL + "/callback"
	t.Cleanup(s.Close)
	return s
}

func (s *lnurlServer) address() string {
	return "alice@" + strings.TrimPrefix(s.URL, "https://")
}

func newResolver(t *testing.T, profiles ProfileSource, srv *lnurlServer) (*Resolver, nostrx.Signer) {
	t.Helper()
	signer, err := nostrx.NewKeySigner(nostr.GeneratePrivateKey())
	require.NoError(t, err)
	var client *http.Client
	if srv != nil {
		client = srv.Client()
	}
	return NewResolver(profiles, signer, []string{"wss://relay.one", "wss://relay.two"}, WithHTTPClient(client)), signer
}

func TestResolveAndInvoice_Success(t *testing.T) {
	srv := newLNURLServer(t)
	r, signer := newResolver(t, profileWith(`{"name":"alice","lud16":"`+srv.address()+`"}`), srv)
	target := models.Target{EventID: "ev1", Author: "author1"}

	pr, err := r.ResolveAndInvoice(context.Background(), target, 21000, "thanks")
	require.NoError(t, err)
	assert.Equal(t, "lnbc210n1pfake", pr)

	require.Len(t, srv.zapRequests, 1)
	zr := srv.zapRequests[0]
	assert.Equal(t, nostrx.KindZapRequest, zr.Kind)
	assert.Equal(t, signer.PublicKey(), zr.PubKey)
	assert.Equal(t, "thanks", zr.Content)
	ok, err := zr.CheckSignature()
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, nostr.Tag{"relays", "wss://relay.one", "wss://relay.two"}, zr.Tags[0])
	amount, _ := nostrx.TagValue(zr.Tags, "amount")
	assert.Equal(t, "21000", amount)
	p, _ := nostrx.TagValue(zr.Tags, "p")
	assert.Equal(t, "author1", p)
	e, _ := nostrx.TagValue(zr.Tags, "e")
	assert.Equal(t, "ev1", e)

	assert.Equal(t, []string{"21000"}, srv.amounts)
	lnurl, _ := nostrx.TagValue(zr.Tags, "lnurl")
	assert.Equal(t, srv.lnurls[0], lnurl)
	assert.True(t, strings.HasPrefix(lnurl, "lnurl1"))
}

func TestResolveAndInvoice_AddressErrors(t *testing.T) {
	tests := []struct {
		name     string
		profiles fakeProfiles
		want     error
	}{
		{"no profile", fakeProfiles{}, common.ErrNoPaymentAddress},
		{"no address", profileWith(`{"name":"bob"}`), common.ErrNoPaymentAddress},
		{"malformed profile", profileWith(`not json`), common.ErrNoPaymentAddress},
		{"malformed lud16", profileWith(`{"lud16":"bob"}`), common.ErrNoPaymentAddress},
		{"lud06 only", profileWith(`{"lud06":"LNURL1DP68GURN8GHJ7"}`), common.ErrUnsupportedAddressFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := newResolver(t, tt.profiles, nil)
			_, err := r.ResolveAndInvoice(context.Background(), models.Target{Author: "a"}, 21000, "")
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestResolveAndInvoice_ProfileFetchFails(t *testing.T) {
	r, _ := newResolver(t, fakeProfiles{err: errors.New("all relays down")}, nil)
	_, err := r.ResolveAndInvoice(context.Background(), models.Target{Author: "a"}, 21000, "")
	require.Error(t, err)
	assert.NotErrorIs(t, err, common.ErrNoPaymentAddress)
}

func TestResolveAndInvoice_ProviderErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(s *lnurlServer)
		amount int64
		want   error
	}{
		{"receipts unsupported", func(s *lnurlServer) { s.params.AllowsNostr = false }, 21000, common.ErrReceiptsUnsupported},
		{"below min", func(s *lnurlServer) { s.params.MinSendable = 50000 }, 21000, common.ErrInvoiceRequestFailed},
		{"above max", func(s *lnurlServer) { s.params.MaxSendable = 10000 }, 21000, common.ErrInvoiceRequestFailed},
		{"status error", func(s *lnurlServer) { s.params.Status = "ERROR"; s.params.Reason = "disabled" }, 21000, common.ErrInvoiceRequestFailed},
		{"callback error", func(s *lnurlServer) { s.invoice = invoiceResponse{Status: "ERROR", Reason: "no route"} }, 21000, common.ErrInvoiceRequestFailed},
		{"no invoice", func(s *lnurlServer) { s.invoice = invoiceResponse{} }, 21000, common.ErrInvoiceRequestFailed},
		{"no callback", func(s *lnurlServer) { s.params.Callback = "" }, 21000, common.ErrInvoiceRequestFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newLNURLServer(t)
			tt.mutate(srv)
			r, _ := newResolver(t, profileWith(`{"lud16":"`+srv.address()+`"}`), srv)
			_, err := r.ResolveAndInvoice(context.Background(), models.Target{Author: "a", EventID: "e"}, tt.amount, "")
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestResolveAndInvoice_UnknownUser(t *testing.T) {
	srv := newLNURLServer(t)
	addr := "nobody@" + strings.TrimPrefix(srv.URL, "https://")
	r, _ := newResolver(t, profileWith(`{"lud16":"`+addr+`"}`), srv)

	_, err := r.ResolveAndInvoice(context.Background(), models.Target{Author: "a"}, 21000, "")
	require.ErrorIs(t, err, common.ErrInvoiceRequestFailed)
	assert.Contains(t, err.Error(), "http 404")
}

func TestEncodeLNURL(t *testing.T) {
	s, err := EncodeLNURL("https://example.com/.well-known/lnurlp/alice")
	require.NoError(t, err)

	hrp, data, err := decodeLong(s)
	require.NoError(t, err)
	assert.Equal(t, "lnurl", hrp)
	raw, err := bech32.ConvertBits(data, 5, 8, false)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/.well-known/lnurlp/alice", string(raw))
}

// decodeLong strips the checksum without the 90 character limit bech32.Decode
// applies to segwit addresses.
func decodeLong(s string) (string, []byte, error) {
	const charset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"
	sep := strings.LastIndexByte(s, '1')
	if sep < 1 || len(s)-sep-1 < 6 {
		return "", nil, errors.New("no separator")
	}
	var data []byte
	for _, c := range s[sep+1 : len(s)-6] {
		i := strings.IndexRune(charset, c)
		if i < 0 {
			return "", nil, errors.New("bad char")
		}
		data = append(data, byte(i))
	}
	return s[:sep], data, nil
}

type fakePayer struct {
	got string
	out nwc.Outcome
	err error
}

func (f *fakePayer) PayInvoice(_ context.Context, invoice string) (nwc.Outcome, error) {
	f.got = invoice
	return f.out, f.err
}

func TestZapper_Zap(t *testing.T) {
	srv := newLNURLServer(t)
	r, _ := newResolver(t, profileWith(`{"lud16":"`+srv.address()+`"}`), srv)

	payer := &fakePayer{out: nwc.Outcome{Preimage: "pre"}}
	z := NewZapper(r, payer, 21, "")
	assert.Equal(t, int64(21000), z.AmountMsat())

	out, err := z.Zap(context.Background(), models.Target{EventID: "e", Author: "a"})
	require.NoError(t, err)
	assert.Equal(t, "pre", out.Preimage)
	assert.Equal(t, "lnbc210n1pfake", payer.got)
	assert.Equal(t, DefaultComment, srv.zapRequests[0].Content)

	payer.err = &nwc.PaymentError{Code: "INSUFFICIENT_BALANCE"}
	_, err = z.Zap(context.Background(), models.Target{EventID: "e", Author: "a"})
	require.ErrorIs(t, err, common.ErrPayment)
}

func TestZapper_ResolveFailureSkipsPayment(t *testing.T) {
	r, _ := newResolver(t, fakeProfiles{}, nil)
	payer := &fakePayer{}
	_, err := NewZapper(r, payer, 21, "x").Zap(context.Background(), models.Target{Author: "a"})
	require.ErrorIs(t, err, common.ErrNoPaymentAddress)
	assert.Empty(t, payer.got)
}
