package nwc

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"

	"github.com/dmitrijs2005/nostreward/internal/common"
	"github.com/dmitrijs2005/nostreward/internal/nostrx"
)

const scheme = "nostr+walletconnect"

// URI is a parsed wallet connection string:
//
//	nostr+walletconnect://<wallet pubkey>?relay=wss://...&secret=<hex>[&lud16=...]
type URI struct {
	WalletPubkey string
	Relays       []string
	Secret       string
	LUD16        string
}

// Relay is the relay the conversation happens on.
func (u URI) Relay() string {
	if len(u.Relays) == 0 {
		return ""
	}
	return u.Relays[0]
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: wallet connection uri: %s", common.ErrConfigurationInvalid, fmt.Sprintf(format, args...))
}

// ParseURI validates and splits a wallet connection string. Errors wrap
// common.ErrConfigurationInvalid and never echo the secret.
func ParseURI(raw string) (URI, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil {
		return URI{}, invalid("malformed")
	}
	if u.Scheme != scheme {
		return URI{}, invalid("scheme must be %s", scheme)
	}

	pubkey := u.Host
	if pubkey == "" {
		pubkey = strings.TrimPrefix(u.Opaque, "//")
	}
	if b, err := hex.DecodeString(pubkey); err != nil || len(b) != 32 {
		return URI{}, invalid("wallet pubkey must be 32 bytes of hex")
	}

	q := u.Query()
	var relays []string
	for _, r := range q["relay"] {
		ru, err := url.Parse(r)
		if err != nil || (ru.Scheme != "wss" && ru.Scheme != "ws") || ru.Host == "" {
			return URI{}, invalid("relay %q is not a websocket url", r)
		}
		relays = append(relays, r)
	}
	if len(relays) == 0 {
		return URI{}, invalid("missing relay")
	}

	secret := q.Get("secret")
	if secret == "" {
		return URI{}, invalid("missing secret")
	}
	sk, err := nostrx.ParseSecretKey(secret)
	if err != nil {
		return URI{}, invalid("bad secret")
	}

	return URI{
		WalletPubkey: strings.ToLower(pubkey),
		Relays:       relays,
		Secret:       sk,
		LUD16:        q.Get("lud16"),
	}, nil
}
