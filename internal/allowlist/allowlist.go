// Package allowlist maintains the JSON document of identities admitted to the
// private relay. The relay reads the same file, so the document is re-read on
// every change and always rewritten atomically.
package allowlist

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dmitrijs2005/nostreward/internal/filex"
	"github.com/dmitrijs2005/nostreward/internal/timex"
)

// Record is one admitted identity.
type Record struct {
	Pubkey  string    `json:"pubkey"`
	AddedAt time.Time `json:"addedAt"`
	Reason  string    `json:"reason"`
}

type document struct {
	Pubkeys []Record `json:"pubkeys"`
}

type Store struct {
	mu    sync.Mutex
	path  string
	clock timex.Clock
}

func New(path string, clock timex.Clock) *Store {
	if clock == nil {
		clock = timex.System
	}
	return &Store{path: path, clock: clock}
}

func (s *Store) load() (document, error) {
	var doc document
	if _, _, err := filex.ReadJSON(s.path, &doc); err != nil {
		return document{}, fmt.Errorf("load allow-list: %w", err)
	}
	return doc, nil
}

// Add admits pubkey for redeeming a code on eventID. It reports false without
// error when the identity is already present.
func (s *Store) Add(pubkey, eventID string) (bool, error) {
	pubkey = strings.TrimSpace(pubkey)
	if pubkey == "" {
		return false, fmt.Errorf("allow-list: empty pubkey")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return false, err
	}
	for _, r := range doc.Pubkeys {
		if r.Pubkey == pubkey {
			return false, nil
		}
	}

	doc.Pubkeys = append(doc.Pubkeys, Record{
		Pubkey:  pubkey,
		AddedAt: s.clock.Now(),
		Reason:  "Redeemed code on event " + eventID,
	})
	if _, err := filex.WriteJSON(s.path, doc); err != nil {
		return false, fmt.Errorf("save allow-list: %w", err)
	}
	return true, nil
}

func (s *Store) Contains(pubkey string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return false, err
	}
	for _, r := range doc.Pubkeys {
		if r.Pubkey == pubkey {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) List() ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	return doc.Pubkeys, nil
}
