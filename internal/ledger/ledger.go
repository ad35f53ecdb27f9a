// Package ledger keeps the set of redeem codes and their redemption state in
// a single JSON document. Every mutation first merges edits other processes
// made to the file, then rewrites the whole document atomically before the
// in-memory state is updated, so a failed write leaves memory as it was.
package ledger

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dmitrijs2005/nostreward/internal/codes"
	"github.com/dmitrijs2005/nostreward/internal/common"
	"github.com/dmitrijs2005/nostreward/internal/filex"
	"github.com/dmitrijs2005/nostreward/internal/timex"
)

// DefaultRetryDelay is how long a failed payment waits before it is due again.
const DefaultRetryDelay = 30 * time.Minute

var (
	ErrEmptyCode       = errors.New("empty code")
	ErrNotConsumed     = errors.New("code not consumed")
	ErrAmbiguousPrefix = errors.New("fingerprint prefix matches more than one code")
	ErrNotRequeueable  = errors.New("code has no failed or unknown payment")
)

// Entry is one code as stored on disk. The JSON names are shared with the
// allow-list relay tooling and must not change.
type Entry struct {
	Fingerprint    string     `json:"hash"`
	CreatedAt      time.Time  `json:"createdAt"`
	Used           bool       `json:"used"`
	UsedBy         *string    `json:"usedBy"`
	UsedAt         *time.Time `json:"usedAt"`
	UsedOnEvent    *string    `json:"usedOnEvent"`
	PaymentFailed  bool       `json:"zapFailed"`
	RetryAt        *time.Time `json:"zapRetryAt"`
	PaymentPending bool       `json:"zapPending,omitempty"`
	RequeuedAt     *time.Time `json:"requeuedAt,omitempty"`
}

type document struct {
	Codes []Entry `json:"codes"`
}

// Retry identifies a consumed entry whose payment must be attempted again.
type Retry struct {
	Index       int
	EventID     string
	Author      string
	Fingerprint string
}

// Stats summarises the ledger.
type Stats struct {
	Total        int `json:"total"`
	Used         int `json:"used"`
	Available    int `json:"available"`
	PendingRetry int `json:"pendingRetry"`
	Unknown      int `json:"unknownOutcome"`
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock replaces the wall clock.
func WithClock(c timex.Clock) Option {
	return func(l *Ledger) {
		if c != nil {
			l.clock = c
		}
	}
}

// WithRetryDelay overrides DefaultRetryDelay.
func WithRetryDelay(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.retryDelay = d
		}
	}
}

// AsOwner marks the ledger as the one that redeems codes. When the document
// is changed by another process, an owner keeps its own redemption and
// payment state and only takes new codes and newer operator requeues from
// disk. Other ledgers adopt the document as found, except that a consumed
// code never becomes unused again.
func AsOwner() Option {
	return func(l *Ledger) { l.owner = true }
}

// WithPersistHook registers fn to receive every document written to disk.
// fn runs after the lock is released and must not block.
func WithPersistHook(fn func(doc []byte)) Option {
	return func(l *Ledger) { l.onPersist = fn }
}

// Ledger is safe for concurrent use. Indices are positions in the document
// and stay stable because entries are only ever appended.
type Ledger struct {
	mu         sync.Mutex
	path       string
	entries    []Entry
	clock      timex.Clock
	retryDelay time.Duration
	onPersist  func([]byte)
	lastWrite  [sha256.Size]byte
	owner      bool
	// inflight holds indices whose payment this process has started and not
	// yet settled. Requeues from disk are not applied to them.
	inflight map[int]bool
}

// Open loads the document at path. A missing file is an empty ledger.
func Open(path string, opts ...Option) (*Ledger, error) {
	l := &Ledger{
		path:       path,
		clock:      timex.System,
		retryDelay: DefaultRetryDelay,
		inflight:   make(map[int]bool),
	}
	for _, o := range opts {
		o(l)
	}

	var doc document
	raw, _, err := filex.ReadJSON(path, &doc)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	l.entries = doc.Codes
	l.lastWrite = sha256.Sum256(raw)
	return l, nil
}

// Path returns the backing file.
func (l *Ledger) Path() string { return l.path }

// mutate folds in external edits, applies fn to a copy of the entries,
// persists the copy and only then makes it current.
func (l *Ledger) mutate(fn func(entries *[]Entry) error) error {
	l.mu.Lock()
	if _, err := l.syncLocked(); err != nil {
		l.mu.Unlock()
		return err
	}
	next := make([]Entry, len(l.entries), len(l.entries)+1)
	copy(next, l.entries)
	if err := fn(&next); err != nil {
		l.mu.Unlock()
		return err
	}
	b, err := l.writeLocked(next)
	hook := l.onPersist
	l.mu.Unlock()
	if err != nil {
		return err
	}

	if hook != nil {
		hook(b)
	}
	return nil
}

func (l *Ledger) writeLocked(entries []Entry) ([]byte, error) {
	b, err := filex.WriteJSON(l.path, document{Codes: entries})
	if err != nil {
		return nil, fmt.Errorf("persist ledger: %w", err)
	}
	l.entries = entries
	l.lastWrite = sha256.Sum256(b)
	return b, nil
}

// syncLocked merges the document on disk into memory when it differs from
// the last one this ledger wrote or read. An owner writes the merged result
// back when the file had lost state it holds.
func (l *Ledger) syncLocked() (bool, error) {
	var doc document
	raw, _, err := filex.ReadJSON(l.path, &doc)
	if err != nil {
		return false, fmt.Errorf("reload ledger: %w", err)
	}
	sum := sha256.Sum256(raw)
	if sum == l.lastWrite {
		return false, nil
	}

	merged := merge(l.entries, doc.Codes, l.owner, l.inflight)
	l.entries = merged
	l.lastWrite = sum
	if !l.owner {
		return true, nil
	}
	b, err := filex.MarshalDocument(document{Codes: merged})
	if err != nil {
		return true, fmt.Errorf("reload ledger: %w", err)
	}
	if !bytes.Equal(b, raw) {
		if _, err := l.writeLocked(merged); err != nil {
			return true, err
		}
	}
	return true, nil
}

// merge combines the in-memory entries with the ones read from disk. Known
// entries keep their position and new fingerprints are appended in disk
// order, so indices stay stable.
func merge(mem, disk []Entry, owner bool, inflight map[int]bool) []Entry {
	onDisk := make(map[string]Entry, len(disk))
	for _, e := range disk {
		onDisk[e.Fingerprint] = e
	}

	out := make([]Entry, len(mem), len(mem)+len(disk))
	known := make(map[string]bool, len(mem))
	for i, e := range mem {
		known[e.Fingerprint] = true
		out[i] = e
		if d, ok := onDisk[e.Fingerprint]; ok {
			out[i] = mergeEntry(e, d, owner, inflight[i])
		}
	}
	for _, d := range disk {
		if !known[d.Fingerprint] {
			known[d.Fingerprint] = true
			out = append(out, d)
		}
	}
	return out
}

func mergeEntry(mem, disk Entry, owner, inflight bool) Entry {
	switch {
	case mem.Used && !disk.Used:
		return mem
	case !owner, !mem.Used:
		return disk
	}
	if !inflight && disk.PaymentFailed && disk.RetryAt != nil && disk.RequeuedAt != nil &&
		(mem.RequeuedAt == nil || disk.RequeuedAt.After(*mem.RequeuedAt)) {
		mem.PaymentPending = false
		mem.PaymentFailed = true
		mem.RetryAt = disk.RetryAt
		mem.RequeuedAt = disk.RequeuedAt
	}
	return mem
}

// Add stores the fingerprint of plaintext as a new unused entry.
func (l *Ledger) Add(plaintext string) (string, error) {
	if codes.Trim(plaintext) == "" {
		return "", ErrEmptyCode
	}
	fp := codes.Fingerprint(plaintext)
	now := l.clock.Now()

	err := l.mutate(func(entries *[]Entry) error {
		for _, e := range *entries {
			if e.Fingerprint == fp {
				return common.ErrDuplicateCode
			}
		}
		*entries = append(*entries, Entry{Fingerprint: fp, CreatedAt: now})
		return nil
	})
	if err != nil {
		return "", err
	}
	return fp, nil
}

func unusedSet(entries []Entry) map[string]int {
	unused := make(map[string]int)
	for i, e := range entries {
		if !e.Used {
			unused[e.Fingerprint] = i
		}
	}
	return unused
}

// FindUnusedMatch reports the first token of text that redeems an unused code.
func (l *Ledger) FindUnusedMatch(text string) (codes.Match, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return codes.FindMatch(text, unusedSet(l.entries))
}

func consume(entries []Entry, index int, author, eventID string, now time.Time) error {
	if index < 0 || index >= len(entries) {
		return fmt.Errorf("entry %d: %w", index, common.ErrNotFound)
	}
	if entries[index].Used {
		return fmt.Errorf("entry %d: %w", index, common.ErrAlreadyUsed)
	}
	e := &entries[index]
	e.Used = true
	e.UsedBy = &author
	e.UsedAt = &now
	e.UsedOnEvent = &eventID
	return nil
}

// Consume marks the entry at index as redeemed by author on eventID.
func (l *Ledger) Consume(index int, author, eventID string) error {
	now := l.clock.Now()
	return l.mutate(func(entries *[]Entry) error {
		return consume(*entries, index, author, eventID, now)
	})
}

// Redeem matches text against the unused codes and consumes the match in one
// critical section. ok is false when nothing matched.
func (l *Ledger) Redeem(text, author, eventID string) (m codes.Match, ok bool, err error) {
	now := l.clock.Now()
	err = l.mutate(func(entries *[]Entry) error {
		m, ok = codes.FindMatch(text, unusedSet(*entries))
		if !ok {
			return errNoMatch
		}
		return consume(*entries, m.Index, author, eventID, now)
	})
	if errors.Is(err, errNoMatch) {
		return codes.Match{}, false, nil
	}
	if err != nil {
		return codes.Match{}, false, err
	}
	return m, true, nil
}

var errNoMatch = errors.New("no match")

func consumed(entries []Entry, index int) (*Entry, error) {
	if index < 0 || index >= len(entries) {
		return nil, fmt.Errorf("entry %d: %w", index, common.ErrNotFound)
	}
	if !entries[index].Used {
		return nil, fmt.Errorf("entry %d: %w", index, ErrNotConsumed)
	}
	return &entries[index], nil
}

// MarkPaymentPending records that a payment attempt is about to start.
// A pending entry is never returned by DueRetries.
func (l *Ledger) MarkPaymentPending(index int) error {
	err := l.mutate(func(entries *[]Entry) error {
		e, err := consumed(*entries, index)
		if err != nil {
			return err
		}
		e.PaymentPending = true
		l.inflight[index] = true
		return nil
	})
	if err != nil {
		l.setInflight(index, false)
	}
	return err
}

func (l *Ledger) setInflight(index int, on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if on {
		l.inflight[index] = true
	} else {
		delete(l.inflight, index)
	}
}

// MarkPaymentFailed schedules the entry for another payment attempt after the
// retry delay and clears the pending marker.
func (l *Ledger) MarkPaymentFailed(index int) error {
	retryAt := l.clock.Now().Add(l.retryDelay)
	err := l.mutate(func(entries *[]Entry) error {
		e, err := consumed(*entries, index)
		if err != nil {
			return err
		}
		e.PaymentFailed = true
		e.RetryAt = &retryAt
		e.PaymentPending = false
		return nil
	})
	if err == nil {
		l.setInflight(index, false)
	}
	return err
}

// ClearPaymentFailed records a settled payment.
func (l *Ledger) ClearPaymentFailed(index int) error {
	err := l.mutate(func(entries *[]Entry) error {
		e, err := consumed(*entries, index)
		if err != nil {
			return err
		}
		e.PaymentFailed = false
		e.RetryAt = nil
		e.PaymentPending = false
		return nil
	})
	if err == nil {
		l.setInflight(index, false)
	}
	return err
}

func retryOf(i int, e Entry) Retry {
	r := Retry{Index: i, Fingerprint: e.Fingerprint}
	if e.UsedOnEvent != nil {
		r.EventID = *e.UsedOnEvent
	}
	if e.UsedBy != nil {
		r.Author = *e.UsedBy
	}
	return r
}

// DueRetries lists, in ledger order, failed payments whose retry time is not
// after now.
func (l *Ledger) DueRetries(now time.Time) []Retry {
	l.mu.Lock()
	defer l.mu.Unlock()

	var due []Retry
	for i, e := range l.entries {
		if !e.PaymentFailed || e.PaymentPending || e.RetryAt == nil {
			continue
		}
		if e.RetryAt.After(now) {
			continue
		}
		due = append(due, retryOf(i, e))
	}
	return due
}

// Unknown lists entries whose payment started but never reported an outcome,
// e.g. because the process stopped mid-payment.
func (l *Ledger) Unknown() []Retry {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Retry
	for i, e := range l.entries {
		if e.PaymentPending {
			out = append(out, retryOf(i, e))
		}
	}
	return out
}

// Entries returns a copy of all entries.
func (l *Ledger) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

func (l *Ledger) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := Stats{Total: len(l.entries)}
	for _, e := range l.entries {
		switch {
		case !e.Used:
			s.Available++
			continue
		case e.PaymentPending:
			s.Unknown++
		case e.PaymentFailed:
			s.PendingRetry++
		}
		s.Used++
	}
	return s
}

// Requeue makes the single entry whose fingerprint starts with prefix due for
// a payment retry now. Only entries with a failed or unknown payment qualify.
func (l *Ledger) Requeue(prefix string) (Entry, error) {
	prefix = strings.ToLower(strings.TrimSpace(prefix))
	if prefix == "" {
		return Entry{}, fmt.Errorf("empty prefix: %w", common.ErrNotFound)
	}
	now := l.clock.Now()

	var out Entry
	err := l.mutate(func(entries *[]Entry) error {
		found := -1
		for i, e := range *entries {
			if strings.HasPrefix(e.Fingerprint, prefix) {
				if found >= 0 {
					return fmt.Errorf("%q: %w", prefix, ErrAmbiguousPrefix)
				}
				found = i
			}
		}
		if found < 0 {
			return fmt.Errorf("%q: %w", prefix, common.ErrNotFound)
		}
		e := &(*entries)[found]
		if !e.Used || (!e.PaymentFailed && !e.PaymentPending) {
			return fmt.Errorf("%s: %w", Short(e.Fingerprint), ErrNotRequeueable)
		}
		e.PaymentPending = false
		e.PaymentFailed = true
		e.RetryAt = &now
		e.RequeuedAt = &now
		out = *e
		return nil
	})
	return out, err
}

// Reload merges the document when it differs from the last one this ledger
// wrote or read. It reports whether the file had changed.
func (l *Ledger) Reload() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.syncLocked()
}

// Short abbreviates a fingerprint for logs and listings.
func Short(fingerprint string) string {
	if len(fingerprint) > 12 {
		return fingerprint[:12]
	}
	return fingerprint
}
