package models

import (
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// Message is a verified note delivered by the stream monitor.
type Message struct {
	ID        string
	Author    string
	Content   string
	CreatedAt time.Time
	Tags      nostr.Tags
	Relay     string
	Event     *nostr.Event
}

// Target is the note a reward is sent for.
type Target struct {
	EventID string
	Author  string
}

func (m Message) Target() Target {
	return Target{EventID: m.ID, Author: m.Author}
}
