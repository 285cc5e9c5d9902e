// ABOUTME: Share-link lifecycle notifications for link owners
// ABOUTME: Defines the Notifier interface, event kinds, a no-op, and a test recorder

package notify

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Kind identifies what happened.
type Kind string

const (
	KindLinkExhausted   Kind = "link_exhausted"
	KindLinkExpired     Kind = "link_expired"
	KindEntityTriggered Kind = "entity_triggered"
)

// Event describes a lifecycle change on a share link.
type Event struct {
	Kind          Kind
	ShareID       string
	OwnerID       int64
	OwnerUsername string
	EntityID      string
	Service       string
	At            time.Time
}

// Text renders the event as a one-line human message.
func (e Event) Text() string {
	owner := e.OwnerUsername
	if owner == "" {
		owner = fmt.Sprintf("user %d", e.OwnerID)
	}
	switch e.Kind {
	case KindLinkExhausted:
		return fmt.Sprintf("Share link %s (%s) reached its maximum access count and was deactivated", shortID(e.ShareID), owner)
	case KindLinkExpired:
		return fmt.Sprintf("Share link %s (%s) expired and was deactivated", shortID(e.ShareID), owner)
	case KindEntityTriggered:
		return fmt.Sprintf("%s was triggered (%s) through share link %s (%s)", e.EntityID, e.Service, shortID(e.ShareID), owner)
	default:
		return fmt.Sprintf("%s on share link %s (%s)", e.Kind, shortID(e.ShareID), owner)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Notifier delivers events. Implementations must not block the caller
// on network I/O and must not return delivery errors.
type Notifier interface {
	Notify(ctx context.Context, e Event)
}

// Nop discards events.
type Nop struct{}

// Notify does nothing.
func (Nop) Notify(context.Context, Event) {}

// Recorder keeps events in memory. Useful in tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Notify records e.
func (r *Recorder) Notify(_ context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}
