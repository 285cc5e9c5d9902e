// ABOUTME: Share-link lifecycle rules: active flag, counter limit, and expiry
// ABOUTME: Pure functions so the store can apply them inside its transaction

package sharing

import (
	"errors"
	"time"

	"github.com/2389/hearth-gateway/internal/store"
)

// Lifecycle denials. Their messages are shown to share-link visitors.
var (
	ErrLinkInactive  = errors.New("Share link is no longer active")
	ErrLinkExhausted = errors.New("Share link has reached maximum access count")
	ErrLinkExpired   = errors.New("Share link has expired")
)

// Evaluate decides whether link may be viewed at now. Rules apply in
// order: inactive, counter exhausted, time expired. deactivate is true
// when the denial should switch the link off.
func Evaluate(link *store.ShareLink, now time.Time) (deactivate bool, err error) {
	if !link.Active {
		return false, ErrLinkInactive
	}
	if link.Type == store.ShareTypeCounter && link.AccessCount >= link.MaxAccess {
		return true, ErrLinkExhausted
	}
	if expired(link, now) {
		return true, ErrLinkExpired
	}
	return false, nil
}

// checkTriggerable applies the subset of rules that guard a trigger:
// the active flag and expiry. Triggers never consume counter slots.
func checkTriggerable(link *store.ShareLink, now time.Time) (deactivate bool, err error) {
	if !link.Active {
		return false, ErrLinkInactive
	}
	if expired(link, now) {
		return true, ErrLinkExpired
	}
	return false, nil
}

func expired(link *store.ShareLink, now time.Time) bool {
	return link.Type == store.ShareTypeTime && link.ExpiresAt != nil && now.After(*link.ExpiresAt)
}

// Remaining returns how many views a counter link has left, or -1 for
// links without a counter.
func Remaining(link *store.ShareLink) int {
	if link.Type != store.ShareTypeCounter {
		return -1
	}
	return max(link.MaxAccess-link.AccessCount, 0)
}
