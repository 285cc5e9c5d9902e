// ABOUTME: In-memory store for in-flight WebAuthn challenges
// ABOUTME: Entries are single-use and expire after five minutes

package passkey

import (
	"sync"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/2389/hearth-gateway/internal/clock"
)

// ChallengeTTL bounds how long a begin/finish pair may take.
const ChallengeTTL = 5 * time.Minute

type challenge struct {
	session   *webauthn.SessionData
	userID    int64 // 0 for login
	expiresAt time.Time
}

type challengeStore struct {
	mu      sync.Mutex
	clock   clock.Clock
	pending map[string]*challenge
}

func newChallengeStore(clk clock.Clock) *challengeStore {
	return &challengeStore{clock: clk, pending: make(map[string]*challenge)}
}

// put stores session under a new random token. Expired entries are
// pruned on the way in.
func (c *challengeStore) put(session *webauthn.SessionData, userID int64) (string, error) {
	token, err := sessionToken()
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	for k, v := range c.pending {
		if now.After(v.expiresAt) {
			delete(c.pending, k)
		}
	}
	c.pending[token] = &challenge{session: session, userID: userID, expiresAt: now.Add(ChallengeTTL)}
	return token, nil
}

// take removes and returns the challenge for token if it has not expired.
func (c *challengeStore) take(token string) (*webauthn.SessionData, int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.pending[token]
	if !ok {
		return nil, 0, false
	}
	delete(c.pending, token)
	if c.clock.Now().After(ch.expiresAt) {
		return nil, 0, false
	}
	return ch.session, ch.userID, true
}

func (c *challengeStore) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
