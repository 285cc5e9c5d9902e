// ABOUTME: WebAuthn passkey registration and discoverable login
// ABOUTME: A successful passkey login yields the same session as a password login

package passkey

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/2389/hearth-gateway/internal/accounts"
	"github.com/2389/hearth-gateway/internal/apierror"
	"github.com/2389/hearth-gateway/internal/auth"
	"github.com/2389/hearth-gateway/internal/clock"
	"github.com/2389/hearth-gateway/internal/store"
)

// Store is the persistence passkeys need.
type Store interface {
	GetUser(ctx context.Context, id int64) (*store.User, error)
	store.PasskeyStore
	AppendAuditLog(ctx context.Context, e *store.AuditEntry) error
}

// SessionIssuer mints login sessions. accounts.Service implements it.
type SessionIssuer interface {
	IssueSession(ctx context.Context, u *store.User) (*accounts.Session, error)
}

// Config wires a Service.
type Config struct {
	Store    Store
	Sessions SessionIssuer
	BaseURL  string
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Service runs WebAuthn ceremonies.
type Service struct {
	webauthn   *webauthn.WebAuthn
	store      Store
	sessions   SessionIssuer
	challenges *challengeStore
	clock      clock.Clock
	logger     *slog.Logger
}

// New creates a Service whose relying party is derived from BaseURL.
func New(cfg Config) (*Service, error) {
	rpID, origins := deriveRelyingParty(cfg.BaseURL)
	w, err := webauthn.New(&webauthn.Config{
		RPDisplayName: "Hearth",
		RPID:          rpID,
		RPOrigins:     origins,
	})
	if err != nil {
		return nil, err
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		webauthn:   w,
		store:      cfg.Store,
		sessions:   cfg.Sessions,
		challenges: newChallengeStore(clk),
		clock:      clk,
		logger:     logger.With("component", "passkey"),
	}, nil
}

// deriveRelyingParty extracts the RP ID and allowed origins from a base
// URL, defaulting to localhost.
func deriveRelyingParty(baseURL string) (rpID string, origins []string) {
	rpID = "localhost"
	origins = []string{"http://localhost", "https://localhost", "http://localhost:8080"}

	parsed, err := url.Parse(baseURL)
	if baseURL == "" || err != nil || parsed.Hostname() == "" {
		return rpID, origins
	}

	rpID = parsed.Hostname()
	origin := parsed.Scheme + "://" + parsed.Host
	origins = []string{origin}
	if parsed.Scheme == "https" {
		origins = append(origins, "http://"+parsed.Host)
	} else {
		origins = append(origins, "https://"+parsed.Host)
	}
	return rpID, origins
}

// user adapts a store.User and its credentials to webauthn.User.
type user struct {
	u     *store.User
	creds []*store.PasskeyCredential
}

func userHandle(id int64) []byte { return []byte(strconv.FormatInt(id, 10)) }

func (w *user) WebAuthnID() []byte          { return userHandle(w.u.ID) }
func (w *user) WebAuthnName() string        { return w.u.Username }
func (w *user) WebAuthnDisplayName() string { return w.u.Username }

func (w *user) WebAuthnCredentials() []webauthn.Credential {
	out := make([]webauthn.Credential, len(w.creds))
	for i, c := range w.creds {
		out[i] = webauthn.Credential{
			ID:              c.CredentialID,
			PublicKey:       c.PublicKey,
			AttestationType: c.AttestationType,
			Authenticator:   webauthn.Authenticator{SignCount: c.SignCount},
		}
		if c.Transports != "" {
			var transports []protocol.AuthenticatorTransport
			if err := json.Unmarshal([]byte(c.Transports), &transports); err == nil {
				out[i].Transport = transports
			}
		}
	}
	return out
}

func (s *Service) loadUser(ctx context.Context, userID int64) (*user, error) {
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	creds, err := s.store.ListPasskeys(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &user{u: u, creds: creds}, nil
}

// Challenge is returned by the begin calls. The client echoes
// SessionToken back with its authenticator response.
type Challenge struct {
	Options      any    `json:"options"`
	SessionToken string `json:"session_token"`
}

// PasskeyView is a registered credential for output.
type PasskeyView struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	SignCount uint32    `json:"sign_count"`
}

// BeginRegistration starts adding a passkey for userID.
func (s *Service) BeginRegistration(ctx context.Context, userID int64) (*Challenge, error) {
	wu, err := s.loadUser(ctx, userID)
	if err != nil {
		return nil, apierror.Internal("Failed to start registration", err)
	}
	existing := wu.WebAuthnCredentials()
	exclude := make([]protocol.CredentialDescriptor, len(existing))
	for i, c := range existing {
		exclude[i] = c.Descriptor()
	}
	options, session, err := s.webauthn.BeginRegistration(wu,
		webauthn.WithResidentKeyRequirement(protocol.ResidentKeyRequirementRequired),
		webauthn.WithExclusions(exclude),
	)
	if err != nil {
		return nil, apierror.Internal("Failed to start registration", err)
	}
	token, err := s.challenges.put(session, userID)
	if err != nil {
		return nil, apierror.Internal("Failed to start registration", err)
	}
	return &Challenge{Options: options, SessionToken: token}, nil
}

// FinishRegistration verifies the authenticator response and stores the
// new credential.
func (s *Service) FinishRegistration(ctx context.Context, userID int64, sessionToken string, response []byte) (*PasskeyView, error) {
	session, owner, ok := s.challenges.take(sessionToken)
	if !ok || owner != userID {
		return nil, apierror.BadRequest("Invalid or expired session")
	}

	parsed, err := protocol.ParseCredentialCreationResponseBody(bytes.NewReader(response))
	if err != nil {
		return nil, apierror.Wrap(http.StatusBadRequest, "Invalid response", err)
	}
	wu, err := s.loadUser(ctx, userID)
	if err != nil {
		return nil, apierror.Internal("Failed to verify credential", err)
	}
	cred, err := s.webauthn.CreateCredential(wu, *session, parsed)
	if err != nil {
		s.logger.Warn("passkey registration rejected", "user_id", userID, "error", err)
		return nil, apierror.Wrap(http.StatusBadRequest, "Failed to verify credential", err)
	}

	transports, err := json.Marshal(cred.Transport)
	if err != nil {
		return nil, apierror.Internal("Failed to save credential", err)
	}
	stored := &store.PasskeyCredential{
		UserID:          userID,
		CredentialID:    cred.ID,
		PublicKey:       cred.PublicKey,
		AttestationType: cred.AttestationType,
		Transports:      string(transports),
		SignCount:       cred.Authenticator.SignCount,
		CreatedAt:       s.clock.Now().UTC(),
	}
	if err := s.store.CreatePasskey(ctx, stored); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, apierror.Conflict("Passkey already registered")
		}
		return nil, apierror.Internal("Failed to save credential", err)
	}

	s.audit(ctx, userID, store.AuditRegisterPasskey, stored.ID)
	s.logger.Info("passkey registered", "user_id", userID, "passkey_id", stored.ID)
	return &PasskeyView{ID: stored.ID, CreatedAt: stored.CreatedAt, SignCount: stored.SignCount}, nil
}

// BeginLogin starts a discoverable-credential login; no username needed.
func (s *Service) BeginLogin(ctx context.Context) (*Challenge, error) {
	options, session, err := s.webauthn.BeginDiscoverableLogin()
	if err != nil {
		return nil, apierror.Internal("Failed to start login", err)
	}
	token, err := s.challenges.put(session, 0)
	if err != nil {
		return nil, apierror.Internal("Failed to start login", err)
	}
	return &Challenge{Options: options, SessionToken: token}, nil
}

// FinishLogin verifies an assertion and issues a session. Passkeys count
// as both factors, so OTP is not asked for.
func (s *Service) FinishLogin(ctx context.Context, sessionToken string, response []byte) (*accounts.Session, error) {
	session, _, ok := s.challenges.take(sessionToken)
	if !ok {
		return nil, apierror.BadRequest("Invalid or expired session")
	}

	parsed, err := protocol.ParseCredentialRequestResponseBody(bytes.NewReader(response))
	if err != nil {
		return nil, apierror.Wrap(http.StatusBadRequest, "Invalid response", err)
	}

	stored, err := s.store.GetPasskeyByCredentialID(ctx, parsed.RawID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierror.Unauthorized("Unknown credential")
	}
	if err != nil {
		return nil, apierror.Internal("Failed to verify credential", err)
	}
	wu, err := s.loadUser(ctx, stored.UserID)
	if err != nil {
		return nil, apierror.Internal("Failed to verify credential", err)
	}

	finder := func(rawID, handle []byte) (webauthn.User, error) {
		if len(handle) > 0 && !bytes.Equal(handle, wu.WebAuthnID()) {
			return nil, errors.New("user handle mismatch")
		}
		return wu, nil
	}
	cred, err := s.webauthn.ValidateDiscoverableLogin(finder, *session, parsed)
	if err != nil {
		s.logger.Warn("passkey login rejected", "user_id", stored.UserID, "error", err)
		return nil, apierror.Wrap(http.StatusUnauthorized, "Authentication failed", err)
	}

	if err := s.store.UpdatePasskeySignCount(ctx, stored.ID, cred.Authenticator.SignCount); err != nil {
		s.logger.Warn("updating sign count", "passkey_id", stored.ID, "error", err)
	}

	sess, err := s.sessions.IssueSession(ctx, wu.u)
	if err != nil {
		return nil, err
	}
	s.logger.Info("passkey login", "user_id", wu.u.ID)
	return sess, nil
}

// List returns userID's passkeys.
func (s *Service) List(ctx context.Context, userID int64) ([]PasskeyView, error) {
	creds, err := s.store.ListPasskeys(ctx, userID)
	if err != nil {
		return nil, apierror.Internal("Failed to fetch passkeys", err)
	}
	out := make([]PasskeyView, 0, len(creds))
	for _, c := range creds {
		out = append(out, PasskeyView{ID: c.ID, CreatedAt: c.CreatedAt, SignCount: c.SignCount})
	}
	return out, nil
}

// Delete removes one of userID's passkeys.
func (s *Service) Delete(ctx context.Context, userID int64, id string) error {
	err := s.store.DeletePasskey(ctx, userID, id)
	if errors.Is(err, store.ErrNotFound) {
		return apierror.NotFound("Passkey not found")
	}
	if err != nil {
		return apierror.Internal("Failed to delete passkey", err)
	}
	s.audit(ctx, userID, store.AuditDeletePasskey, id)
	return nil
}

func (s *Service) audit(ctx context.Context, userID int64, action store.AuditAction, id string) {
	err := s.store.AppendAuditLog(ctx, &store.AuditEntry{
		ActorUserID: userID,
		Action:      action,
		TargetType:  "passkey",
		TargetID:    id,
		Timestamp:   s.clock.Now().UTC(),
	})
	if err != nil {
		s.logger.Warn("audit append failed", "action", action, "error", err)
	}
}

// sessionToken returns a fresh challenge handle.
func sessionToken() (string, error) {
	return auth.RandomHex(32)
}
