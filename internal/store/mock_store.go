// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows service tests to run without SQLite

package store

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
// Reads return copies so callers cannot mutate stored state.
type MockStore struct {
	mu            sync.RWMutex
	nextID        int64
	users         map[int64]*User
	refreshTokens map[string]*RefreshToken
	entities      map[int64]*TrackedEntity
	shareLinks    map[string]*ShareLink
	grants        map[int64]*SharedEntity
	passkeys      map[string]*PasskeyCredential
	audit         []AuditEntry

	// PingErr is returned by Ping when set.
	PingErr error
}

var _ Store = (*MockStore)(nil)

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		users:         make(map[int64]*User),
		refreshTokens: make(map[string]*RefreshToken),
		entities:      make(map[int64]*TrackedEntity),
		shareLinks:    make(map[string]*ShareLink),
		grants:        make(map[int64]*SharedEntity),
		passkeys:      make(map[string]*PasskeyCredential),
	}
}

func (m *MockStore) id() int64 {
	m.nextID++
	return m.nextID
}

func copyUser(u *User) *User {
	c := *u
	c.OTPBackupCodes = append([]string(nil), u.OTPBackupCodes...)
	return &c
}

func copyLink(l *ShareLink) *ShareLink {
	c := *l
	c.EntityIDs = append([]string(nil), l.EntityIDs...)
	if l.ExpiresAt != nil {
		t := *l.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}

func copyEntity(e *TrackedEntity) *TrackedEntity {
	c := *e
	if e.Attributes != nil {
		c.Attributes = make(map[string]any, len(e.Attributes))
		for k, v := range e.Attributes {
			c.Attributes[k] = v
		}
	}
	return &c
}

// Ping implements Store.
func (m *MockStore) Ping(ctx context.Context) error { return m.PingErr }

// Close implements Store.
func (m *MockStore) Close() error { return nil }

// Users

func (m *MockStore) CreateUser(ctx context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createUserLocked(u)
}

func (m *MockStore) createUserLocked(u *User) error {
	for _, existing := range m.users {
		if existing.Username == u.Username {
			return ErrUsernameExists
		}
	}
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	if u.UpdatedAt.IsZero() {
		u.UpdatedAt = u.CreatedAt
	}
	u.ID = m.id()
	m.users[u.ID] = copyUser(u)
	return nil
}

func (m *MockStore) CreateFirstUser(ctx context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.countAdminsLocked() > 0 {
		return ErrAdminExists
	}
	u.IsAdmin = true
	return m.createUserLocked(u)
}

func (m *MockStore) GetUser(ctx context.Context, id int64) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyUser(u), nil
}

func (m *MockStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if u.Username == username {
			return copyUser(u), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MockStore) SetUserPassword(ctx context.Context, id int64, hash string, requireChange bool) error {
	return m.updateUser(id, func(u *User) {
		u.PasswordHash = hash
		u.RequirePasswordChange = requireChange
	})
}

func (m *MockStore) SetUserHAConfig(ctx context.Context, id int64, url, sealedToken string) error {
	return m.updateUser(id, func(u *User) {
		u.HAURL = url
		u.HAToken = sealedToken
	})
}

func (m *MockStore) SetUserOTP(ctx context.Context, id int64, sealedSecret string, enabled bool, backupCodes []string) error {
	return m.updateUser(id, func(u *User) {
		u.OTPSecret = sealedSecret
		u.OTPEnabled = enabled
		u.OTPBackupCodes = append([]string(nil), backupCodes...)
	})
}

func (m *MockStore) ConsumeBackupCode(ctx context.Context, userID int64, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	remaining, ok := removeCode(u.OTPBackupCodes, hash)
	if !ok {
		return ErrNotFound
	}
	u.OTPBackupCodes = remaining
	u.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MockStore) updateUser(id int64, fn func(*User)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	fn(u)
	u.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MockStore) ListUsers(ctx context.Context) ([]*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	users := make([]*User, 0, len(m.users))
	for _, u := range m.users {
		users = append(users, copyUser(u))
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

func (m *MockStore) countAdminsLocked() int {
	n := 0
	for _, u := range m.users {
		if u.IsAdmin {
			n++
		}
	}
	return n
}

func (m *MockStore) CountAdmins(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.countAdminsLocked(), nil
}

func (m *MockStore) SetUserAdmin(ctx context.Context, id int64, isAdmin bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	if u.IsAdmin && !isAdmin && m.countAdminsLocked() <= 1 {
		return ErrLastAdmin
	}
	u.IsAdmin = isAdmin
	return nil
}

func (m *MockStore) DeleteUser(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	if u.IsAdmin && m.countAdminsLocked() <= 1 {
		return ErrLastAdmin
	}
	delete(m.users, id)
	for k, t := range m.refreshTokens {
		if t.UserID == id {
			delete(m.refreshTokens, k)
		}
	}
	for k, e := range m.entities {
		if e.UserID == id {
			delete(m.entities, k)
		}
	}
	for k, l := range m.shareLinks {
		if l.UserID == id {
			delete(m.shareLinks, k)
		}
	}
	for k, g := range m.grants {
		if g.OwnerID == id || g.SharedWithID == id {
			delete(m.grants, k)
		}
	}
	for k, p := range m.passkeys {
		if p.UserID == id {
			delete(m.passkeys, k)
		}
	}
	return nil
}

// Refresh tokens

func (m *MockStore) CreateRefreshToken(ctx context.Context, t *RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.refreshTokens[t.TokenHash]; ok {
		return ErrDuplicate
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	c := *t
	m.refreshTokens[t.TokenHash] = &c
	return nil
}

func (m *MockStore) GetRefreshToken(ctx context.Context, tokenHash string) (*RefreshToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.refreshTokens[tokenHash]
	if !ok {
		return nil, ErrNotFound
	}
	c := *t
	return &c, nil
}

func (m *MockStore) DeleteRefreshToken(ctx context.Context, tokenHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.refreshTokens[tokenHash]; !ok {
		return ErrNotFound
	}
	delete(m.refreshTokens, tokenHash)
	return nil
}

func (m *MockStore) DeleteUserRefreshTokens(ctx context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, t := range m.refreshTokens {
		if t.UserID == userID {
			delete(m.refreshTokens, k)
		}
	}
	return nil
}

func (m *MockStore) DeleteExpiredRefreshTokens(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, t := range m.refreshTokens {
		if t.ExpiresAt.Before(now) {
			delete(m.refreshTokens, k)
			n++
		}
	}
	return n, nil
}

// Entities

func (m *MockStore) CreateEntity(ctx context.Context, e *TrackedEntity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.entities {
		if existing.UserID == e.UserID && existing.EntityID == e.EntityID {
			return ErrDuplicate
		}
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	e.ID = m.id()
	m.entities[e.ID] = copyEntity(e)
	return nil
}

func (m *MockStore) GetEntityByEntityID(ctx context.Context, userID int64, entityID string) (*TrackedEntity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.entities {
		if e.UserID == userID && e.EntityID == entityID {
			return copyEntity(e), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MockStore) ListEntities(ctx context.Context, userID int64) ([]*TrackedEntity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []*TrackedEntity{}
	for _, e := range m.entities {
		if e.UserID == userID {
			out = append(out, copyEntity(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MockStore) UpdateEntityState(ctx context.Context, e *TrackedEntity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.entities[e.ID]
	if !ok {
		return ErrNotFound
	}
	c := copyEntity(e)
	c.UserID = existing.UserID
	c.EntityID = existing.EntityID
	c.CreatedAt = existing.CreatedAt
	m.entities[e.ID] = c
	return nil
}

func (m *MockStore) DeleteEntity(ctx context.Context, userID, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entities[id]
	if !ok || e.UserID != userID {
		return ErrNotFound
	}
	delete(m.entities, id)
	for k, g := range m.grants {
		if g.OwnerID == userID && g.EntityID == e.EntityID {
			delete(m.grants, k)
		}
	}
	return nil
}

func (m *MockStore) ListUsersWithEntities(ctx context.Context) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := map[int64]bool{}
	var ids []int64
	for _, e := range m.entities {
		if !seen[e.UserID] {
			seen[e.UserID] = true
			ids = append(ids, e.UserID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Share links

func (m *MockStore) CreateShareLink(ctx context.Context, l *ShareLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.shareLinks[l.ID]; ok {
		return ErrDuplicate
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	if l.UpdatedAt.IsZero() {
		l.UpdatedAt = l.CreatedAt
	}
	m.shareLinks[l.ID] = copyLink(l)
	return nil
}

func (m *MockStore) GetShareLink(ctx context.Context, id string) (*ShareLink, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.shareLinks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyLink(l), nil
}

func (m *MockStore) ListShareLinks(ctx context.Context, userID int64) ([]*ShareLink, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []*ShareLink{}
	for _, l := range m.shareLinks {
		if l.UserID == userID {
			out = append(out, copyLink(l))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MockStore) UpdateShareLink(ctx context.Context, l *ShareLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.shareLinks[l.ID]
	if !ok || existing.UserID != l.UserID {
		return ErrNotFound
	}
	l.UpdatedAt = time.Now().UTC()
	c := copyLink(l)
	c.CreatedAt = existing.CreatedAt
	c.AccessCount = existing.AccessCount
	m.shareLinks[l.ID] = c
	return nil
}

func (m *MockStore) DeleteShareLink(ctx context.Context, userID int64, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.shareLinks[id]
	if !ok || l.UserID != userID {
		return ErrNotFound
	}
	delete(m.shareLinks, id)
	return nil
}

func (m *MockStore) WithShareLink(ctx context.Context, id string, fn func(*ShareLink) error) (*ShareLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.shareLinks[id]
	if !ok {
		return nil, ErrNotFound
	}
	l := copyLink(stored)
	fnErr := fn(l)
	if l.Active != stored.Active || l.AccessCount != stored.AccessCount {
		stored.Active = l.Active
		stored.AccessCount = l.AccessCount
		stored.UpdatedAt = time.Now().UTC()
		l.UpdatedAt = stored.UpdatedAt
	}
	return l, fnErr
}

// Grants

func (m *MockStore) withUsernames(g *SharedEntity) *SharedEntity {
	c := *g
	if u, ok := m.users[g.OwnerID]; ok {
		c.OwnerUsername = u.Username
	}
	if u, ok := m.users[g.SharedWithID]; ok {
		c.SharedWithUsername = u.Username
	}
	return &c
}

func (m *MockStore) UpsertSharedEntity(ctx context.Context, g *SharedEntity) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.grants {
		if existing.EntityID == g.EntityID && existing.OwnerID == g.OwnerID && existing.SharedWithID == g.SharedWithID {
			existing.AccessMode = g.AccessMode
			g.ID = existing.ID
			g.CreatedAt = existing.CreatedAt
			return false, nil
		}
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}
	g.ID = m.id()
	c := *g
	m.grants[g.ID] = &c
	return true, nil
}

func (m *MockStore) GetSharedEntity(ctx context.Context, id int64) (*SharedEntity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.grants[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m.withUsernames(g), nil
}

func (m *MockStore) listGrants(match func(*SharedEntity) bool) []*SharedEntity {
	out := []*SharedEntity{}
	for _, g := range m.grants {
		if match(g) {
			out = append(out, m.withUsernames(g))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *MockStore) ListSharedWith(ctx context.Context, userID int64) ([]*SharedEntity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listGrants(func(g *SharedEntity) bool { return g.SharedWithID == userID }), nil
}

func (m *MockStore) ListSharedBy(ctx context.Context, ownerID int64) ([]*SharedEntity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listGrants(func(g *SharedEntity) bool { return g.OwnerID == ownerID }), nil
}

func (m *MockStore) DeleteSharedEntity(ctx context.Context, ownerID, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.grants[id]
	if !ok || g.OwnerID != ownerID {
		return ErrNotFound
	}
	delete(m.grants, id)
	return nil
}

// Passkeys

func (m *MockStore) CreatePasskey(ctx context.Context, cred *PasskeyCredential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.passkeys {
		if bytes.Equal(p.CredentialID, cred.CredentialID) {
			return ErrDuplicate
		}
	}
	if cred.ID == "" {
		cred.ID = uuid.New().String()
	}
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = time.Now().UTC()
	}
	c := *cred
	m.passkeys[cred.ID] = &c
	return nil
}

func (m *MockStore) ListPasskeys(ctx context.Context, userID int64) ([]*PasskeyCredential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []*PasskeyCredential{}
	for _, p := range m.passkeys {
		if p.UserID == userID {
			c := *p
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MockStore) GetPasskeyByCredentialID(ctx context.Context, credentialID []byte) (*PasskeyCredential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.passkeys {
		if bytes.Equal(p.CredentialID, credentialID) {
			c := *p
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MockStore) UpdatePasskeySignCount(ctx context.Context, id string, signCount uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.passkeys[id]
	if !ok {
		return ErrNotFound
	}
	p.SignCount = signCount
	return nil
}

func (m *MockStore) DeletePasskey(ctx context.Context, userID int64, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.passkeys[id]
	if !ok || p.UserID != userID {
		return ErrNotFound
	}
	delete(m.passkeys, id)
	return nil
}

// Audit

func (m *MockStore) AppendAuditLog(ctx context.Context, e *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prepareAuditEntry(e)
	m.audit = append(m.audit, *e)
	return nil
}

func (m *MockStore) ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []AuditEntry{}
	for i := len(m.audit) - 1; i >= 0; i-- {
		e := m.audit[i]
		if f.Since != nil && e.Timestamp.Before(*f.Since) {
			continue
		}
		if f.Until != nil && e.Timestamp.After(*f.Until) {
			continue
		}
		if f.ActorUserID != nil && e.ActorUserID != *f.ActorUserID {
			continue
		}
		if f.Action != nil && e.Action != *f.Action {
			continue
		}
		if f.TargetType != nil && e.TargetType != *f.TargetType {
			continue
		}
		if f.TargetID != nil && e.TargetID != *f.TargetID {
			continue
		}
		out = append(out, e)
		if len(out) == normalizeAuditLimit(f.Limit) {
			break
		}
	}
	return out, nil
}
