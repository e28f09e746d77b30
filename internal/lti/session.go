package lti

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// LaunchSession is the ephemeral, opaque-token-addressable result of a
// successful launch. Immutable once created; expiry is checked lazily on read.
type LaunchSession struct {
	Token          string       `json:"token"`
	PlatformID     string       `json:"platform_id"`
	UserID         string       `json:"user_id"` // id_token sub
	ContextID      string       `json:"context_id"`
	ResourceLinkID string       `json:"resource_link_id"`
	Claims         LaunchClaims `json:"claims"`
	ExpiresAt      time.Time    `json:"expires_at"`
}

const sessionTokenBytes = 32 // 256 bits

// SessionStore persists launch sessions. Get must treat an expired session
// the same as a missing one.
type SessionStore interface {
	Put(ctx context.Context, s LaunchSession) error
	Get(ctx context.Context, token string) (LaunchSession, error)
	Delete(ctx context.Context, token string) error
}

var errSessionNotFound = errors.New("lti: session not found")

// SessionManager mints and resolves launch sessions.
type SessionManager struct {
	Store SessionStore
	TTL   time.Duration // default 4 hours
	Now   func() time.Time
}

// Create stores a new session for a validated claim set.
func (m *SessionManager) Create(ctx context.Context, platform Platform, claims LaunchClaims) (LaunchSession, error) {
	tok, err := newToken(sessionTokenBytes)
	if err != nil {
		return LaunchSession{}, err
	}
	s := LaunchSession{
		Token:          tok,
		PlatformID:     platform.ID,
		UserID:         claims.Subject,
		ContextID:      claims.ContextID,
		ResourceLinkID: claims.ResourceLinkID,
		Claims:         claims,
		ExpiresAt:      m.now().Add(m.ttl()),
	}
	if err := m.Store.Put(ctx, s); err != nil {
		return LaunchSession{}, err
	}
	return s, nil
}

// GetByToken resolves an unexpired session or fails with
// SessionExpiredOrMissing.
func (m *SessionManager) GetByToken(ctx context.Context, token string) (LaunchSession, error) {
	if token == "" {
		return LaunchSession{}, failf(FailSessionExpired, "empty session token")
	}
	s, err := m.Store.Get(ctx, token)
	if err != nil {
		if errors.Is(err, errSessionNotFound) {
			return LaunchSession{}, &LaunchError{Kind: FailSessionExpired, err: err}
		}
		return LaunchSession{}, err
	}
	if !s.ExpiresAt.After(m.now()) {
		_ = m.Store.Delete(ctx, token)
		return LaunchSession{}, failf(FailSessionExpired, "session expired")
	}
	return s, nil
}

// Destroy removes a session (logout). Missing sessions are not an error.
func (m *SessionManager) Destroy(ctx context.Context, token string) error {
	err := m.Store.Delete(ctx, token)
	if errors.Is(err, errSessionNotFound) {
		return nil
	}
	return err
}

func (m *SessionManager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *SessionManager) ttl() time.Duration {
	if m.TTL > 0 {
		return m.TTL
	}
	return 4 * time.Hour
}

/* ---------------------------- In-memory store ------------------------------ */

type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]LaunchSession
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]LaunchSession)}
}

func (s *MemorySessionStore) Put(_ context.Context, sess LaunchSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.Token] = sess
	return nil
}

func (s *MemorySessionStore) Get(_ context.Context, token string) (LaunchSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[token]
	if !ok {
		return LaunchSession{}, errSessionNotFound
	}
	return sess, nil
}

func (s *MemorySessionStore) Delete(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[token]; !ok {
		return errSessionNotFound
	}
	delete(s.sessions, token)
	return nil
}

/* ------------------------------- SQL store --------------------------------- */

// SQLSessionStore persists sessions with the full claim snapshot as JSON.
// Reads filter on expiry so the caller never sees a stale row; expired rows
// are reclaimed opportunistically on writes.
type SQLSessionStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLSessionStore(db *sql.DB) *SQLSessionStore {
	return &SQLSessionStore{db: db, now: time.Now}
}

func (s *SQLSessionStore) Put(ctx context.Context, sess LaunchSession) error {
	cj, err := json.Marshal(sess.Claims)
	if err != nil {
		return err
	}
	_, _ = s.db.ExecContext(ctx,
		`DELETE FROM lti_sessions WHERE expires_at <= $1`, s.now().Unix())
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO lti_sessions (token, platform_id, user_id, context_id, resource_link_id, claims_json, expires_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		sess.Token, sess.PlatformID, sess.UserID, sess.ContextID, sess.ResourceLinkID, string(cj), sess.ExpiresAt.Unix())
	return err
}

func (s *SQLSessionStore) Get(ctx context.Context, token string) (LaunchSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT token, platform_id, user_id, context_id, resource_link_id, claims_json, expires_at
		 FROM lti_sessions WHERE token=$1 AND expires_at > $2`,
		token, s.now().Unix())
	var sess LaunchSession
	var cj string
	var exp int64
	if err := row.Scan(&sess.Token, &sess.PlatformID, &sess.UserID, &sess.ContextID, &sess.ResourceLinkID, &cj, &exp); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return LaunchSession{}, errSessionNotFound
		}
		return LaunchSession{}, err
	}
	if err := json.Unmarshal([]byte(cj), &sess.Claims); err != nil {
		return LaunchSession{}, err
	}
	sess.ExpiresAt = time.Unix(exp, 0)
	return sess, nil
}

func (s *SQLSessionStore) Delete(ctx context.Context, token string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM lti_sessions WHERE token=$1`, token)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errSessionNotFound
	}
	return nil
}
