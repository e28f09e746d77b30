package lti

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"
)

/*
Single-use token stores for the OIDC login round trip.

Two instances back the handshake: one for `state` (CSRF binding between the
login redirect and the launch callback) and one for `nonce` (replay binding
inside the id_token). Both obey the same contract:

  Issue   mints a fresh >=128-bit random value with a short TTL.
  Consume atomically checks-and-invalidates: success at most once per value,
          even under concurrent duplicate submissions.

Expired rows are garbage; purging is opportunistic housekeeping, never a
correctness requirement.
*/

// ReplayStore is the single-use token contract shared by NonceStore and
// StateTokenIssuer duties.
type ReplayStore interface {
	Issue(ctx context.Context, ttl time.Duration) (string, error)
	// Consume returns true when the token existed, was unexpired, and had not
	// been consumed before. Any other outcome returns false.
	Consume(ctx context.Context, token string) (bool, error)
}

const replayTokenBytes = 16 // 128 bits of entropy

/* ---------------------------- In-memory store ------------------------------ */

// MemoryReplayStore is a process-local ReplayStore, safe for concurrent use.
// It purges expired entries opportunistically every purgeN issues.
type MemoryReplayStore struct {
	mu       sync.Mutex
	entries  map[string]time.Time
	now      func() time.Time
	useCount uint64
	purgeN   uint64
}

func NewMemoryReplayStore() *MemoryReplayStore {
	return &MemoryReplayStore{
		entries: make(map[string]time.Time, 256),
		now:     time.Now,
		purgeN:  1024,
	}
}

func (s *MemoryReplayStore) Issue(_ context.Context, ttl time.Duration) (string, error) {
	tok, err := newToken(replayTokenBytes)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.useCount++
	if s.useCount%s.purgeN == 0 {
		s.purgeLocked(s.now())
	}
	s.entries[tok] = s.now().Add(ttl)
	return tok, nil
}

func (s *MemoryReplayStore) Consume(_ context.Context, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.entries[token]
	if !ok {
		return false, nil
	}
	delete(s.entries, token)
	return exp.After(s.now()), nil
}

func (s *MemoryReplayStore) purgeLocked(now time.Time) {
	for k, until := range s.entries {
		if !until.After(now) {
			delete(s.entries, k)
		}
	}
}

// SetClock overrides the store clock (tests).
func (s *MemoryReplayStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

/* ------------------------------- SQL store --------------------------------- */

// SQLReplayStore persists tokens in lti_replay_tokens, keyed by kind so the
// nonce and state namespaces cannot collide. Consume is a single conditional
// DELETE: the database guarantees at most one caller sees RowsAffected==1.
type SQLReplayStore struct {
	db   *sql.DB
	kind string
	now  func() time.Time
}

func NewSQLReplayStore(db *sql.DB, kind string) *SQLReplayStore {
	return &SQLReplayStore{db: db, kind: kind, now: time.Now}
}

func (s *SQLReplayStore) Issue(ctx context.Context, ttl time.Duration) (string, error) {
	tok, err := newToken(replayTokenBytes)
	if err != nil {
		return "", err
	}
	now := s.now()
	// Opportunistic purge of expired rows; failure here is non-fatal.
	_, _ = s.db.ExecContext(ctx,
		`DELETE FROM lti_replay_tokens WHERE kind=$1 AND expires_at <= $2`, s.kind, now.Unix())

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO lti_replay_tokens (kind, value, expires_at) VALUES ($1,$2,$3)`,
		s.kind, tok, now.Add(ttl).Unix())
	if err != nil {
		return "", err
	}
	return tok, nil
}

func (s *SQLReplayStore) Consume(ctx context.Context, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM lti_replay_tokens WHERE kind=$1 AND value=$2 AND expires_at > $3`,
		s.kind, token, s.now().Unix())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 1 {
		return false, errors.New("lti: replay token not unique")
	}
	return n == 1, nil
}
