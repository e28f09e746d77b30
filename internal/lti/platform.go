package lti

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Platform is a trusted LMS registration. Exactly one active row may match a
// given (issuer, client_id) pair; the registry fails closed on duplicates.
type Platform struct {
	ID           string `json:"id"`
	Issuer       string `json:"issuer"`
	ClientID     string `json:"client_id"`
	DeploymentID string `json:"deployment_id,omitempty"`
	AuthLoginURL string `json:"auth_login_url"`
	AuthTokenURL string `json:"auth_token_url,omitempty"`
	JWKSURL      string `json:"jwks_url"`
	Active       bool   `json:"is_active"`
}

var (
	ErrPlatformNotFound  = errors.New("lti: platform not found")
	ErrPlatformAmbiguous = errors.New("lti: multiple active platforms for issuer/client_id")
)

// PlatformRegistry is the protocol engine's read-only view of registrations.
type PlatformRegistry interface {
	// FindByIssuerAndClient returns the single active registration matching
	// both values. ErrPlatformNotFound when none (or only inactive) matches;
	// ErrPlatformAmbiguous when more than one active row matches.
	FindByIssuerAndClient(ctx context.Context, issuer, clientID string) (Platform, error)
}

// PlatformStore adds the mutation surface used by the admin API. The engine
// itself never mutates registrations.
type PlatformStore interface {
	PlatformRegistry
	Create(ctx context.Context, p Platform) error
	Get(ctx context.Context, id string) (Platform, error)
	List(ctx context.Context, offset, limit int) ([]Platform, error)
	Update(ctx context.Context, p Platform) error
	Delete(ctx context.Context, id string) error
}

/* ------------------------------ SQL store ---------------------------------- */

type SQLPlatformStore struct {
	db *sql.DB
}

func NewSQLPlatformStore(db *sql.DB) *SQLPlatformStore {
	return &SQLPlatformStore{db: db}
}

const platformCols = `id, issuer, client_id, deployment_id, auth_login_url, auth_token_url, jwks_url, is_active`

func (s *SQLPlatformStore) FindByIssuerAndClient(ctx context.Context, issuer, clientID string) (Platform, error) {
	issuer = strings.TrimSpace(issuer)
	clientID = strings.TrimSpace(clientID)
	if issuer == "" || clientID == "" {
		return Platform{}, ErrPlatformNotFound
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+platformCols+` FROM lti_platforms WHERE issuer=$1 AND client_id=$2 AND is_active`,
		issuer, clientID)
	if err != nil {
		return Platform{}, fmt.Errorf("lti: platform lookup: %w", err)
	}
	defer rows.Close()

	var found []Platform
	for rows.Next() {
		p, err := scanPlatform(rows)
		if err != nil {
			return Platform{}, err
		}
		found = append(found, p)
	}
	if err := rows.Err(); err != nil {
		return Platform{}, err
	}
	switch len(found) {
	case 0:
		return Platform{}, ErrPlatformNotFound
	case 1:
		return found[0], nil
	default:
		return Platform{}, ErrPlatformAmbiguous
	}
}

func (s *SQLPlatformStore) Create(ctx context.Context, p Platform) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO lti_platforms (`+platformCols+`, created_at) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		p.ID, p.Issuer, p.ClientID, p.DeploymentID, p.AuthLoginURL, p.AuthTokenURL, p.JWKSURL, p.Active, time.Now().Unix())
	return err
}

func (s *SQLPlatformStore) Get(ctx context.Context, id string) (Platform, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+platformCols+` FROM lti_platforms WHERE id=$1`, id)
	p, err := scanPlatform(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Platform{}, ErrPlatformNotFound
	}
	return p, err
}

func (s *SQLPlatformStore) List(ctx context.Context, offset, limit int) ([]Platform, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+platformCols+` FROM lti_platforms ORDER BY issuer, client_id LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Platform, 0, limit)
	for rows.Next() {
		p, err := scanPlatform(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLPlatformStore) Update(ctx context.Context, p Platform) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE lti_platforms SET issuer=$1, client_id=$2, deployment_id=$3, auth_login_url=$4, auth_token_url=$5, jwks_url=$6, is_active=$7 WHERE id=$8`,
		p.Issuer, p.ClientID, p.DeploymentID, p.AuthLoginURL, p.AuthTokenURL, p.JWKSURL, p.Active, p.ID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrPlatformNotFound
	}
	return nil
}

func (s *SQLPlatformStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM lti_platforms WHERE id=$1`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrPlatformNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPlatform(row rowScanner) (Platform, error) {
	var p Platform
	err := row.Scan(&p.ID, &p.Issuer, &p.ClientID, &p.DeploymentID, &p.AuthLoginURL, &p.AuthTokenURL, &p.JWKSURL, &p.Active)
	return p, err
}

/* ---------------------------- In-memory store ------------------------------ */

// MemoryPlatformStore is a process-local PlatformStore for dev and tests.
type MemoryPlatformStore struct {
	mu        sync.RWMutex
	platforms map[string]Platform // by ID
}

func NewMemoryPlatformStore(seed ...Platform) *MemoryPlatformStore {
	s := &MemoryPlatformStore{platforms: make(map[string]Platform, len(seed))}
	for _, p := range seed {
		s.platforms[p.ID] = p
	}
	return s
}

func (s *MemoryPlatformStore) FindByIssuerAndClient(_ context.Context, issuer, clientID string) (Platform, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found []Platform
	for _, p := range s.platforms {
		if p.Active && p.Issuer == issuer && p.ClientID == clientID {
			found = append(found, p)
		}
	}
	switch len(found) {
	case 0:
		return Platform{}, ErrPlatformNotFound
	case 1:
		return found[0], nil
	default:
		return Platform{}, ErrPlatformAmbiguous
	}
}

func (s *MemoryPlatformStore) Create(_ context.Context, p Platform) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.platforms[p.ID]; ok {
		return errors.New("lti: platform id exists")
	}
	s.platforms[p.ID] = p
	return nil
}

func (s *MemoryPlatformStore) Get(_ context.Context, id string) (Platform, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.platforms[id]
	if !ok {
		return Platform{}, ErrPlatformNotFound
	}
	return p, nil
}

func (s *MemoryPlatformStore) List(_ context.Context, offset, limit int) ([]Platform, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Platform, 0, len(s.platforms))
	for _, p := range s.platforms {
		out = append(out, p)
	}
	// Same ordering as the SQL store, so offset/limit pages line up.
	sort.Slice(out, func(i, j int) bool {
		if out[i].Issuer != out[j].Issuer {
			return out[i].Issuer < out[j].Issuer
		}
		return out[i].ClientID < out[j].ClientID
	})
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryPlatformStore) Update(_ context.Context, p Platform) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.platforms[p.ID]; !ok {
		return ErrPlatformNotFound
	}
	s.platforms[p.ID] = p
	return nil
}

func (s *MemoryPlatformStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.platforms[id]; !ok {
		return ErrPlatformNotFound
	}
	delete(s.platforms, id)
	return nil
}
