package content

import (
	"context"
	"database/sql"
	"errors"
)

var ErrNotFound = errors.New("content: not found")

// Store is the read surface the embed views need.
type Store interface {
	ListTopics(ctx context.Context) ([]Topic, error)
	GetTopic(ctx context.Context, slug string) (Topic, error)
	GetSection(ctx context.Context, topicSlug, sectionSlug string) (Section, error)
	ListSections(ctx context.Context, topicSlug string) ([]Section, error)
}

type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) ListTopics(ctx context.Context) ([]Topic, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, slug, title, summary FROM topics ORDER BY slug`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Topic
	for rows.Next() {
		var t Topic
		if err := rows.Scan(&t.ID, &t.Slug, &t.Title, &t.Summary); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLStore) GetTopic(ctx context.Context, slug string) (Topic, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, slug, title, summary FROM topics WHERE slug=$1`, slug)
	var t Topic
	if err := row.Scan(&t.ID, &t.Slug, &t.Title, &t.Summary); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Topic{}, ErrNotFound
		}
		return Topic{}, err
	}
	return t, nil
}

func (s *SQLStore) GetSection(ctx context.Context, topicSlug, sectionSlug string) (Section, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, topic_slug, slug, title, position FROM sections WHERE topic_slug=$1 AND slug=$2`,
		topicSlug, sectionSlug)
	var sec Section
	if err := row.Scan(&sec.ID, &sec.TopicSlug, &sec.Slug, &sec.Title, &sec.Position); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Section{}, ErrNotFound
		}
		return Section{}, err
	}
	return sec, nil
}

func (s *SQLStore) ListSections(ctx context.Context, topicSlug string) ([]Section, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, topic_slug, slug, title, position FROM sections WHERE topic_slug=$1 ORDER BY position, slug`,
		topicSlug)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Section
	for rows.Next() {
		var sec Section
		if err := rows.Scan(&sec.ID, &sec.TopicSlug, &sec.Slug, &sec.Title, &sec.Position); err != nil {
			return nil, err
		}
		out = append(out, sec)
	}
	return out, rows.Err()
}
