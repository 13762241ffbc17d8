package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

const frameworkColumns = "id, title, author, summary, use_when, tags, example, keywords, category, related_frameworks, created_at, updated_at"

func (s *Store) ListFrameworks(ctx context.Context) ([]Framework, error) {
	return s.queryFrameworks(ctx, s.sql.Select(frameworkColumns).From("frameworks").OrderBy("title ASC"))
}

// SearchFrameworks matches term case-insensitively against title, summary
// and category.
func (s *Store) SearchFrameworks(ctx context.Context, term string) ([]Framework, error) {
	pattern := "%" + strings.ToLower(strings.TrimSpace(term)) + "%"
	q := s.sql.Select(frameworkColumns).
		From("frameworks").
		Where(sq.Or{
			sq.Like{"LOWER(title)": pattern},
			sq.Like{"LOWER(summary)": pattern},
			sq.Like{"LOWER(category)": pattern},
		}).
		OrderBy("title ASC")
	return s.queryFrameworks(ctx, q)
}

func (s *Store) FrameworksByCategory(ctx context.Context, category string) ([]Framework, error) {
	q := s.sql.Select(frameworkColumns).
		From("frameworks").
		Where(sq.Eq{"category": category}).
		OrderBy("title ASC")
	return s.queryFrameworks(ctx, q)
}

func (s *Store) GetFramework(ctx context.Context, id string) (Framework, error) {
	out, err := s.queryFrameworks(ctx, s.sql.Select(frameworkColumns).From("frameworks").Where(sq.Eq{"id": id}))
	if err != nil {
		return Framework{}, err
	}
	if len(out) == 0 {
		return Framework{}, ErrNotFound
	}
	return out[0], nil
}

func (s *Store) FrameworkIDs(ctx context.Context) (map[string]struct{}, error) {
	q := s.sql.Select("id").From("frameworks")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build framework ids query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list framework ids: %w", err)
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan framework id: %w", err)
		}
		out[id] = struct{}{}
	}
	return out, rows.Err()
}

// InsertFrameworks writes one batch atomically and returns the stored rows.
func (s *Store) InsertFrameworks(ctx context.Context, batch []Framework) ([]Framework, error) {
	if len(batch) == 0 {
		return nil, nil
	}
	now := s.now()
	q := s.sql.Insert("frameworks").
		Columns("id", "title", "author", "summary", "use_when", "tags", "example", "keywords", "category", "related_frameworks", "created_at", "updated_at")

	out := make([]Framework, 0, len(batch))
	for _, f := range batch {
		if f.ID == "" {
			f.ID = uuid.NewString()
		}
		f.CreatedAt, f.UpdatedAt = now, now
		tags, err := marshalList(f.Tags)
		if err != nil {
			return nil, err
		}
		keywords, err := marshalList(f.Keywords)
		if err != nil {
			return nil, err
		}
		related, err := marshalList(f.RelatedFrameworks)
		if err != nil {
			return nil, err
		}
		q = q.Values(f.ID, f.Title, f.Author, f.Summary, f.UseWhen, tags, f.Example, keywords, f.Category, related, f.CreatedAt, f.UpdatedAt)
		out = append(out, f)
	}

	if _, err := exec(ctx, s.db, q, "insert frameworks"); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ClearFrameworks(ctx context.Context) (int64, error) {
	res, err := exec(ctx, s.db, s.sql.Delete("frameworks"), "clear frameworks")
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) ReplaceFrameworkEmbedding(ctx context.Context, frameworkID string, embedding []float32) error {
	raw, err := json.Marshal(embedding)
	if err != nil {
		return fmt.Errorf("marshal embedding: %w", err)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := exec(ctx, tx, s.sql.Delete("framework_embeddings").Where(sq.Eq{"framework_id": frameworkID}), "delete framework embedding"); err != nil {
			return err
		}
		q := s.sql.Insert("framework_embeddings").
			Columns("id", "framework_id", "embedding", "created_at").
			Values(uuid.NewString(), frameworkID, string(raw), s.now())
		_, err := exec(ctx, tx, q, "insert framework embedding")
		return err
	})
}

// InsertFrameworkEmbedding appends a row without replacing existing ones.
// An empty frameworkID is stored as NULL.
func (s *Store) InsertFrameworkEmbedding(ctx context.Context, frameworkID string, embedding []float32) (string, error) {
	raw, err := json.Marshal(embedding)
	if err != nil {
		return "", fmt.Errorf("marshal embedding: %w", err)
	}
	var fid any
	if frameworkID != "" {
		fid = frameworkID
	}
	id := uuid.NewString()
	q := s.sql.Insert("framework_embeddings").
		Columns("id", "framework_id", "embedding", "created_at").
		Values(id, fid, string(raw), s.now())
	if _, err := exec(ctx, s.db, q, "insert framework embedding"); err != nil {
		return "", err
	}
	return id, nil
}

// ListFrameworkEmbeddings returns every embedding row, oldest first.
func (s *Store) ListFrameworkEmbeddings(ctx context.Context) ([]FrameworkEmbedding, error) {
	q := s.sql.Select("id", "framework_id", "created_at").From("framework_embeddings")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list framework embeddings query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list framework embeddings: %w", err)
	}
	defer rows.Close()

	out := make([]FrameworkEmbedding, 0)
	for rows.Next() {
		var e FrameworkEmbedding
		var fid sql.NullString
		if err := rows.Scan(&e.ID, &fid, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan framework embedding: %w", err)
		}
		e.FrameworkID = fid.String
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) DeleteFrameworkEmbeddings(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := exec(ctx, s.db, s.sql.Delete("framework_embeddings").Where(sq.Eq{"id": ids}), "delete framework embeddings")
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) queryFrameworks(ctx context.Context, q sq.SelectBuilder) ([]Framework, error) {
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build frameworks query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query frameworks: %w", err)
	}
	defer rows.Close()

	out := make([]Framework, 0)
	for rows.Next() {
		var f Framework
		var tags, keywords, related string
		if err := rows.Scan(&f.ID, &f.Title, &f.Author, &f.Summary, &f.UseWhen, &tags, &f.Example, &keywords, &f.Category, &related, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan framework: %w", err)
		}
		f.Tags = unmarshalList(tags)
		f.Keywords = unmarshalList(keywords)
		f.RelatedFrameworks = unmarshalList(related)
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func marshalList(v []string) (string, error) {
	if v == nil {
		v = []string{}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal list: %w", err)
	}
	return string(raw), nil
}

func unmarshalList(raw string) []string {
	out := []string{}
	if raw == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return []string{}
	}
	return out
}
