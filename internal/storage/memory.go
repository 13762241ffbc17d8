package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

// UpsertMemory stores value under (client, user, key), replacing any
// previous value.
func (s *Store) UpsertMemory(ctx context.Context, e MemoryEntry) (MemoryEntry, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if len(e.Value) == 0 {
		e.Value = json.RawMessage("null")
	}
	e.UpdatedAt = s.now()

	q := s.sql.Insert("memory").
		Columns("id", "client_id", "user_id", "key", "value", "updated_at").
		Values(e.ID, e.ClientID, e.UserID, e.Key, string(e.Value), e.UpdatedAt).
		Suffix("ON CONFLICT(client_id, user_id, key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at")
	if _, err := exec(ctx, s.db, q, "upsert memory"); err != nil {
		return MemoryEntry{}, err
	}
	return s.GetMemory(ctx, e.ClientID, e.UserID, e.Key)
}

func (s *Store) GetMemory(ctx context.Context, clientID, userID, key string) (MemoryEntry, error) {
	q := s.sql.Select("id", "client_id", "user_id", "key", "value", "updated_at").
		From("memory").
		Where(sq.Eq{"client_id": clientID, "user_id": userID, "key": key})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return MemoryEntry{}, fmt.Errorf("build get memory query: %w", err)
	}

	e, err := scanMemory(s.db.QueryRowContext(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return MemoryEntry{}, ErrNotFound
		}
		return MemoryEntry{}, fmt.Errorf("get memory: %w", err)
	}
	return e, nil
}

func (s *Store) ListMemory(ctx context.Context, clientID, userID string) ([]MemoryEntry, error) {
	q := s.sql.Select("id", "client_id", "user_id", "key", "value", "updated_at").
		From("memory").
		Where(sq.Eq{"client_id": clientID, "user_id": userID}).
		OrderBy("updated_at DESC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list memory query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list memory: %w", err)
	}
	defer rows.Close()

	out := make([]MemoryEntry, 0)
	for rows.Next() {
		e, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) DeleteMemory(ctx context.Context, clientID, userID, key string) error {
	q := s.sql.Delete("memory").Where(sq.Eq{"client_id": clientID, "user_id": userID, "key": key})
	return s.execOne(ctx, q, "delete memory")
}

func scanMemory(row rowScanner) (MemoryEntry, error) {
	var e MemoryEntry
	var raw string
	if err := row.Scan(&e.ID, &e.ClientID, &e.UserID, &e.Key, &raw, &e.UpdatedAt); err != nil {
		return MemoryEntry{}, err
	}
	e.Value = json.RawMessage(raw)
	return e, nil
}
