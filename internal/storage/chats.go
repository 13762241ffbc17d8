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

const chatColumns = "id, client_id, user_id, chat_name, messages, created_at, updated_at"

func (s *Store) CreateChat(ctx context.Context, c Chat) (Chat, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Messages == nil {
		c.Messages = []Message{}
	}
	raw, err := json.Marshal(c.Messages)
	if err != nil {
		return Chat{}, fmt.Errorf("marshal messages: %w", err)
	}
	now := s.now()
	c.CreatedAt, c.UpdatedAt = now, now

	q := s.sql.Insert("chat_history").
		Columns("id", "client_id", "user_id", "chat_name", "messages", "created_at", "updated_at").
		Values(c.ID, c.ClientID, c.UserID, c.Name, string(raw), c.CreatedAt, c.UpdatedAt)
	if _, err := exec(ctx, s.db, q, "create chat"); err != nil {
		return Chat{}, err
	}
	return c, nil
}

// ListChats returns the user's chats for one client, newest first.
func (s *Store) ListChats(ctx context.Context, userID, clientID string) ([]Chat, error) {
	q := s.sql.Select(chatColumns).
		From("chat_history").
		Where(sq.Eq{"client_id": clientID, "user_id": userID}).
		OrderBy("created_at DESC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list chats query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	out := make([]Chat, 0)
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) GetChat(ctx context.Context, userID, chatID string) (Chat, error) {
	return s.getChat(ctx, s.db, userID, chatID)
}

func (s *Store) getChat(ctx context.Context, db queryer, userID, chatID string) (Chat, error) {
	q := s.sql.Select(chatColumns).
		From("chat_history").
		Where(sq.Eq{"id": chatID, "user_id": userID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Chat{}, fmt.Errorf("build get chat query: %w", err)
	}

	c, err := scanChat(db.QueryRowContext(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Chat{}, ErrNotFound
		}
		return Chat{}, fmt.Errorf("get chat: %w", err)
	}
	return c, nil
}

func (s *Store) RenameChat(ctx context.Context, userID, chatID, name string) error {
	q := s.sql.Update("chat_history").
		Set("chat_name", name).
		Set("updated_at", s.now()).
		Where(sq.Eq{"id": chatID, "user_id": userID})
	return s.execOne(ctx, q, "rename chat")
}

func (s *Store) DeleteChat(ctx context.Context, userID, chatID string) error {
	q := s.sql.Delete("chat_history").Where(sq.Eq{"id": chatID, "user_id": userID})
	return s.execOne(ctx, q, "delete chat")
}

// AppendMessage adds msg to the end of the chat's message list. The read and
// the write share one transaction so concurrent appends are not lost.
func (s *Store) AppendMessage(ctx context.Context, userID, chatID string, msg Message) (Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now()
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		chat, err := s.getChat(ctx, tx, userID, chatID)
		if err != nil {
			return err
		}
		raw, err := json.Marshal(append(chat.Messages, msg))
		if err != nil {
			return fmt.Errorf("marshal messages: %w", err)
		}
		q := s.sql.Update("chat_history").
			Set("messages", string(raw)).
			Set("updated_at", s.now()).
			Where(sq.Eq{"id": chatID, "user_id": userID})
		_, err = exec(ctx, tx, q, "append message")
		return err
	})
	if err != nil {
		return Message{}, err
	}
	return msg, nil
}

func (s *Store) execOne(ctx context.Context, q sq.Sqlizer, what string) error {
	res, err := exec(ctx, s.db, q, what)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanChat(row rowScanner) (Chat, error) {
	var c Chat
	var raw string
	if err := row.Scan(&c.ID, &c.ClientID, &c.UserID, &c.Name, &raw, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return Chat{}, err
	}
	c.Messages = []Message{}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &c.Messages); err != nil {
			return Chat{}, fmt.Errorf("decode messages: %w", err)
		}
	}
	return c, nil
}
