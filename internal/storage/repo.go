package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

var ErrNotFound = errors.New("not found")

const userColumns = "id, email, plan, client_limit, stripe_customer_id, created_at, updated_at"

// EnsureUser creates the subscription record for email with plan none and
// limit 0 when it does not exist yet. Existing rows are left untouched.
func (s *Store) EnsureUser(ctx context.Context, id, email string) (User, error) {
	now := s.now()
	q := s.sql.Insert("users").
		Columns("id", "email", "plan", "client_limit", "stripe_customer_id", "created_at", "updated_at").
		Values(id, email, PlanNone, 0, "", now, now).
		Suffix("ON CONFLICT DO NOTHING")
	if _, err := exec(ctx, s.db, q, "ensure user"); err != nil {
		return User{}, err
	}
	return s.GetUserByEmail(ctx, email)
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (User, error) {
	q := s.sql.Select(userColumns).From("users").Where(sq.Eq{"email": email})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return User{}, fmt.Errorf("build get user query: %w", err)
	}

	var u User
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&u.ID, &u.Email, &u.Plan, &u.ClientLimit, &u.StripeCustomerID, &u.CreatedAt, &u.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// UpdateSubscription overwrites plan, limit and customer id for email.
func (s *Store) UpdateSubscription(ctx context.Context, email, plan string, clientLimit int, customerID string) error {
	q := s.sql.Update("users").
		Set("plan", plan).
		Set("client_limit", clientLimit).
		Set("stripe_customer_id", customerID).
		Set("updated_at", s.now()).
		Where(sq.Eq{"email": email})
	res, err := exec(ctx, s.db, q, "update subscription")
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

const clientColumns = "id, user_id, client_name, industry, audience, product_types, brand_tone_notes, created_at, updated_at"

func (s *Store) ListClients(ctx context.Context, userID string) ([]Client, error) {
	q := s.sql.Select(clientColumns).
		From("clients").
		Where(sq.Eq{"user_id": userID}).
		OrderBy("created_at DESC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list clients query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	defer rows.Close()

	out := make([]Client, 0)
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, fmt.Errorf("scan client: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetClient returns the client only when it belongs to userID. An empty
// userID skips the ownership filter.
func (s *Store) GetClient(ctx context.Context, userID, clientID string) (Client, error) {
	where := sq.Eq{"id": clientID}
	if userID != "" {
		where["user_id"] = userID
	}
	q := s.sql.Select(clientColumns).From("clients").Where(where)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Client{}, fmt.Errorf("build get client query: %w", err)
	}

	c, err := scanClient(s.db.QueryRowContext(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Client{}, ErrNotFound
		}
		return Client{}, fmt.Errorf("get client: %w", err)
	}
	return c, nil
}

func (s *Store) CountClients(ctx context.Context, userID string) (int, error) {
	return s.count(ctx, "clients", sq.Eq{"user_id": userID})
}

func (s *Store) CountChats(ctx context.Context, userID string) (int, error) {
	return s.count(ctx, "chat_history", sq.Eq{"user_id": userID})
}

func (s *Store) count(ctx context.Context, table string, where sq.Eq) (int, error) {
	q := s.sql.Select("COUNT(*)").From(table).Where(where)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build count %s query: %w", table, err)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

func (s *Store) InsertClient(ctx context.Context, c Client) (Client, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if len(c.BrandToneNotes) == 0 {
		c.BrandToneNotes = json.RawMessage("{}")
	}
	now := s.now()
	c.CreatedAt, c.UpdatedAt = now, now

	q := s.sql.Insert("clients").
		Columns("id", "user_id", "client_name", "industry", "audience", "product_types", "brand_tone_notes", "created_at", "updated_at").
		Values(c.ID, c.UserID, c.Name, c.Industry, c.Audience, c.ProductTypes, string(c.BrandToneNotes), c.CreatedAt, c.UpdatedAt)
	if _, err := exec(ctx, s.db, q, "insert client"); err != nil {
		return Client{}, err
	}
	return c, nil
}

func (s *Store) UpdateClient(ctx context.Context, c Client) (Client, error) {
	if len(c.BrandToneNotes) == 0 {
		c.BrandToneNotes = json.RawMessage("{}")
	}
	c.UpdatedAt = s.now()

	q := s.sql.Update("clients").
		Set("client_name", c.Name).
		Set("industry", c.Industry).
		Set("audience", c.Audience).
		Set("product_types", c.ProductTypes).
		Set("brand_tone_notes", string(c.BrandToneNotes)).
		Set("updated_at", c.UpdatedAt).
		Where(sq.Eq{"id": c.ID, "user_id": c.UserID})
	res, err := exec(ctx, s.db, q, "update client")
	if err != nil {
		return Client{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Client{}, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return Client{}, ErrNotFound
	}
	return s.GetClient(ctx, c.UserID, c.ID)
}

// DeleteClientCascade removes the client together with its project profile,
// chat history and memory in one transaction.
func (s *Store) DeleteClientCascade(ctx context.Context, userID, clientID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := exec(ctx, tx, s.sql.Delete("clients").Where(sq.Eq{"id": clientID, "user_id": userID}), "delete client")
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
		return s.deleteClientData(ctx, tx, []string{clientID})
	})
}

// DeleteUserData removes every row owned by the account: clients and their
// dependants, memory and the users record.
func (s *Store) DeleteUserData(ctx context.Context, userID, email string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		ids, err := s.clientIDs(ctx, tx, userID)
		if err != nil {
			return err
		}
		if err := s.deleteClientData(ctx, tx, ids); err != nil {
			return err
		}
		if _, err := exec(ctx, tx, s.sql.Delete("chat_history").Where(sq.Eq{"user_id": userID}), "delete user chats"); err != nil {
			return err
		}
		if _, err := exec(ctx, tx, s.sql.Delete("memory").Where(sq.Eq{"user_id": userID}), "delete user memory"); err != nil {
			return err
		}
		if _, err := exec(ctx, tx, s.sql.Delete("clients").Where(sq.Eq{"user_id": userID}), "delete user clients"); err != nil {
			return err
		}
		users := s.sql.Delete("users").Where(sq.Or{sq.Eq{"id": userID}, sq.Eq{"email": email}})
		if _, err := exec(ctx, tx, users, "delete user"); err != nil {
			return err
		}
		return nil
	})
}

func (s *Store) clientIDs(ctx context.Context, tx queryer, userID string) ([]string, error) {
	q := s.sql.Select("id").From("clients").Where(sq.Eq{"user_id": userID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build client ids query: %w", err)
	}
	rows, err := tx.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list client ids: %w", err)
	}
	defer rows.Close()

	out := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan client id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) deleteClientData(ctx context.Context, tx execer, clientIDs []string) error {
	if len(clientIDs) == 0 {
		return nil
	}
	for _, table := range []string{"project_profile", "chat_history", "memory"} {
		if _, err := exec(ctx, tx, s.sql.Delete(table).Where(sq.Eq{"client_id": clientIDs}), "delete "+table); err != nil {
			return err
		}
	}
	return nil
}

// ReplaceProjectProfile swaps the stored embedding for clientID.
func (s *Store) ReplaceProjectProfile(ctx context.Context, clientID string, embedding []float32) error {
	raw, err := json.Marshal(embedding)
	if err != nil {
		return fmt.Errorf("marshal embedding: %w", err)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := exec(ctx, tx, s.sql.Delete("project_profile").Where(sq.Eq{"client_id": clientID}), "delete project profile"); err != nil {
			return err
		}
		q := s.sql.Insert("project_profile").
			Columns("id", "client_id", "embedding", "created_at").
			Values(uuid.NewString(), clientID, string(raw), s.now())
		_, err := exec(ctx, tx, q, "insert project profile")
		return err
	})
}

func (s *Store) GetProjectProfile(ctx context.Context, clientID string) (ProjectProfile, error) {
	q := s.sql.Select("id", "client_id", "embedding", "created_at").
		From("project_profile").
		Where(sq.Eq{"client_id": clientID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return ProjectProfile{}, fmt.Errorf("build project profile query: %w", err)
	}

	var p ProjectProfile
	var raw string
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&p.ID, &p.ClientID, &raw, &p.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ProjectProfile{}, ErrNotFound
		}
		return ProjectProfile{}, fmt.Errorf("get project profile: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), &p.Embedding); err != nil {
		return ProjectProfile{}, fmt.Errorf("decode embedding: %w", err)
	}
	return p, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanClient(row rowScanner) (Client, error) {
	var c Client
	var notes string
	if err := row.Scan(&c.ID, &c.UserID, &c.Name, &c.Industry, &c.Audience, &c.ProductTypes, &notes, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return Client{}, err
	}
	if strings.TrimSpace(notes) == "" {
		notes = "{}"
	}
	c.BrandToneNotes = json.RawMessage(notes)
	return c, nil
}
