package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/xid"
	"golang.org/x/crypto/bcrypt"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL COLLATE NOCASE UNIQUE,
	password_hash TEXT NOT NULL,
	balance       INTEGER NOT NULL DEFAULT 0,
	can_chat      INTEGER NOT NULL DEFAULT 1,
	is_admin      INTEGER NOT NULL DEFAULT 0,
	created_at    TIMESTAMP NOT NULL,
	updated_at    TIMESTAMP NOT NULL
);
`

// SQLite implements Store on a single sqlite database file (or ":memory:").
type SQLite struct {
	conn *sql.DB
}

var _ Store = (*SQLite)(nil)

func OpenSQLite(path string) (*SQLite, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: opening %q: %w", path, err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: pinging %q: %w", path, err)
	}

	// WAL lets presence reads proceed while an admin update is writing.
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: enabling WAL: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: enabling foreign keys: %w", err)
	}

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: applying schema: %w", err)
	}

	return &SQLite{conn: conn}, nil
}

func (s *SQLite) Close() error {
	return s.conn.Close()
}

func (s *SQLite) Create(ctx context.Context, name, password string, isAdmin bool) (UserRecord, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return UserRecord{}, errors.New("store: empty name")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return UserRecord{}, fmt.Errorf("store: hashing password: %w", err)
	}

	now := time.Now().UTC()
	rec := UserRecord{
		ID:           xid.New().String(),
		Name:         name,
		PasswordHash: string(hash),
		CanChat:      true,
		IsAdmin:      isAdmin,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	_, err = s.conn.ExecContext(ctx,
		`INSERT INTO users (id, name, password_hash, balance, can_chat, is_admin, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Name, rec.PasswordHash, rec.Balance, rec.CanChat, rec.IsAdmin, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return UserRecord{}, ErrNameTaken
		}
		return UserRecord{}, fmt.Errorf("store: inserting user %q: %w", name, err)
	}
	return rec, nil
}

func (s *SQLite) Authenticate(ctx context.Context, name, password string) (UserRecord, error) {
	rec, err := s.GetByName(ctx, name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Burn a comparison anyway so unknown names cost the same as
			// mismatched passwords.
			_ = bcrypt.CompareHashAndPassword([]byte("$2a$10$0123456789012345678901uW"), []byte(password))
			return UserRecord{}, ErrBadCredential
		}
		return UserRecord{}, err
	}
	if bcrypt.CompareHashAndPassword([]byte(rec.PasswordHash), []byte(password)) != nil {
		return UserRecord{}, ErrBadCredential
	}
	return rec, nil
}

func (s *SQLite) GetByID(ctx context.Context, id string) (UserRecord, error) {
	return s.getOne(ctx, `WHERE id = ?`, id)
}

func (s *SQLite) GetByName(ctx context.Context, name string) (UserRecord, error) {
	return s.getOne(ctx, `WHERE name = ?`, strings.TrimSpace(name))
}

func (s *SQLite) getOne(ctx context.Context, where string, arg any) (UserRecord, error) {
	var rec UserRecord
	err := s.conn.QueryRowContext(ctx,
		`SELECT id, name, password_hash, balance, can_chat, is_admin, created_at, updated_at
		 FROM users `+where, arg,
	).Scan(
		&rec.ID, &rec.Name, &rec.PasswordHash, &rec.Balance, &rec.CanChat, &rec.IsAdmin,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return UserRecord{}, ErrNotFound
		}
		return UserRecord{}, fmt.Errorf("store: querying user: %w", err)
	}
	return rec, nil
}

func (s *SQLite) List(ctx context.Context) ([]UserRecord, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT id, name, password_hash, balance, can_chat, is_admin, created_at, updated_at
		 FROM users ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("store: listing users: %w", err)
	}
	defer rows.Close()

	var out []UserRecord
	for rows.Next() {
		var rec UserRecord
		if err := rows.Scan(
			&rec.ID, &rec.Name, &rec.PasswordHash, &rec.Balance, &rec.CanChat, &rec.IsAdmin,
			&rec.CreatedAt, &rec.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("store: scanning user row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating users: %w", err)
	}
	return out, nil
}

func (s *SQLite) UpdateAdminFields(ctx context.Context, id string, balance int64, canChat bool) error {
	res, err := s.conn.ExecContext(ctx,
		`UPDATE users SET balance = ?, can_chat = ?, updated_at = ? WHERE id = ?`,
		balance, canChat, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("store: updating user %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected for user %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// EnsureUser creates the user if the name is unknown and returns the existing
// record otherwise. Used for seeding from the command line.
func EnsureUser(ctx context.Context, s Store, name, password string, isAdmin bool) (UserRecord, error) {
	rec, err := s.GetByName(ctx, name)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return UserRecord{}, err
	}
	rec, err = s.Create(ctx, name, password, isAdmin)
	if errors.Is(err, ErrNameTaken) {
		return s.GetByName(ctx, name)
	}
	return rec, err
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite reports constraint violations in the error text;
	// matching on the message avoids importing driver internals.
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
