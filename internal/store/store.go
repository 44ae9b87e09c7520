// Package store is the durable user registry behind the directory.
//
// The registry holds registration-time identity (name, credential hash) and
// the administrative attributes (balance, calling permission). Session state
// such as connection bindings never touches the store.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("store: user not found")
	ErrNameTaken     = errors.New("store: name already registered")
	ErrBadCredential = errors.New("store: credential mismatch")
)

// UserRecord is a registered user as persisted.
type UserRecord struct {
	ID           string
	Name         string
	PasswordHash string
	Balance      int64
	CanChat      bool
	IsAdmin      bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Store interface {
	// Create registers a new user. The record's ID is assigned by the store.
	Create(ctx context.Context, name, password string, isAdmin bool) (UserRecord, error)

	// Authenticate resolves name+password to a record. Unknown names and
	// credential mismatches are both reported as ErrBadCredential so login
	// failures do not reveal which half was wrong.
	Authenticate(ctx context.Context, name, password string) (UserRecord, error)

	GetByID(ctx context.Context, id string) (UserRecord, error)
	GetByName(ctx context.Context, name string) (UserRecord, error)
	List(ctx context.Context) ([]UserRecord, error)

	// UpdateAdminFields sets balance and calling permission. Returns
	// ErrNotFound for unknown ids.
	UpdateAdminFields(ctx context.Context, id string, balance int64, canChat bool) error

	Close() error
}
