// Package directory maps live connection identifiers to user identities.
//
// It owns all session-state mutation for users: the coordinator asks the
// directory who a connection belongs to, and everything else (offers, calls)
// keeps non-owning references that are reconciled when a user goes offline.
package directory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/xid"

	"github.com/wovenlab/callsig/internal/store"
)

var (
	ErrAuthFailed   = errors.New("directory: authentication failed")
	ErrGuestsOff    = errors.New("directory: guest joins disabled")
	ErrNameReserved = errors.New("directory: name belongs to a registered user")
)

// User is a participant as seen by the coordinator: durable attributes from
// the registry plus the live session binding.
type User struct {
	ID           string
	Name         string
	ConnectionID string
	Balance      int64
	CanChat      bool
	IsAdmin      bool

	// Ephemeral users exist only while connected (join-by-name variant) and
	// are never written to the registry.
	Ephemeral bool
}

func (u User) IsOnline() bool { return u.ConnectionID != "" }

// SameSession reports whether two users are the same live session. Identity
// for call matching is the connection binding, not the durable id: the same
// account logged in twice is two distinct participants.
func SameSession(a, b User) bool {
	return a.ConnectionID != "" && a.ConnectionID == b.ConnectionID
}

// Directory is not safe for concurrent use. The coordinator serializes every
// operation that touches it alongside the offer ledger and the call set.
type Directory struct {
	registry    store.Store
	allowGuests bool

	users  map[string]*User  // user id -> session state
	byConn map[string]string // connection id -> user id
}

func New(registry store.Store, allowGuests bool) *Directory {
	return &Directory{
		registry:    registry,
		allowGuests: allowGuests,
		users:       make(map[string]*User),
		byConn:      make(map[string]string),
	}
}

// Login authenticates name+password and binds connID to the resolved user.
// If the user is already bound to another connection the new binding wins;
// the previous connection id is returned so the caller can tear it down.
func (d *Directory) Login(ctx context.Context, connID, name, password string) (User, string, error) {
	rec, err := d.registry.Authenticate(ctx, name, password)
	if err != nil {
		if errors.Is(err, store.ErrBadCredential) {
			return User{}, "", ErrAuthFailed
		}
		return User{}, "", fmt.Errorf("directory: login: %w", err)
	}

	u, ok := d.users[rec.ID]
	if !ok {
		u = &User{ID: rec.ID}
		d.users[rec.ID] = u
	}
	prevConn := u.ConnectionID

	u.Name = rec.Name
	u.Balance = rec.Balance
	u.CanChat = rec.CanChat
	u.IsAdmin = rec.IsAdmin
	u.Ephemeral = false

	d.bind(u, connID)
	if prevConn == connID {
		prevConn = ""
	}
	return *u, prevConn, nil
}

// Join binds connID to an ephemeral user named name, creating the record on
// first use. Re-joining an existing ephemeral name rebinds it (last join
// wins). Names of registered users are reserved.
func (d *Directory) Join(ctx context.Context, connID, name string) (User, string, error) {
	if !d.allowGuests {
		return User{}, "", ErrGuestsOff
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return User{}, "", errors.New("directory: empty name")
	}

	if _, err := d.registry.GetByName(ctx, name); err == nil {
		return User{}, "", ErrNameReserved
	} else if !errors.Is(err, store.ErrNotFound) {
		return User{}, "", fmt.Errorf("directory: join: %w", err)
	}

	for _, u := range d.users {
		if u.Ephemeral && strings.EqualFold(u.Name, name) {
			prevConn := u.ConnectionID
			d.bind(u, connID)
			if prevConn == connID {
				prevConn = ""
			}
			return *u, prevConn, nil
		}
	}

	u := &User{
		ID:        xid.New().String(),
		Name:      name,
		CanChat:   true,
		Ephemeral: true,
	}
	d.users[u.ID] = u
	d.bind(u, connID)
	return *u, "", nil
}

func (d *Directory) bind(u *User, connID string) {
	if u.ConnectionID != "" {
		delete(d.byConn, u.ConnectionID)
	}
	if prevID, ok := d.byConn[connID]; ok && prevID != u.ID {
		// The connection was bound to someone else (e.g. a guest re-logging
		// in as a registered user). That previous identity goes offline.
		if prev, ok := d.users[prevID]; ok {
			prev.ConnectionID = ""
			if prev.Ephemeral {
				delete(d.users, prevID)
			}
		}
	}
	u.ConnectionID = connID
	d.byConn[connID] = u.ID
}

// ByConnection resolves a live connection to its user.
func (d *Directory) ByConnection(connID string) (User, bool) {
	id, ok := d.byConn[connID]
	if !ok {
		return User{}, false
	}
	u, ok := d.users[id]
	if !ok {
		return User{}, false
	}
	return *u, true
}

// SetOffline clears the connection binding. Ephemeral records are destroyed;
// durable users persist and can log in again.
func (d *Directory) SetOffline(connID string) (User, bool) {
	id, ok := d.byConn[connID]
	if !ok {
		return User{}, false
	}
	delete(d.byConn, connID)

	u, ok := d.users[id]
	if !ok {
		return User{}, false
	}
	gone := *u
	u.ConnectionID = ""
	if u.Ephemeral {
		delete(d.users, id)
	}
	return gone, true
}

// ListOnline returns all call-eligible online users sorted by name.
// Administrative accounts are excluded.
func (d *Directory) ListOnline() []User {
	var out []User
	for _, u := range d.users {
		if u.IsOnline() && !u.IsAdmin {
			out = append(out, *u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ListAll returns every known user (registry plus connected guests) with
// current session state. Used by administrative listings.
func (d *Directory) ListAll(ctx context.Context) ([]User, error) {
	recs, err := d.registry.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("directory: listing users: %w", err)
	}

	out := make([]User, 0, len(recs))
	for _, rec := range recs {
		u := User{
			ID:      rec.ID,
			Name:    rec.Name,
			Balance: rec.Balance,
			CanChat: rec.CanChat,
			IsAdmin: rec.IsAdmin,
		}
		if live, ok := d.users[rec.ID]; ok {
			u.ConnectionID = live.ConnectionID
		}
		out = append(out, u)
	}
	for _, u := range d.users {
		if u.Ephemeral {
			out = append(out, *u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// AdminUpdate mutates balance and calling permission. It has no call-state
// side effects; the coordinator decides what to broadcast afterwards.
func (d *Directory) AdminUpdate(ctx context.Context, userID string, balance int64, canChat bool) error {
	err := d.registry.UpdateAdminFields(ctx, userID, balance, canChat)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Connected guests can be moderated too, they just have no row.
			if u, ok := d.users[userID]; ok && u.Ephemeral {
				u.Balance = balance
				u.CanChat = canChat
				return nil
			}
			return store.ErrNotFound
		}
		return fmt.Errorf("directory: admin update: %w", err)
	}
	if u, ok := d.users[userID]; ok {
		u.Balance = balance
		u.CanChat = canChat
	}
	return nil
}
