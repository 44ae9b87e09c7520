package directory

import (
	"context"
	"errors"
	"testing"

	"github.com/wovenlab/callsig/internal/store"
)

func newTestDirectory(t *testing.T, allowGuests bool) (*Directory, store.Store) {
	t.Helper()
	s, err := store.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return New(s, allowGuests), s
}

func mustCreate(t *testing.T, s store.Store, name, password string, admin bool) store.UserRecord {
	t.Helper()
	rec, err := s.Create(context.Background(), name, password, admin)
	if err != nil {
		t.Fatalf("creating %s: %v", name, err)
	}
	return rec
}

func TestLoginBindsConnection(t *testing.T) {
	d, s := newTestDirectory(t, false)
	rec := mustCreate(t, s, "alice", "pw", false)

	u, prev, err := d.Login(context.Background(), "conn-1", "alice", "pw")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if prev != "" {
		t.Fatalf("prev=%q, want empty on first login", prev)
	}
	if u.ID != rec.ID || u.ConnectionID != "conn-1" || !u.IsOnline() {
		t.Fatalf("unexpected user after login: %+v", u)
	}

	got, ok := d.ByConnection("conn-1")
	if !ok || got.ID != rec.ID {
		t.Fatalf("ByConnection = %+v, %v", got, ok)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	d, s := newTestDirectory(t, false)
	mustCreate(t, s, "alice", "pw", false)

	if _, _, err := d.Login(context.Background(), "c", "alice", "wrong"); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("err=%v, want ErrAuthFailed", err)
	}
	if _, _, err := d.Login(context.Background(), "c", "nobody", "pw"); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("err=%v, want ErrAuthFailed", err)
	}
	if _, ok := d.ByConnection("c"); ok {
		t.Fatalf("failed login must not bind the connection")
	}
}

func TestReloginLastBindingWins(t *testing.T) {
	d, s := newTestDirectory(t, false)
	mustCreate(t, s, "alice", "pw", false)

	_, _, err := d.Login(context.Background(), "conn-old", "alice", "pw")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	u, prev, err := d.Login(context.Background(), "conn-new", "alice", "pw")
	if err != nil {
		t.Fatalf("relogin: %v", err)
	}
	if prev != "conn-old" {
		t.Fatalf("prev=%q, want conn-old", prev)
	}
	if u.ConnectionID != "conn-new" {
		t.Fatalf("ConnectionID=%q, want conn-new", u.ConnectionID)
	}
	if _, ok := d.ByConnection("conn-old"); ok {
		t.Fatalf("old connection must be unbound")
	}
}

func TestJoinEphemeral(t *testing.T) {
	d, _ := newTestDirectory(t, true)

	u, prev, err := d.Join(context.Background(), "conn-1", "guest")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if prev != "" || !u.Ephemeral || !u.CanChat {
		t.Fatalf("unexpected guest: %+v prev=%q", u, prev)
	}

	// Same name from another connection: last join wins, same identity.
	u2, prev, err := d.Join(context.Background(), "conn-2", "GUEST")
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if prev != "conn-1" {
		t.Fatalf("prev=%q, want conn-1", prev)
	}
	if u2.ID != u.ID {
		t.Fatalf("rejoin produced a different identity: %q vs %q", u2.ID, u.ID)
	}

	// Disconnecting a guest destroys the record.
	if _, ok := d.SetOffline("conn-2"); !ok {
		t.Fatalf("SetOffline found nothing")
	}
	u3, _, err := d.Join(context.Background(), "conn-3", "guest")
	if err != nil {
		t.Fatalf("join after offline: %v", err)
	}
	if u3.ID == u.ID {
		t.Fatalf("guest record must not survive disconnect")
	}
}

func TestJoinGuardRails(t *testing.T) {
	d, s := newTestDirectory(t, true)
	mustCreate(t, s, "alice", "pw", false)

	if _, _, err := d.Join(context.Background(), "c", "alice"); !errors.Is(err, ErrNameReserved) {
		t.Fatalf("err=%v, want ErrNameReserved", err)
	}
	if _, _, err := d.Join(context.Background(), "c", "  "); err == nil {
		t.Fatalf("empty name join succeeded")
	}

	dOff, _ := newTestDirectory(t, false)
	if _, _, err := dOff.Join(context.Background(), "c", "guest"); !errors.Is(err, ErrGuestsOff) {
		t.Fatalf("err=%v, want ErrGuestsOff", err)
	}
}

func TestSetOfflineDurableUserPersists(t *testing.T) {
	d, s := newTestDirectory(t, false)
	mustCreate(t, s, "alice", "pw", false)

	_, _, err := d.Login(context.Background(), "conn-1", "alice", "pw")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	gone, ok := d.SetOffline("conn-1")
	if !ok || gone.Name != "alice" {
		t.Fatalf("SetOffline = %+v, %v", gone, ok)
	}
	if _, ok := d.ByConnection("conn-1"); ok {
		t.Fatalf("connection still bound after SetOffline")
	}

	// The durable record is still there.
	if _, _, err := d.Login(context.Background(), "conn-2", "alice", "pw"); err != nil {
		t.Fatalf("relogin after offline: %v", err)
	}
}

func TestListOnlineExcludesAdminsAndSorts(t *testing.T) {
	d, s := newTestDirectory(t, false)
	mustCreate(t, s, "zoe", "pw", false)
	mustCreate(t, s, "adam", "pw", false)
	mustCreate(t, s, "root", "pw", true)

	for i, name := range []string{"zoe", "adam", "root"} {
		if _, _, err := d.Login(context.Background(), connID(i), name, "pw"); err != nil {
			t.Fatalf("login %s: %v", name, err)
		}
	}

	online := d.ListOnline()
	if len(online) != 2 {
		t.Fatalf("online=%d, want 2 (admin excluded)", len(online))
	}
	if online[0].Name != "adam" || online[1].Name != "zoe" {
		t.Fatalf("online not sorted by name: %+v", online)
	}
}

func TestAdminUpdate(t *testing.T) {
	d, s := newTestDirectory(t, true)
	rec := mustCreate(t, s, "alice", "pw", false)

	_, _, err := d.Login(context.Background(), "conn-1", "alice", "pw")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	if err := d.AdminUpdate(context.Background(), rec.ID, 99, false); err != nil {
		t.Fatalf("AdminUpdate: %v", err)
	}

	// Both the live session and the registry see the update.
	live, _ := d.ByConnection("conn-1")
	if live.Balance != 99 || live.CanChat {
		t.Fatalf("live session not updated: %+v", live)
	}
	stored, err := s.GetByID(context.Background(), rec.ID)
	if err != nil || stored.Balance != 99 || stored.CanChat {
		t.Fatalf("registry not updated: %+v err=%v", stored, err)
	}

	if err := d.AdminUpdate(context.Background(), "missing", 0, true); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err=%v, want store.ErrNotFound", err)
	}

	// Guests are moderated in memory only.
	guest, _, err := d.Join(context.Background(), "conn-2", "guest")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := d.AdminUpdate(context.Background(), guest.ID, 0, false); err != nil {
		t.Fatalf("AdminUpdate guest: %v", err)
	}
	liveGuest, _ := d.ByConnection("conn-2")
	if liveGuest.CanChat {
		t.Fatalf("guest still allowed to chat")
	}
}

func TestSameSession(t *testing.T) {
	a := User{ID: "u1", ConnectionID: "c1"}
	b := User{ID: "u2", ConnectionID: "c1"}
	c := User{ID: "u1", ConnectionID: "c2"}
	off := User{ID: "u1"}

	if !SameSession(a, b) {
		t.Fatalf("same connection must compare equal")
	}
	if SameSession(a, c) {
		t.Fatalf("different connections must not compare equal")
	}
	if SameSession(off, off) {
		t.Fatalf("offline users are never the same session")
	}
}

func connID(i int) string {
	return string(rune('a' + i))
}
