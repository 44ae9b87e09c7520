package coordinator

import (
	"time"

	"github.com/google/uuid"

	"github.com/wovenlab/callsig/internal/directory"
)

// Call is an established two-party call. Caller/Callee record the roles the
// call was set up with; Users is the live participant pair and shrinks as
// parties detach.
type Call struct {
	ID        string
	Caller    directory.User
	Callee    directory.User
	Users     []directory.User
	Started   time.Time
	Confirmed time.Time
}

func (c *Call) has(u directory.User) bool {
	for _, p := range c.Users {
		if directory.SameSession(p, u) {
			return true
		}
	}
	return false
}

// callSet holds established calls. Not safe for concurrent use; the
// coordinator serializes access.
type callSet struct {
	calls []*Call
	now   func() time.Time
}

func newCallSet(now func() time.Time) *callSet {
	if now == nil {
		now = time.Now
	}
	return &callSet{now: now}
}

// establish creates and stores a call between caller and callee. The
// coordinator checks the busy invariant first; two calls sharing a
// participant is a logic error, not a recoverable state.
func (s *callSet) establish(caller, callee directory.User) *Call {
	ts := s.now().UTC()
	call := &Call{
		ID:        uuid.NewString(),
		Caller:    caller,
		Callee:    callee,
		Users:     []directory.User{caller, callee},
		Started:   ts,
		Confirmed: ts,
	}
	s.calls = append(s.calls, call)
	return call
}

func (s *callSet) byParticipant(u directory.User) (*Call, bool) {
	for _, c := range s.calls {
		if c.has(u) {
			return c, true
		}
	}
	return nil, false
}

func (s *callSet) byID(id string) (*Call, bool) {
	for _, c := range s.calls {
		if c.ID == id {
			return c, true
		}
	}
	return nil, false
}

// removeParticipant detaches u from the call and returns the remaining
// participant count. A call left with fewer than two participants is deleted
// in the same step; there is no half-call state.
func (s *callSet) removeParticipant(call *Call, u directory.User) int {
	kept := call.Users[:0]
	for _, p := range call.Users {
		if !directory.SameSession(p, u) {
			kept = append(kept, p)
		}
	}
	call.Users = kept

	if len(call.Users) < 2 {
		s.remove(call)
	}
	return len(call.Users)
}

func (s *callSet) remove(call *Call) {
	for i, c := range s.calls {
		if c == call {
			s.calls = append(s.calls[:i], s.calls[i+1:]...)
			return
		}
	}
}

func (s *callSet) list() []*Call {
	out := make([]*Call, len(s.calls))
	copy(out, s.calls)
	return out
}

func (s *callSet) len() int { return len(s.calls) }
