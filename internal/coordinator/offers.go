package coordinator

import "github.com/wovenlab/callsig/internal/directory"

// offer is a pending, unconfirmed invitation. The User snapshots keep the
// connection ids the offer was made under, so teardown after a rebind still
// matches the old session.
type offer struct {
	caller directory.User
	callee directory.User
}

// offerLedger holds pending invitations. Not safe for concurrent use; the
// coordinator serializes access.
type offerLedger struct {
	offers []offer
}

// has reports whether the ordered (caller, callee) pair has a pending offer.
func (l *offerLedger) has(caller, callee directory.User) bool {
	for _, o := range l.offers {
		if directory.SameSession(o.caller, caller) && directory.SameSession(o.callee, callee) {
			return true
		}
	}
	return false
}

// add records a pending offer. It returns false without recording anything
// when the ordered (caller, callee) pair already has one.
func (l *offerLedger) add(caller, callee directory.User) bool {
	if l.has(caller, callee) {
		return false
	}
	l.offers = append(l.offers, offer{caller: caller, callee: callee})
	return true
}

// involves reports whether u has any outstanding offer, as caller or callee.
func (l *offerLedger) involves(u directory.User) bool {
	for _, o := range l.offers {
		if directory.SameSession(o.caller, u) || directory.SameSession(o.callee, u) {
			return true
		}
	}
	return false
}

// resolve removes the pending (caller, callee) offer. A false return means
// the offer is stale: it was already cancelled, answered, or invalidated.
func (l *offerLedger) resolve(caller, callee directory.User) bool {
	for i, o := range l.offers {
		if directory.SameSession(o.caller, caller) && directory.SameSession(o.callee, callee) {
			l.offers = append(l.offers[:i], l.offers[i+1:]...)
			return true
		}
	}
	return false
}

// cancelAllFor removes every offer involving u and returns the counterparties
// so the coordinator can notify each of them.
func (l *offerLedger) cancelAllFor(u directory.User) []directory.User {
	var peers []directory.User
	kept := l.offers[:0]
	for _, o := range l.offers {
		switch {
		case directory.SameSession(o.caller, u):
			peers = append(peers, o.callee)
		case directory.SameSession(o.callee, u):
			peers = append(peers, o.caller)
		default:
			kept = append(kept, o)
		}
	}
	l.offers = kept
	return peers
}

func (l *offerLedger) len() int { return len(l.offers) }
