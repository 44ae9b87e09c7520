package coordinator

import (
	"encoding/json"
	"time"

	"github.com/wovenlab/callsig/internal/directory"
)

// DeclineReason explains why a call request was rejected before it became a
// call.
type DeclineReason string

const (
	DeclineBusy       DeclineReason = "busy"
	DeclineDeclined   DeclineReason = "decline"
	DeclineGone       DeclineReason = "leave"
	DeclineNotAllowed DeclineReason = "not_allowed"
)

// EndReason explains why an established call or a pending offer went away.
type EndReason string

const (
	EndHangUp EndReason = "hangup"
	EndCancel EndReason = "cancel"
	EndLeave  EndReason = "leave"
)

// Event is a notification pushed to one client or broadcast to all of them.
// The transport encodes the event under its EventType name.
type Event interface {
	EventType() string
}

// Notifier delivers events to clients. Implementations must not block: the
// coordinator dispatches fire-and-forget while holding its state lock, and a
// slow or vanished client must never stall an operation. Delivery failures
// are swallowed.
type Notifier interface {
	Send(connID string, ev Event)
	Broadcast(ev Event)
}

// UserInfo is the client-visible view of a user.
type UserInfo struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	ConnectionID string `json:"connectionId,omitempty"`
	Balance      int64  `json:"balance"`
	CanChat      bool   `json:"canChat"`
	Online       bool   `json:"online"`
}

func toUserInfo(u directory.User) UserInfo {
	return UserInfo{
		ID:           u.ID,
		Name:         u.Name,
		ConnectionID: u.ConnectionID,
		Balance:      u.Balance,
		CanChat:      u.CanChat,
		Online:       u.IsOnline(),
	}
}

// CallInfo is the client-visible view of an established call.
type CallInfo struct {
	ID        string    `json:"id"`
	Caller    UserInfo  `json:"caller"`
	Callee    UserInfo  `json:"callee"`
	Started   time.Time `json:"started"`
	Confirmed time.Time `json:"confirmed"`
}

// IncomingCall tells the callee someone wants to talk. From is the caller's
// connection id; answering references it directly.
type IncomingCall struct {
	From string `json:"from"`
}

func (IncomingCall) EventType() string { return "incoming_call" }

// CallAccepted tells the caller the callee picked up. From is the callee's
// connection id.
type CallAccepted struct {
	From string `json:"from"`
}

func (CallAccepted) EventType() string { return "call_accepted" }

// CallDeclined tells a party their call request will not become a call.
// Target, when set, names whose missing permission caused a not_allowed
// rejection.
type CallDeclined struct {
	User   *UserInfo     `json:"user,omitempty"`
	Reason DeclineReason `json:"reason"`
	Target *UserInfo     `json:"target,omitempty"`
}

func (CallDeclined) EventType() string { return "call_declined" }

// CallEnded tells a party that a pending offer or established call with User
// is over.
type CallEnded struct {
	User   *UserInfo `json:"user,omitempty"`
	Reason EndReason `json:"reason"`
}

func (CallEnded) EventType() string { return "call_ended" }

// CallAborted tells a call participant an operator force-ended the call.
// Distinct from CallEnded so clients can message it differently.
type CallAborted struct {
	User *UserInfo `json:"user,omitempty"`
}

func (CallAborted) EventType() string { return "call_aborted" }

// Signal carries an opaque negotiation payload between the two parties of an
// active call. The coordinator never looks inside Data.
type Signal struct {
	From string          `json:"from"`
	Data json.RawMessage `json:"data"`
}

func (Signal) EventType() string { return "signal" }

// OnlineUsers is the presence broadcast.
type OnlineUsers struct {
	Users []UserInfo `json:"users"`
}

func (OnlineUsers) EventType() string { return "online_users" }

// ActiveCalls is the call-list broadcast.
type ActiveCalls struct {
	Calls []CallInfo `json:"calls"`
}

func (ActiveCalls) EventType() string { return "calls" }

// AllUsers is the registry broadcast emitted after administrative updates.
type AllUsers struct {
	Users []UserInfo `json:"users"`
}

func (AllUsers) EventType() string { return "users" }
