package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/wovenlab/callsig/internal/coordinator"
)

const (
	// version1 is the current signaling schema version.
	version1 = 1
)

type requestType string

const (
	requestAuth          requestType = "auth"
	requestLogin         requestType = "login"
	requestJoin          requestType = "join"
	requestOnlineUsers   requestType = "online_users"
	requestUsers         requestType = "users"
	requestCalls         requestType = "calls"
	requestCall          requestType = "call"
	requestAnswer        requestType = "answer"
	requestHangUp        requestType = "hangup"
	requestLeave         requestType = "leave"
	requestSignal        requestType = "signal"
	requestAbortCall     requestType = "abort_call"
	requestAbortAllCalls requestType = "abort_all_calls"
	requestUpdateUser    requestType = "update_user"
)

var errUnsupportedVersion = errors.New("signaling: unsupported version")

// clientMessage is the single request shape sent by clients. Type selects
// the operation; validate enforces that exactly the fields that operation
// needs are present.
type clientMessage struct {
	Version int         `json:"version"`
	Type    requestType `json:"type"`

	APIKey string `json:"apiKey,omitempty"`
	Token  string `json:"token,omitempty"`

	Name     string `json:"name,omitempty"`
	Password string `json:"password,omitempty"`

	// Target is the counterparty's connection id for call/answer/signal.
	Target string          `json:"target,omitempty"`
	Accept *bool           `json:"accept,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`

	CallID string `json:"callId,omitempty"`

	UserID  string `json:"userId,omitempty"`
	Balance *int64 `json:"balance,omitempty"`
	CanChat *bool  `json:"canChat,omitempty"`
}

func parseClientMessage(data []byte) (clientMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg clientMessage
	if err := dec.Decode(&msg); err != nil {
		return clientMessage{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return clientMessage{}, fmt.Errorf("unexpected trailing data")
	}
	if err := msg.validate(); err != nil {
		return clientMessage{}, err
	}
	return msg, nil
}

func (m clientMessage) validate() error {
	if m.Version != version1 {
		return fmt.Errorf("%w: %d", errUnsupportedVersion, m.Version)
	}
	switch m.Type {
	case requestAuth:
		if m.APIKey == "" && m.Token == "" {
			return fmt.Errorf("auth message missing apiKey/token")
		}
	case requestLogin:
		if m.Name == "" || m.Password == "" {
			return fmt.Errorf("login message missing name/password")
		}
	case requestJoin:
		if m.Name == "" {
			return fmt.Errorf("join message missing name")
		}
	case requestCall:
		if m.Target == "" {
			return fmt.Errorf("call message missing target")
		}
	case requestAnswer:
		if m.Target == "" {
			return fmt.Errorf("answer message missing target")
		}
		if m.Accept == nil {
			return fmt.Errorf("answer message missing accept")
		}
	case requestSignal:
		if m.Target == "" {
			return fmt.Errorf("signal message missing target")
		}
		if len(m.Data) == 0 {
			return fmt.Errorf("signal message missing data")
		}
	case requestAbortCall:
		if m.CallID == "" {
			return fmt.Errorf("abort_call message missing callId")
		}
	case requestUpdateUser:
		if m.UserID == "" {
			return fmt.Errorf("update_user message missing userId")
		}
		if m.Balance == nil || m.CanChat == nil {
			return fmt.Errorf("update_user message missing balance/canChat")
		}
	case requestOnlineUsers, requestUsers, requestCalls, requestHangUp, requestLeave, requestAbortAllCalls:
		// No payload.
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}

// serverMessage is the single shape pushed to clients, covering both direct
// request results and coordinator events. Type carries the event name for
// pushes and the request type for results.
type serverMessage struct {
	Version int    `json:"version"`
	Type    string `json:"type"`

	Error string `json:"error,omitempty"`

	// Self is the connection id assigned to the receiving client; sent with
	// login/join results so clients can recognize themselves in listings.
	Self string `json:"self,omitempty"`

	User    *coordinator.UserInfo  `json:"user,omitempty"`
	Users   []coordinator.UserInfo `json:"users,omitempty"`
	Calls   []coordinator.CallInfo `json:"calls,omitempty"`
	Updated *bool                  `json:"updated,omitempty"`

	Event json.RawMessage `json:"event,omitempty"`
}

// encodeEvent wraps a coordinator event for the wire.
func encodeEvent(ev coordinator.Event) ([]byte, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("signaling: encoding %s event: %w", ev.EventType(), err)
	}
	return json.Marshal(serverMessage{
		Version: version1,
		Type:    ev.EventType(),
		Event:   body,
	})
}
