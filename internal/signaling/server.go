package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wovenlab/callsig/internal/auth"
	"github.com/wovenlab/callsig/internal/config"
	"github.com/wovenlab/callsig/internal/coordinator"
	"github.com/wovenlab/callsig/internal/directory"
	"github.com/wovenlab/callsig/internal/metrics"
	"github.com/wovenlab/callsig/internal/ratelimit"
)

// Wire error codes returned in result messages. Protocol violations close
// the connection instead.
const (
	wireErrAuthFailed      = "auth_failed"
	wireErrNameUnavailable = "name_unavailable"
	wireErrGuestsDisabled  = "guests_disabled"
	wireErrNotAllowed      = "not_allowed"
	wireErrInternal        = "internal"
)

// Server upgrades signaling WebSockets and drives one read loop per client.
//
// It enforces authentication (api_key/jwt) before the first coordinator
// operation, plus per-connection limits so an abusive client cannot hold an
// idle unauthenticated socket or flood the coordinator.
type Server struct {
	cfg      config.Config
	log      *slog.Logger
	metrics  *metrics.Metrics
	verifier auth.Verifier
	coord    *coordinator.Coordinator
	registry *Registry
	upgrader websocket.Upgrader
}

func NewServer(cfg config.Config, coord *coordinator.Coordinator, registry *Registry, logger *slog.Logger, m *metrics.Metrics) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var verifier auth.Verifier
	if cfg.AuthMode != config.AuthModeNone {
		v, err := auth.NewVerifier(cfg)
		if err != nil {
			return nil, err
		}
		verifier = v
	}

	return &Server{
		cfg:      cfg,
		log:      logger,
		metrics:  m,
		verifier: verifier,
		coord:    coord,
		registry: registry,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	authenticated := s.verifier == nil
	if !authenticated {
		if cred, err := auth.CredentialFromQuery(s.cfg.AuthMode, r.URL.Query()); err == nil {
			if err := s.verifier.Verify(cred); err != nil {
				writeClose(conn, websocket.ClosePolicyViolation, "invalid credentials")
				return
			}
			authenticated = true
		} else if !errors.Is(err, auth.ErrMissingCredentials) {
			writeClose(conn, websocket.CloseInternalServerErr, "invalid auth configuration")
			return
		}
	}

	connID := uuid.NewString()
	cl, err := s.registry.add(connID, conn)
	if err != nil {
		s.metrics.Inc(metrics.EventTooManyConnections)
		writeClose(conn, websocket.CloseTryAgainLater, "too many connections")
		return
	}
	defer func() {
		s.registry.remove(connID)
		s.coord.Disconnect(connID)
	}()

	if !authenticated {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.SignalingAuthTimeout))
	}

	limiter := ratelimit.NewTokenBucket(nil,
		int64(s.cfg.MaxSignalingMessagesPerSecond),
		int64(s.cfg.MaxSignalingMessagesPerSecond))

	for {
		msgType, msgReader, err := conn.NextReader()
		if err != nil {
			if !authenticated && isTimeout(err) {
				writeClose(conn, websocket.ClosePolicyViolation, "authentication timeout")
			}
			return
		}
		if msgType != websocket.TextMessage {
			writeClose(conn, websocket.CloseUnsupportedData, "expected text message")
			return
		}

		if !limiter.Allow(1) {
			s.metrics.Inc(metrics.EventRateLimited)
			writeClose(conn, websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		raw, err := readLimited(msgReader, s.cfg.MaxSignalingMessageBytes)
		if err != nil {
			if errors.Is(err, errMessageTooLarge) {
				writeClose(conn, websocket.CloseMessageTooBig, "message too large")
				return
			}
			writeClose(conn, websocket.CloseInternalServerErr, "failed to read message")
			return
		}

		msg, err := parseClientMessage(raw)
		if err != nil {
			writeClose(conn, websocket.CloseUnsupportedData, "invalid message")
			return
		}

		if !authenticated {
			if msg.Type != requestAuth {
				writeClose(conn, websocket.ClosePolicyViolation, "authentication required")
				return
			}
			cred, err := auth.CredentialFromAuthMessage(s.cfg.AuthMode, auth.WireAuthMessage{
				APIKey: msg.APIKey,
				Token:  msg.Token,
			})
			if err != nil {
				writeClose(conn, websocket.ClosePolicyViolation, "missing credentials")
				return
			}
			if err := s.verifier.Verify(cred); err != nil {
				writeClose(conn, websocket.ClosePolicyViolation, "invalid credentials")
				return
			}
			authenticated = true
			_ = conn.SetReadDeadline(time.Time{})
			s.reply(cl, serverMessage{Type: string(requestAuth)})
			continue
		}
		if msg.Type == requestAuth {
			// Re-authentication of a live connection is meaningless.
			writeClose(conn, websocket.ClosePolicyViolation, "already authenticated")
			return
		}

		if closing := s.dispatch(r.Context(), cl, connID, msg); closing {
			return
		}
	}
}

// dispatch runs one request against the coordinator and queues the direct
// result. It returns true when the connection must close.
func (s *Server) dispatch(ctx context.Context, cl *client, connID string, msg clientMessage) bool {
	switch msg.Type {
	case requestLogin:
		user, err := s.coord.Login(ctx, connID, msg.Name, msg.Password)
		if err != nil {
			if errors.Is(err, directory.ErrAuthFailed) {
				s.reply(cl, serverMessage{Type: string(requestLogin), Error: wireErrAuthFailed})
				return false
			}
			s.internalError(cl, string(requestLogin), err)
			return false
		}
		s.reply(cl, serverMessage{Type: string(requestLogin), Self: connID, User: &user})

	case requestJoin:
		user, err := s.coord.Join(ctx, connID, msg.Name)
		if err != nil {
			switch {
			case errors.Is(err, directory.ErrGuestsOff):
				s.reply(cl, serverMessage{Type: string(requestJoin), Error: wireErrGuestsDisabled})
			case errors.Is(err, directory.ErrNameReserved):
				s.reply(cl, serverMessage{Type: string(requestJoin), Error: wireErrNameUnavailable})
			default:
				s.internalError(cl, string(requestJoin), err)
			}
			return false
		}
		s.reply(cl, serverMessage{Type: string(requestJoin), Self: connID, User: &user})

	case requestOnlineUsers:
		s.reply(cl, serverMessage{Type: string(requestOnlineUsers), Users: s.coord.OnlineUsers()})

	case requestUsers:
		users, err := s.coord.Users(ctx, connID)
		if err != nil {
			return s.opError(cl, string(requestUsers), err)
		}
		s.reply(cl, serverMessage{Type: string(requestUsers), Users: users})

	case requestCalls:
		calls, err := s.coord.Calls(connID)
		if err != nil {
			return s.opError(cl, string(requestCalls), err)
		}
		s.reply(cl, serverMessage{Type: string(requestCalls), Calls: calls})

	case requestCall:
		if err := s.coord.CallUser(connID, msg.Target); err != nil {
			return s.opError(cl, string(requestCall), err)
		}

	case requestAnswer:
		if err := s.coord.AnswerCall(connID, msg.Target, *msg.Accept); err != nil {
			return s.opError(cl, string(requestAnswer), err)
		}

	case requestHangUp:
		if err := s.coord.HangUp(connID); err != nil {
			return s.opError(cl, string(requestHangUp), err)
		}

	case requestLeave:
		if err := s.coord.Leave(connID); err != nil {
			return s.opError(cl, string(requestLeave), err)
		}

	case requestSignal:
		if err := s.coord.SendSignal(connID, msg.Target, msg.Data); err != nil {
			return s.opError(cl, string(requestSignal), err)
		}

	case requestAbortCall:
		if err := s.coord.AbortCall(connID, msg.CallID); err != nil {
			return s.opError(cl, string(requestAbortCall), err)
		}

	case requestAbortAllCalls:
		if err := s.coord.AbortAllCalls(connID); err != nil {
			return s.opError(cl, string(requestAbortAllCalls), err)
		}

	case requestUpdateUser:
		updated, err := s.coord.UpdateUser(ctx, connID, msg.UserID, *msg.Balance, *msg.CanChat)
		if err != nil {
			return s.opError(cl, string(requestUpdateUser), err)
		}
		s.reply(cl, serverMessage{Type: string(requestUpdateUser), Updated: &updated})
	}
	return false
}

// opError translates coordinator errors into either a result message or a
// connection close. Operating before login/join is a protocol violation.
func (s *Server) opError(cl *client, reqType string, err error) bool {
	switch {
	case errors.Is(err, coordinator.ErrNotRegistered):
		writeClose(cl.conn, websocket.ClosePolicyViolation, "login required")
		return true
	case errors.Is(err, coordinator.ErrNotAdmin):
		s.reply(cl, serverMessage{Type: reqType, Error: wireErrNotAllowed})
		return false
	default:
		s.internalError(cl, reqType, err)
		return false
	}
}

func (s *Server) internalError(cl *client, reqType string, err error) {
	s.log.Error("request failed", "type", reqType, "conn", cl.connID, "err", err)
	s.reply(cl, serverMessage{Type: reqType, Error: wireErrInternal})
}

func (s *Server) reply(cl *client, msg serverMessage) {
	msg.Version = version1
	payload, err := json.Marshal(msg)
	if err != nil {
		s.log.Error("result encoding failed", "type", msg.Type, "err", err)
		return
	}
	s.registry.push(cl, payload)
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

var errMessageTooLarge = errors.New("message too large")

func readLimited(r io.Reader, max int64) ([]byte, error) {
	if max <= 0 {
		return nil, errMessageTooLarge
	}
	b, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > max {
		return nil, errMessageTooLarge
	}
	return b, nil
}
