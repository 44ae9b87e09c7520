// Package coordinator is the authoritative call-signaling state machine.
//
// It tracks who is online, mediates call invitations, enforces the busy
// invariant (one call or pending offer per user), and relays opaque
// negotiation payloads between the two parties of an active call. Every
// operation runs to completion under a single lock over the directory, the
// offer ledger, and the call set; notifications go out fire-and-forget
// through an injected Notifier.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/wovenlab/callsig/internal/directory"
	"github.com/wovenlab/callsig/internal/metrics"
	"github.com/wovenlab/callsig/internal/store"
)

var (
	// ErrNotRegistered is returned for operations from a connection that has
	// not completed login/join.
	ErrNotRegistered = errors.New("coordinator: connection not registered")

	// ErrNotAdmin is returned for administrative operations from ordinary
	// users.
	ErrNotAdmin = errors.New("coordinator: administrative permission required")
)

type Coordinator struct {
	log      *slog.Logger
	metrics  *metrics.Metrics
	notifier Notifier

	mu     sync.Mutex
	dir    *directory.Directory
	offers offerLedger
	calls  *callSet
}

// New constructs a Coordinator around its own state. Coordinators are
// independent: tests instantiate one per case with a fresh directory.
func New(dir *directory.Directory, notifier Notifier, logger *slog.Logger, m *metrics.Metrics) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		log:      logger,
		metrics:  m,
		notifier: notifier,
		dir:      dir,
		calls:    newCallSet(nil),
	}
}

// Login authenticates and binds connID to the resolved user. A second login
// for the same user tears the previous session down first (last login wins),
// and a connection that re-identifies as someone else sheds the old
// identity's offers and calls before the new one takes over.
func (c *Coordinator) Login(ctx context.Context, connID, name, password string) (UserInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	displaced, hadIdentity := c.dir.ByConnection(connID)

	u, prevConn, err := c.dir.Login(ctx, connID, name, password)
	if err != nil {
		c.metrics.Inc(metrics.EventLoginFailed)
		return UserInfo{}, err
	}
	if hadIdentity && displaced.ID != u.ID {
		c.teardownDisplacedLocked(displaced)
	}
	if prevConn != "" {
		c.teardownConnLocked(prevConn, u)
	}

	c.metrics.Inc(metrics.EventLogin)
	c.log.Info("user logged in", "user", u.Name, "conn", connID, "admin", u.IsAdmin)
	c.broadcastPresenceLocked()
	return toUserInfo(u), nil
}

// Join binds connID to an ephemeral user (credential-less variant).
func (c *Coordinator) Join(ctx context.Context, connID, name string) (UserInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	displaced, hadIdentity := c.dir.ByConnection(connID)

	u, prevConn, err := c.dir.Join(ctx, connID, name)
	if err != nil {
		return UserInfo{}, err
	}
	if hadIdentity && displaced.ID != u.ID {
		c.teardownDisplacedLocked(displaced)
	}
	if prevConn != "" {
		c.teardownConnLocked(prevConn, u)
	}

	c.metrics.Inc(metrics.EventJoin)
	c.log.Info("guest joined", "user", u.Name, "conn", connID)
	c.broadcastPresenceLocked()
	return toUserInfo(u), nil
}

// OnlineUsers lists call-eligible online users.
func (c *Coordinator) OnlineUsers() []UserInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return onlineInfosLocked(c.dir)
}

// Users lists the whole registry with session state. Administrative.
func (c *Coordinator) Users(ctx context.Context, connID string) ([]UserInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.requireAdminLocked(connID); err != nil {
		return nil, err
	}
	return c.allUserInfosLocked(ctx)
}

// Calls lists established calls. Administrative.
func (c *Coordinator) Calls(connID string) ([]CallInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.requireAdminLocked(connID); err != nil {
		return nil, err
	}
	return callInfosLocked(c.calls), nil
}

// CallUser proposes a call from the user behind callerConn to the user
// behind calleeConn. Rejections are delivered to the caller as declined
// notifications, never as errors.
func (c *Coordinator) CallUser(callerConn, calleeConn string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	caller, ok := c.dir.ByConnection(callerConn)
	if !ok {
		return ErrNotRegistered
	}

	callee, ok := c.dir.ByConnection(calleeConn)
	if !ok {
		// Callee vanished between the presence update and the click.
		c.declineLocked(callerConn, nil, DeclineGone, nil)
		return nil
	}

	// A duplicate request for a pair that already has a pending offer is a
	// no-op: exactly one offer per ordered pair, exactly one incoming-call
	// notification.
	if c.offers.has(caller, callee) {
		return nil
	}

	if c.busyLocked(callee) {
		c.declineLocked(callerConn, &callee, DeclineBusy, nil)
		return nil
	}
	if c.busyLocked(caller) {
		c.declineLocked(callerConn, &callee, DeclineBusy, &caller)
		return nil
	}
	if caller.IsAdmin || !caller.CanChat {
		c.declineLocked(callerConn, &callee, DeclineNotAllowed, &caller)
		return nil
	}
	if callee.IsAdmin || !callee.CanChat {
		c.declineLocked(callerConn, &callee, DeclineNotAllowed, &callee)
		return nil
	}

	if !c.offers.add(caller, callee) {
		return nil
	}
	c.metrics.Inc(metrics.EventOfferProposed)
	c.notifier.Send(calleeConn, IncomingCall{From: callerConn})
	return nil
}

// AnswerCall resolves the pending offer from the user behind callerConn to
// the user behind calleeConn. Stale answers (offer already gone) are benign.
func (c *Coordinator) AnswerCall(calleeConn, callerConn string, accept bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	callee, ok := c.dir.ByConnection(calleeConn)
	if !ok {
		return ErrNotRegistered
	}

	caller, ok := c.dir.ByConnection(callerConn)
	if !ok {
		// Caller disconnected while the phone was ringing. Their offers were
		// already reconciled on disconnect; just tell the callee.
		c.notifier.Send(calleeConn, CallEnded{Reason: EndLeave})
		return nil
	}

	if !c.offers.resolve(caller, callee) {
		// The caller gave up (or this is a duplicate answer). Not an error;
		// the call is simply over before it began.
		c.notifier.Send(calleeConn, CallEnded{User: infoPtr(caller), Reason: EndHangUp})
		return nil
	}

	if !accept {
		c.declineLocked(callerConn, &callee, DeclineDeclined, nil)
		return nil
	}

	// Busy re-check: either party may have entered another call between
	// proposal and answer.
	if _, busy := c.calls.byParticipant(caller); busy {
		c.declineLocked(calleeConn, &caller, DeclineBusy, nil)
		return nil
	}
	if _, busy := c.calls.byParticipant(callee); busy {
		c.declineLocked(callerConn, &callee, DeclineBusy, nil)
		return nil
	}

	// Entering a call cancels every other pending offer either party holds.
	for _, peer := range c.offers.cancelAllFor(caller) {
		c.notifier.Send(peer.ConnectionID, CallEnded{User: infoPtr(caller), Reason: EndCancel})
	}
	for _, peer := range c.offers.cancelAllFor(callee) {
		c.notifier.Send(peer.ConnectionID, CallEnded{User: infoPtr(callee), Reason: EndCancel})
	}

	call := c.calls.establish(caller, callee)
	c.metrics.Inc(metrics.EventCallEstablished)
	c.log.Info("call established", "call", call.ID, "caller", caller.Name, "callee", callee.Name)

	c.notifier.Send(callerConn, CallAccepted{From: calleeConn})
	c.broadcastPresenceLocked()
	c.broadcastCallsLocked()
	return nil
}

// HangUp ends the active call of the user behind connID, if any, and cancels
// their pending offers. A second hang-up racing the first finds nothing left
// and is a no-op.
func (c *Coordinator) HangUp(connID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	u, ok := c.dir.ByConnection(connID)
	if !ok {
		return ErrNotRegistered
	}

	callsChanged := false
	if call, ok := c.calls.byParticipant(u); ok {
		for _, p := range call.Users {
			if !directory.SameSession(p, u) {
				c.notifier.Send(p.ConnectionID, CallEnded{User: infoPtr(u), Reason: EndHangUp})
			}
		}
		c.calls.removeParticipant(call, u)
		c.metrics.Inc(metrics.EventCallEnded)
		callsChanged = true
	}

	for _, peer := range c.offers.cancelAllFor(u) {
		c.notifier.Send(peer.ConnectionID, CallEnded{User: infoPtr(u), Reason: EndCancel})
	}

	if callsChanged {
		c.broadcastCallsLocked()
	}
	c.broadcastPresenceLocked()
	return nil
}

// Leave is the client-initiated goodbye: teardown, unbind, broadcast. It is
// a no-op for administrative accounts, whose sessions end only on transport
// disconnect.
func (c *Coordinator) Leave(connID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	u, ok := c.dir.ByConnection(connID)
	if !ok {
		return nil
	}
	if u.IsAdmin {
		return nil
	}

	c.leaveLocked(u)
	return nil
}

// Disconnect is the transport-level safety net. It performs the same cleanup
// as Leave unconditionally: a vanished connection must never leave a
// dangling offer or call, no matter whose it was.
func (c *Coordinator) Disconnect(connID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	u, ok := c.dir.ByConnection(connID)
	if !ok {
		return
	}

	c.metrics.Inc(metrics.EventDisconnectCleanup)
	c.log.Debug("connection cleanup", "user", u.Name, "conn", connID)
	c.leaveLocked(u)
}

func (c *Coordinator) leaveLocked(u directory.User) {
	callsChanged := c.teardownUserLocked(u, EndLeave)
	c.dir.SetOffline(u.ConnectionID)

	if callsChanged {
		c.broadcastCallsLocked()
	}
	c.broadcastPresenceLocked()
}

// teardownDisplacedLocked reconciles offers and calls held by an identity
// whose connection just re-identified as someone else. The snapshot still
// carries the shared connection id, so session matching finds its entries.
func (c *Coordinator) teardownDisplacedLocked(displaced directory.User) {
	if c.teardownUserLocked(displaced, EndLeave) {
		c.broadcastCallsLocked()
	}
	c.log.Info("identity displaced", "user", displaced.Name, "conn", displaced.ConnectionID)
}

// teardownConnLocked reconciles offers and calls held under a connection id
// that was superseded by a new login for the same identity.
func (c *Coordinator) teardownConnLocked(prevConn string, u directory.User) {
	stale := u
	stale.ConnectionID = prevConn
	if c.teardownUserLocked(stale, EndLeave) {
		c.broadcastCallsLocked()
	}
}

// teardownUserLocked removes every call and offer involving u, notifying
// each counter-party with reason. Returns whether any call was removed.
func (c *Coordinator) teardownUserLocked(u directory.User, reason EndReason) bool {
	callsChanged := false
	for {
		call, ok := c.calls.byParticipant(u)
		if !ok {
			break
		}
		for _, p := range call.Users {
			if !directory.SameSession(p, u) {
				c.notifier.Send(p.ConnectionID, CallEnded{User: infoPtr(u), Reason: reason})
			}
		}
		c.calls.remove(call)
		c.metrics.Inc(metrics.EventCallEnded)
		callsChanged = true
	}

	for _, peer := range c.offers.cancelAllFor(u) {
		c.notifier.Send(peer.ConnectionID, CallEnded{User: infoPtr(u), Reason: reason})
	}
	return callsChanged
}

// SendSignal relays an opaque negotiation payload from the user behind
// fromConn to the user behind toConn, provided they share an active call.
// Anything else is dropped: no relay into someone else's call, no errors to
// exploit for probing.
func (c *Coordinator) SendSignal(fromConn, toConn string, payload json.RawMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	from, ok := c.dir.ByConnection(fromConn)
	if !ok {
		return ErrNotRegistered
	}
	to, ok := c.dir.ByConnection(toConn)
	if !ok {
		c.metrics.Inc(metrics.EventSignalRejected)
		return nil
	}

	call, ok := c.calls.byParticipant(from)
	if !ok || !call.has(to) {
		c.metrics.Inc(metrics.EventSignalRejected)
		c.log.Debug("signal outside active call dropped", "from", from.Name, "to", to.Name)
		return nil
	}

	c.metrics.Inc(metrics.EventSignalRelayed)
	c.notifier.Send(toConn, Signal{From: fromConn, Data: payload})
	return nil
}

// AbortCall force-ends the identified call. Administrative. Unknown ids are
// no-ops (the call may have just ended on its own).
func (c *Coordinator) AbortCall(connID, callID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	admin, err := c.requireAdminLocked(connID)
	if err != nil {
		return err
	}

	call, ok := c.calls.byID(callID)
	if !ok {
		return nil
	}
	c.abortLocked(call, admin)
	c.broadcastCallsLocked()
	return nil
}

// AbortAllCalls force-ends every call. Administrative.
func (c *Coordinator) AbortAllCalls(connID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	admin, err := c.requireAdminLocked(connID)
	if err != nil {
		return err
	}

	for _, call := range c.calls.list() {
		c.abortLocked(call, admin)
	}
	c.broadcastCallsLocked()
	return nil
}

func (c *Coordinator) abortLocked(call *Call, admin directory.User) {
	c.notifier.Send(call.Caller.ConnectionID, CallAborted{User: infoPtr(call.Callee)})
	c.notifier.Send(call.Callee.ConnectionID, CallAborted{User: infoPtr(call.Caller)})
	c.calls.remove(call)
	c.metrics.Inc(metrics.EventCallAborted)
	c.log.Info("call aborted by operator", "call", call.ID, "operator", admin.Name)
}

// UpdateUser mutates balance and calling permission. Administrative. The
// boolean mirrors the wire contract: false for unknown ids, errors only for
// permission and storage failures.
func (c *Coordinator) UpdateUser(ctx context.Context, connID, userID string, balance int64, canChat bool) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.requireAdminLocked(connID); err != nil {
		return false, err
	}

	if err := c.dir.AdminUpdate(ctx, userID, balance, canChat); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	if infos, err := c.allUserInfosLocked(ctx); err == nil {
		c.notifier.Broadcast(AllUsers{Users: infos})
	}
	return true, nil
}

func (c *Coordinator) requireAdminLocked(connID string) (directory.User, error) {
	u, ok := c.dir.ByConnection(connID)
	if !ok {
		return directory.User{}, ErrNotRegistered
	}
	if !u.IsAdmin {
		return directory.User{}, ErrNotAdmin
	}
	return u, nil
}

// busyLocked implements the busy rule: bound to an active call or an
// unresolved offer.
func (c *Coordinator) busyLocked(u directory.User) bool {
	if _, ok := c.calls.byParticipant(u); ok {
		return true
	}
	return c.offers.involves(u)
}

func (c *Coordinator) declineLocked(toConn string, from *directory.User, reason DeclineReason, target *directory.User) {
	c.metrics.Inc(metrics.EventOfferDeclined)
	ev := CallDeclined{Reason: reason}
	if from != nil {
		ev.User = infoPtr(*from)
	}
	if target != nil {
		ev.Target = infoPtr(*target)
	}
	c.notifier.Send(toConn, ev)
}

func (c *Coordinator) broadcastPresenceLocked() {
	c.notifier.Broadcast(OnlineUsers{Users: onlineInfosLocked(c.dir)})
}

func (c *Coordinator) broadcastCallsLocked() {
	c.notifier.Broadcast(ActiveCalls{Calls: callInfosLocked(c.calls)})
}

func (c *Coordinator) allUserInfosLocked(ctx context.Context) ([]UserInfo, error) {
	users, err := c.dir.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("coordinator: listing users: %w", err)
	}
	infos := make([]UserInfo, 0, len(users))
	for _, u := range users {
		if u.IsAdmin {
			continue
		}
		infos = append(infos, toUserInfo(u))
	}
	return infos, nil
}

func onlineInfosLocked(dir *directory.Directory) []UserInfo {
	online := dir.ListOnline()
	infos := make([]UserInfo, 0, len(online))
	for _, u := range online {
		infos = append(infos, toUserInfo(u))
	}
	return infos
}

func callInfosLocked(calls *callSet) []CallInfo {
	list := calls.list()
	infos := make([]CallInfo, 0, len(list))
	for _, call := range list {
		infos = append(infos, CallInfo{
			ID:        call.ID,
			Caller:    toUserInfo(call.Caller),
			Callee:    toUserInfo(call.Callee),
			Started:   call.Started,
			Confirmed: call.Confirmed,
		})
	}
	return infos
}

func infoPtr(u directory.User) *UserInfo {
	info := toUserInfo(u)
	return &info
}
