package peer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/signlink/rtc/internal/media"
	"github.com/signlink/rtc/internal/signaling"
)

// IncomingCall is handed to the incoming-call callback when a remote user
// rings. Exactly one of Accept or Reject should be called; the Manager takes
// over once the caller's offer arrives.
type IncomingCall struct {
	CallID   string
	FromUser string
	CallType string

	m    *Manager
	once sync.Once
}

// Accept tells the caller to proceed. The actual session starts when the
// offer arrives.
func (c *IncomingCall) Accept() error {
	var err error
	c.once.Do(func() {
		c.m.markAccepted(c.CallID, c.FromUser)
		err = c.m.signaler.Send(signaling.Message{
			Kind:     signaling.KindCallAccepted,
			ToUserID: c.FromUser,
			CallID:   c.CallID,
		})
	})
	return err
}

// Reject declines the call.
func (c *IncomingCall) Reject(reason string) error {
	var err error
	c.once.Do(func() {
		err = c.m.signaler.Send(signaling.Message{
			Kind:     signaling.KindCallRejected,
			ToUserID: c.FromUser,
			CallID:   c.CallID,
			Reason:   reason,
		})
	})
	return err
}

type ManagerConfig struct {
	API        *webrtc.API
	ICEServers []webrtc.ICEServer
	Source     media.Source
	Signaler   Signaler

	// AnswerTimeout bounds both the ring (call-request to call-accepted) and
	// the offer/answer exchange.
	AnswerTimeout time.Duration

	Logger        *slog.Logger
	OnIncoming    func(*IncomingCall)
	OnStateChange func(callID string, change StateChange)
	OnRemoteTrack func(callID string, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
}

// outgoing tracks a call-request that has not been accepted yet.
type outgoing struct {
	remoteUserID string
	timer        *time.Timer
}

// accepted tracks a call this side said yes to while the caller's offer is
// still in flight. The timer gives up on callers that never deliver one.
type accepted struct {
	caller string
	timer  *time.Timer
}

// Manager multiplexes signaling messages onto call sessions. A message whose
// callId is unknown, or whose sender does not match the session's bound
// remote user, is dropped without side effects.
type Manager struct {
	cfg      ManagerConfig
	log      *slog.Logger
	signaler Signaler

	mu       sync.Mutex
	sessions map[string]*Session
	outgoing map[string]*outgoing
	accepted map[string]*accepted
}

func NewManager(cfg ManagerConfig) *Manager {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		cfg:      cfg,
		log:      log,
		signaler: cfg.Signaler,
		sessions: make(map[string]*Session),
		outgoing: make(map[string]*outgoing),
		accepted: make(map[string]*accepted),
	}
}

// Call rings remoteUserID and returns the new call's ID. Media is not
// touched until the remote side accepts; a ring that is neither accepted nor
// rejected within the answer timeout fails with "no answer".
func (m *Manager) Call(ctx context.Context, remoteUserID, callType string) (string, error) {
	if callType != signaling.CallTypeVideo && callType != signaling.CallTypeAudio {
		return "", fmt.Errorf("unsupported call type %q", callType)
	}
	callID := uuid.NewString()

	out := &outgoing{remoteUserID: remoteUserID}
	if m.cfg.AnswerTimeout > 0 {
		out.timer = time.AfterFunc(m.cfg.AnswerTimeout, func() {
			m.ringTimeout(callID)
		})
	}

	m.mu.Lock()
	m.outgoing[callID] = out
	m.mu.Unlock()

	err := m.signaler.Send(signaling.Message{
		Kind:     signaling.KindCallRequest,
		ToUserID: remoteUserID,
		CallID:   callID,
		CallType: callType,
	})
	if err != nil {
		m.dropOutgoing(callID)
		return "", err
	}

	m.log.Info("ringing", "call", callID, "remote", remoteUserID, "type", callType)
	return callID, nil
}

// End hangs up the given call from any state.
func (m *Manager) End(callID string) {
	m.mu.Lock()
	if out, ok := m.outgoing[callID]; ok {
		// Still ringing: withdraw the request so the remote UI stops.
		delete(m.outgoing, callID)
		if out.timer != nil {
			out.timer.Stop()
		}
		m.mu.Unlock()
		_ = m.signaler.Send(signaling.Message{
			Kind:     signaling.KindCallEnd,
			ToUserID: out.remoteUserID,
			CallID:   callID,
		})
		m.emitState(callID, StateChange{State: StateEnded})
		return
	}
	sess := m.sessions[callID]
	m.mu.Unlock()

	if sess != nil {
		sess.End()
	}
}

// Retry restarts a failed call attempt. Like placing a call it blocks
// through media acquisition, so interactive callers run it on its own
// goroutine.
func (m *Manager) Retry(ctx context.Context, callID string) error {
	m.mu.Lock()
	sess, ok := m.sessions[callID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("no call %s", callID)
	}
	return sess.Retry(ctx)
}

// Close hangs everything up: ringing calls are withdrawn, accepted calls
// whose offer never arrived are called off, and live sessions end with a
// call-end to the remote side.
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	type withdrawal struct{ callID, remote string }
	var withdrawals []withdrawal
	for id, out := range m.outgoing {
		if out.timer != nil {
			out.timer.Stop()
		}
		withdrawals = append(withdrawals, withdrawal{id, out.remoteUserID})
		delete(m.outgoing, id)
	}
	for id, acc := range m.accepted {
		if acc.timer != nil {
			acc.timer.Stop()
		}
		withdrawals = append(withdrawals, withdrawal{id, acc.caller})
		delete(m.accepted, id)
	}
	m.mu.Unlock()

	for _, w := range withdrawals {
		_ = m.signaler.Send(signaling.Message{
			Kind:     signaling.KindCallEnd,
			ToUserID: w.remote,
			CallID:   w.callID,
		})
		m.emitState(w.callID, StateChange{State: StateEnded})
	}
	for _, s := range sessions {
		s.End()
	}
}

// FailAll fails every attempt, ringing, accepted or established. Called
// when the realtime transport gives up reconnecting: with no signaling path
// there is nothing left to coordinate.
func (m *Manager) FailAll(cause string) {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	var stranded []string
	for id, out := range m.outgoing {
		if out.timer != nil {
			out.timer.Stop()
		}
		stranded = append(stranded, id)
		delete(m.outgoing, id)
	}
	for id, acc := range m.accepted {
		if acc.timer != nil {
			acc.timer.Stop()
		}
		stranded = append(stranded, id)
		delete(m.accepted, id)
	}
	m.mu.Unlock()

	for _, id := range stranded {
		m.emitState(id, StateChange{State: StateFailed, Cause: cause})
	}
	for _, s := range sessions {
		s.Fail(cause)
	}
}

// HandleMessage dispatches one relayed signaling message. It is the single
// entry point the transport's subscriptions feed.
func (m *Manager) HandleMessage(ctx context.Context, msg signaling.Message) {
	switch msg.Kind {
	case signaling.KindCallRequest:
		m.handleRequest(msg)
	case signaling.KindCallAccepted:
		m.handleAccepted(ctx, msg)
	case signaling.KindCallRejected:
		m.handleRejected(msg)
	case signaling.KindCallOffer:
		m.handleOffer(ctx, msg)
	case signaling.KindCallAnswer:
		m.withSession(msg, func(s *Session) {
			_ = s.HandleAnswer(*msg.SDP)
		})
	case signaling.KindICECandidate:
		m.withSession(msg, func(s *Session) {
			_ = s.HandleCandidate(*msg.Candidate)
		})
	case signaling.KindCallEnd:
		m.handleEnd(msg)
	}
}

func (m *Manager) handleRequest(msg signaling.Message) {
	if m.cfg.OnIncoming == nil {
		_ = m.signaler.Send(signaling.Message{
			Kind:     signaling.KindCallRejected,
			ToUserID: msg.FromUserID,
			CallID:   msg.CallID,
			Reason:   "busy",
		})
		return
	}
	m.cfg.OnIncoming(&IncomingCall{
		CallID:   msg.CallID,
		FromUser: msg.FromUserID,
		CallType: msg.CallType,
		m:        m,
	})
}

// handleAccepted starts the caller's session: the callee said yes, so now
// acquire media and send the offer.
func (m *Manager) handleAccepted(ctx context.Context, msg signaling.Message) {
	m.mu.Lock()
	out, ok := m.outgoing[msg.CallID]
	if !ok || out.remoteUserID != msg.FromUserID {
		m.mu.Unlock()
		m.log.Debug("dropping stray call-accepted", "call", msg.CallID, "from", msg.FromUserID)
		return
	}
	delete(m.outgoing, msg.CallID)
	if out.timer != nil {
		out.timer.Stop()
	}
	sess := m.newSessionLocked(msg.CallID, msg.FromUserID, true)
	m.mu.Unlock()

	go func() {
		_ = sess.Initiate(ctx)
	}()
}

func (m *Manager) handleRejected(msg signaling.Message) {
	m.mu.Lock()
	out, ok := m.outgoing[msg.CallID]
	if !ok || out.remoteUserID != msg.FromUserID {
		m.mu.Unlock()
		return
	}
	delete(m.outgoing, msg.CallID)
	if out.timer != nil {
		out.timer.Stop()
	}
	m.mu.Unlock()

	cause := "rejected"
	if msg.Reason != "" {
		cause = "rejected: " + msg.Reason
	}
	m.emitState(msg.CallID, StateChange{State: StateFailed, Cause: cause})
}

// handleOffer starts the callee's session, but only for a call this side
// explicitly accepted from this exact caller.
func (m *Manager) handleOffer(ctx context.Context, msg signaling.Message) {
	m.mu.Lock()
	acc, ok := m.accepted[msg.CallID]
	if !ok || acc.caller != msg.FromUserID {
		m.mu.Unlock()
		m.log.Debug("dropping unsolicited offer", "call", msg.CallID, "from", msg.FromUserID)
		return
	}
	if acc.timer != nil {
		acc.timer.Stop()
	}
	delete(m.accepted, msg.CallID)
	sess := m.newSessionLocked(msg.CallID, msg.FromUserID, false)
	m.mu.Unlock()

	offer := *msg.SDP
	go func() {
		_ = sess.AcceptOffer(ctx, offer)
	}()
}

func (m *Manager) handleEnd(msg signaling.Message) {
	m.mu.Lock()
	if out, ok := m.outgoing[msg.CallID]; ok && out.remoteUserID == msg.FromUserID {
		// Caller withdrew the ring.
		delete(m.outgoing, msg.CallID)
		if out.timer != nil {
			out.timer.Stop()
		}
		m.mu.Unlock()
		m.emitState(msg.CallID, StateChange{State: StateEnded})
		return
	}
	if acc, ok := m.accepted[msg.CallID]; ok && acc.caller == msg.FromUserID {
		// Caller called it off before sending the offer.
		if acc.timer != nil {
			acc.timer.Stop()
		}
		delete(m.accepted, msg.CallID)
		m.mu.Unlock()
		m.emitState(msg.CallID, StateChange{State: StateEnded})
		return
	}
	m.mu.Unlock()

	m.withSession(msg, func(s *Session) {
		s.HandleRemoteEnd()
	})
}

// withSession runs fn against the matching session, dropping messages whose
// callId is unknown or whose sender is not the session's remote user.
func (m *Manager) withSession(msg signaling.Message, fn func(*Session)) {
	m.mu.Lock()
	sess, ok := m.sessions[msg.CallID]
	m.mu.Unlock()
	if !ok || sess.RemoteUserID() != msg.FromUserID {
		m.log.Debug("dropping mismatched message", "kind", msg.Kind, "call", msg.CallID, "from", msg.FromUserID)
		return
	}
	fn(sess)
}

func (m *Manager) newSessionLocked(callID, remoteUserID string, caller bool) *Session {
	sess := NewSession(SessionConfig{
		CallID:        callID,
		RemoteUserID:  remoteUserID,
		Caller:        caller,
		API:           m.cfg.API,
		ICEServers:    m.cfg.ICEServers,
		Source:        m.cfg.Source,
		Signaler:      m.signaler,
		AnswerTimeout: m.cfg.AnswerTimeout,
		Logger:        m.cfg.Logger,
		OnStateChange: func(change StateChange) {
			// Failed sessions stay registered so Retry can revive them;
			// ended ones are gone for good.
			if change.State == StateEnded {
				m.dropSession(callID)
			}
			m.emitState(callID, change)
		},
		OnRemoteTrack: func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
			if m.cfg.OnRemoteTrack != nil {
				m.cfg.OnRemoteTrack(callID, track, receiver)
			}
		},
	})
	m.sessions[callID] = sess
	return sess
}

// Session returns the live session for callID, if any.
func (m *Manager) Session(callID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[callID]
	return sess, ok
}

func (m *Manager) markAccepted(callID, fromUser string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc := &accepted{caller: fromUser}
	if m.cfg.AnswerTimeout > 0 {
		acc.timer = time.AfterFunc(m.cfg.AnswerTimeout, func() {
			m.expireAccepted(callID)
		})
	}
	m.accepted[callID] = acc
}

// expireAccepted gives up on a caller whose offer never arrived after this
// side accepted.
func (m *Manager) expireAccepted(callID string) {
	m.mu.Lock()
	acc, ok := m.accepted[callID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.accepted, callID)
	m.mu.Unlock()

	m.log.Info("accepted call expired without an offer", "call", callID, "caller", acc.caller)
	m.emitState(callID, StateChange{State: StateFailed, Cause: "no offer"})
}

func (m *Manager) dropSession(callID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, callID)
}

func (m *Manager) dropOutgoing(callID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if out, ok := m.outgoing[callID]; ok {
		if out.timer != nil {
			out.timer.Stop()
		}
		delete(m.outgoing, callID)
	}
}

func (m *Manager) ringTimeout(callID string) {
	m.mu.Lock()
	out, ok := m.outgoing[callID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.outgoing, callID)
	m.mu.Unlock()

	// Withdraw the stale ring so the remote UI does not keep showing it.
	_ = m.signaler.Send(signaling.Message{
		Kind:     signaling.KindCallEnd,
		ToUserID: out.remoteUserID,
		CallID:   callID,
	})
	m.emitState(callID, StateChange{State: StateFailed, Cause: "no answer"})
}

func (m *Manager) emitState(callID string, change StateChange) {
	if m.cfg.OnStateChange != nil {
		m.cfg.OnStateChange(callID, change)
	}
}
