package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/signlink/rtc/internal/media"
	"github.com/signlink/rtc/internal/signaling"
)

// State is a call attempt's lifecycle position.
type State string

const (
	StateIdle           State = "idle"
	StateAcquiringMedia State = "acquiring-media"
	StateConnecting     State = "connecting"
	StateConnected      State = "connected"
	StateFailed         State = "failed"
	StateEnded          State = "ended"
)

// Terminal reports whether the attempt has stopped on its own. A failed
// attempt can still be restarted with Retry; an ended one cannot.
func (s State) Terminal() bool { return s == StateFailed || s == StateEnded }

// StateChange is delivered to the state callback on every transition.
// Cause is set when the new state is failed.
type StateChange struct {
	State State
	Cause string
}

// Signaler sends a directed message toward the remote peer. Implementations
// must be safe for concurrent use.
type Signaler interface {
	Send(msg signaling.Message) error
}

// SessionConfig carries everything a Session needs up front. CallID,
// RemoteUserID and Caller are immutable for the attempt's lifetime; messages
// that do not match them are dropped by the Manager before reaching the
// Session.
type SessionConfig struct {
	CallID       string
	RemoteUserID string
	Caller       bool

	API        *webrtc.API
	ICEServers []webrtc.ICEServer
	Source     media.Source
	Signaler   Signaler

	// AnswerTimeout bounds how long a caller waits in connecting for the
	// remote answer before giving up with a "no answer" failure.
	AnswerTimeout time.Duration

	Logger        *slog.Logger
	OnStateChange func(StateChange)
	OnRemoteTrack func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
}

type localSender struct {
	sender *webrtc.RTPSender
	track  webrtc.TrackLocal
}

// Session drives one call attempt. Methods may be called from any goroutine;
// a single mutex serializes state transitions. Media acquisition and
// description exchange happen outside the lock, and every such suspension is
// followed by an epoch check so that an End that raced the operation wins.
type Session struct {
	cfg SessionConfig
	log *slog.Logger

	mu    sync.Mutex
	state State
	cause string
	epoch int

	pc     *webrtc.PeerConnection
	stream media.Stream
	audio  []localSender
	video  []localSender

	// offer remembers the remote offer a callee attempt started from, so a
	// Retry can answer it again.
	offer *signaling.SDP

	remoteSet   bool
	pending     []webrtc.ICECandidateInit
	answerTimer *time.Timer
}

func NewSession(cfg SessionConfig) *Session {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		cfg:   cfg,
		log:   log.With("call", cfg.CallID, "remote", cfg.RemoteUserID),
		state: StateIdle,
	}
}

func (s *Session) CallID() string       { return s.cfg.CallID }
func (s *Session) RemoteUserID() string { return s.cfg.RemoteUserID }

// State returns the current state and, for failed, its cause.
func (s *Session) State() (State, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.cause
}

// Initiate runs the caller path: acquire local media, build the peer
// connection, and send the offer. Failures resolve into the failed state and
// are also returned for programmatic callers.
func (s *Session) Initiate(ctx context.Context) error {
	return s.start(ctx, nil)
}

// AcceptOffer runs the callee path: acquire local media, build the peer
// connection, apply the remote offer, and send the answer.
func (s *Session) AcceptOffer(ctx context.Context, offer signaling.SDP) error {
	return s.start(ctx, &offer)
}

// Retry restarts a failed attempt from scratch, back through media
// acquisition and a fresh offer or answer. Only a failed attempt can be
// retried; an ended one stays ended.
func (s *Session) Retry(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateFailed {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("retry only applies to a failed attempt (state %s)", state)
	}
	s.state = StateIdle
	s.cause = ""
	offer := s.offer
	s.mu.Unlock()

	return s.start(ctx, offer)
}

func (s *Session) start(ctx context.Context, offer *signaling.SDP) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return fmt.Errorf("call attempt already started (state %s)", s.state)
	}
	epoch := s.epoch
	if offer != nil {
		o := *offer
		s.offer = &o
	}
	s.setStateLocked(StateAcquiringMedia, "")
	s.mu.Unlock()

	stream, err := s.cfg.Source.Acquire(ctx)
	if err != nil && !errors.Is(err, media.ErrNoDevices) {
		return s.failIfCurrent(epoch, "media acquisition: "+err.Error())
	}
	// ErrNoDevices leaves stream nil: the call proceeds receive-only.

	s.mu.Lock()
	if !s.currentLocked(epoch) {
		s.mu.Unlock()
		// An End raced the acquisition; the media is ours to release.
		if stream != nil {
			_ = stream.Close()
		}
		return nil
	}
	s.stream = stream

	if err := s.buildPeerConnectionLocked(epoch); err != nil {
		s.mu.Unlock()
		return s.failIfCurrent(epoch, "peer connection: "+err.Error())
	}
	s.setStateLocked(StateConnecting, "")
	pc := s.pc
	s.mu.Unlock()

	if offer == nil {
		return s.sendOffer(epoch, pc)
	}
	return s.sendAnswer(epoch, pc, *offer)
}

func (s *Session) sendOffer(epoch int, pc *webrtc.PeerConnection) error {
	desc, err := pc.CreateOffer(nil)
	if err != nil {
		return s.failIfCurrent(epoch, "create offer: "+err.Error())
	}
	if err := pc.SetLocalDescription(desc); err != nil {
		return s.failIfCurrent(epoch, "set local description: "+err.Error())
	}

	s.mu.Lock()
	if !s.currentLocked(epoch) {
		s.mu.Unlock()
		return nil
	}
	if s.cfg.AnswerTimeout > 0 {
		s.answerTimer = time.AfterFunc(s.cfg.AnswerTimeout, func() {
			_ = s.failIfCurrent(epoch, "no answer")
		})
	}
	s.mu.Unlock()

	return s.send(signaling.Message{
		Kind:     signaling.KindCallOffer,
		ToUserID: s.cfg.RemoteUserID,
		CallID:   s.cfg.CallID,
		SDP:      signaling.SDPFromPion(*pc.LocalDescription()),
	})
}

func (s *Session) sendAnswer(epoch int, pc *webrtc.PeerConnection, offer signaling.SDP) error {
	remote, err := offer.ToPion()
	if err != nil {
		return s.failIfCurrent(epoch, "remote offer: "+err.Error())
	}
	if err := pc.SetRemoteDescription(remote); err != nil {
		return s.failIfCurrent(epoch, "set remote description: "+err.Error())
	}
	s.flushCandidates(epoch)

	desc, err := pc.CreateAnswer(nil)
	if err != nil {
		return s.failIfCurrent(epoch, "create answer: "+err.Error())
	}
	if err := pc.SetLocalDescription(desc); err != nil {
		return s.failIfCurrent(epoch, "set local description: "+err.Error())
	}

	return s.send(signaling.Message{
		Kind:     signaling.KindCallAnswer,
		ToUserID: s.cfg.RemoteUserID,
		CallID:   s.cfg.CallID,
		SDP:      signaling.SDPFromPion(*pc.LocalDescription()),
	})
}

// HandleAnswer applies the remote answer on the caller side and flushes any
// candidates that arrived ahead of it.
func (s *Session) HandleAnswer(answer signaling.SDP) error {
	s.mu.Lock()
	if s.state != StateConnecting {
		s.mu.Unlock()
		return nil
	}
	epoch := s.epoch
	if s.answerTimer != nil {
		s.answerTimer.Stop()
		s.answerTimer = nil
	}
	pc := s.pc
	s.mu.Unlock()

	remote, err := answer.ToPion()
	if err != nil {
		return s.failIfCurrent(epoch, "remote answer: "+err.Error())
	}
	if err := pc.SetRemoteDescription(remote); err != nil {
		return s.failIfCurrent(epoch, "set remote description: "+err.Error())
	}
	s.flushCandidates(epoch)
	return nil
}

// HandleCandidate applies a trickled remote candidate, queuing it when the
// remote description has not been applied yet. Early candidates are a normal
// race, never an error.
func (s *Session) HandleCandidate(c signaling.Candidate) error {
	init := c.ToPion()

	s.mu.Lock()
	if s.state.Terminal() || s.pc == nil || !s.remoteSet {
		if !s.state.Terminal() {
			s.pending = append(s.pending, init)
		}
		s.mu.Unlock()
		return nil
	}
	pc := s.pc
	s.mu.Unlock()

	if err := pc.AddICECandidate(init); err != nil {
		s.log.Warn("dropping bad remote candidate", "err", err)
	}
	return nil
}

// flushCandidates marks the remote description applied and replays queued
// candidates, exactly once each.
func (s *Session) flushCandidates(epoch int) {
	s.mu.Lock()
	if !s.currentLocked(epoch) {
		s.mu.Unlock()
		return
	}
	s.remoteSet = true
	queued := s.pending
	s.pending = nil
	pc := s.pc
	s.mu.Unlock()

	for _, init := range queued {
		if err := pc.AddICECandidate(init); err != nil {
			s.log.Warn("dropping queued remote candidate", "err", err)
		}
	}
}

// End tears the attempt down from any state, including mid-acquisition, and
// notifies the remote side best-effort. Calling it repeatedly is a no-op
// after the first call.
func (s *Session) End() {
	s.end(true)
}

// HandleRemoteEnd tears down in response to the remote side hanging up; no
// end message is echoed back.
func (s *Session) HandleRemoteEnd() {
	s.end(false)
}

func (s *Session) end(notifyRemote bool) {
	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return
	}
	wasFailed := s.state == StateFailed
	s.teardownLocked()
	s.setStateLocked(StateEnded, "")
	s.mu.Unlock()

	if notifyRemote && !wasFailed {
		_ = s.send(signaling.Message{
			Kind:     signaling.KindCallEnd,
			ToUserID: s.cfg.RemoteUserID,
			CallID:   s.cfg.CallID,
		})
	}
}

// SetAudioEnabled pauses or resumes outbound audio by swapping the track on
// its senders in place, keeping the negotiated m-lines intact. A no-op when
// no local audio was acquired.
func (s *Session) SetAudioEnabled(enabled bool) {
	s.setSendersEnabled(s.audioSenders(), enabled)
}

// SetVideoEnabled is the video counterpart of SetAudioEnabled.
func (s *Session) SetVideoEnabled(enabled bool) {
	s.setSendersEnabled(s.videoSenders(), enabled)
}

func (s *Session) audioSenders() []localSender {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audio
}

func (s *Session) videoSenders() []localSender {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.video
}

func (s *Session) setSendersEnabled(senders []localSender, enabled bool) {
	for _, ls := range senders {
		var track webrtc.TrackLocal
		if enabled {
			track = ls.track
		}
		if err := ls.sender.ReplaceTrack(track); err != nil {
			s.log.Warn("replace track", "enabled", enabled, "err", err)
		}
	}
}

// buildPeerConnectionLocked constructs the pion connection, attaches local
// tracks (or receive-only transceivers when there is no local media) and
// registers the callbacks that drive the state machine.
func (s *Session) buildPeerConnectionLocked(epoch int) error {
	pc, err := s.cfg.API.NewPeerConnection(webrtc.Configuration{ICEServers: s.cfg.ICEServers})
	if err != nil {
		return err
	}

	var tracks []webrtc.TrackLocal
	if s.stream != nil {
		tracks = s.stream.Tracks()
	}
	for _, track := range tracks {
		sender, err := pc.AddTrack(track)
		if err != nil {
			_ = pc.Close()
			return err
		}
		ls := localSender{sender: sender, track: track}
		switch track.Kind() {
		case webrtc.RTPCodecTypeAudio:
			s.audio = append(s.audio, ls)
		case webrtc.RTPCodecTypeVideo:
			s.video = append(s.video, ls)
		}
	}
	if len(tracks) == 0 {
		// Receive-only m-lines so negotiation still carries ICE credentials.
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
			if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			}); err != nil {
				_ = pc.Close()
				return err
			}
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		_ = s.send(signaling.Message{
			Kind:      signaling.KindICECandidate,
			ToUserID:  s.cfg.RemoteUserID,
			CallID:    s.cfg.CallID,
			Candidate: signaling.CandidateFromPion(c.ToJSON()),
		})
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		s.markConnected(epoch)
		if s.cfg.OnRemoteTrack != nil {
			s.cfg.OnRemoteTrack(track, receiver)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateConnected:
			s.markConnected(epoch)
		case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
			_ = s.failIfCurrent(epoch, "transport "+state.String())
		}
	})

	s.pc = pc
	return nil
}

// markConnected flips connecting to connected, whichever of first remote
// track or transport connected fires first.
func (s *Session) markConnected(epoch int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.currentLocked(epoch) || s.state != StateConnecting {
		return
	}
	if s.answerTimer != nil {
		s.answerTimer.Stop()
		s.answerTimer = nil
	}
	s.setStateLocked(StateConnected, "")
}

// Fail moves the attempt to failed regardless of what it is doing, releasing
// everything it holds. Used when the signaling transport itself is gone.
func (s *Session) Fail(cause string) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.teardownLocked()
	s.setStateLocked(StateFailed, cause)
	s.mu.Unlock()
}

// failIfCurrent moves the attempt to failed unless it has already moved on.
// It always returns an error carrying the cause, for callers that surface
// failures programmatically as well as through the state callback.
func (s *Session) failIfCurrent(epoch int, cause string) error {
	s.mu.Lock()
	if !s.currentLocked(epoch) || s.state.Terminal() {
		s.mu.Unlock()
		return nil
	}
	s.teardownLocked()
	s.setStateLocked(StateFailed, cause)
	s.mu.Unlock()
	return errors.New(cause)
}

// teardownLocked releases everything the attempt holds. Bumping the epoch
// invalidates every in-flight suspension and late pion callback.
func (s *Session) teardownLocked() {
	s.epoch++
	if s.answerTimer != nil {
		s.answerTimer.Stop()
		s.answerTimer = nil
	}
	if s.stream != nil {
		_ = s.stream.Close()
		s.stream = nil
	}
	if s.pc != nil {
		_ = s.pc.Close()
		s.pc = nil
	}
	s.audio = nil
	s.video = nil
	s.pending = nil
	s.remoteSet = false
}

func (s *Session) currentLocked(epoch int) bool {
	return s.epoch == epoch
}

func (s *Session) setStateLocked(state State, cause string) {
	if s.state == state {
		return
	}
	s.state = state
	s.cause = cause
	s.log.Info("call state", "state", state, "cause", cause)
	if s.cfg.OnStateChange != nil {
		change := StateChange{State: state, Cause: cause}
		go s.cfg.OnStateChange(change)
	}
}

func (s *Session) send(msg signaling.Message) error {
	if err := s.cfg.Signaler.Send(msg); err != nil {
		s.log.Warn("signaling send failed", "kind", msg.Kind, "err", err)
		return err
	}
	return nil
}
