package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/pion/webrtc/v4"
)

// Kind identifies a signaling message on the wire.
type Kind string

const (
	// Client to relay only.
	KindAnnounceOnline Kind = "announce-online"

	// Relay to client only.
	KindPresenceSnapshot Kind = "presence-snapshot"
	KindPresenceChanged  Kind = "presence-changed"
	KindChatDelivered    Kind = "chat-delivered"
	KindError            Kind = "error"

	// Directed: relayed verbatim to toUserId with fromUserId stamped.
	KindCallRequest    Kind = "call-request"
	KindCallAccepted   Kind = "call-accepted"
	KindCallRejected   Kind = "call-rejected"
	KindCallOffer      Kind = "call-offer"
	KindCallAnswer     Kind = "call-answer"
	KindICECandidate   Kind = "ice-candidate"
	KindCallEnd        Kind = "call-end"
	KindChat           Kind = "chat"
	KindChatRead       Kind = "chat-read"
	KindTypingStart    Kind = "typing-start"
	KindTypingEnd      Kind = "typing-end"
	KindFriendRequest  Kind = "friend-request"
	KindFriendAccepted Kind = "friend-accepted"
)

// Directed reports whether messages of this kind carry a toUserId and are
// forwarded by the relay to another user's connection.
func (k Kind) Directed() bool {
	switch k {
	case KindCallRequest, KindCallAccepted, KindCallRejected,
		KindCallOffer, KindCallAnswer, KindICECandidate, KindCallEnd,
		KindChat, KindChatRead, KindTypingStart, KindTypingEnd,
		KindFriendRequest, KindFriendAccepted:
		return true
	}
	return false
}

// Presence values carried by presence-changed messages.
const (
	PresenceOnline  = "online"
	PresenceOffline = "offline"
)

// Call types carried by call-request messages.
const (
	CallTypeVideo = "video"
	CallTypeAudio = "audio"
)

// SDP is the JSON shape of a session description exchanged between peers.
type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SDPFromPion(desc webrtc.SessionDescription) *SDP {
	return &SDP{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func (s SDP) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

// Candidate is the JSON shape of a trickle ICE candidate.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) *Candidate {
	return &Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// Message is the single envelope used for every signaling frame. Kind decides
// which of the optional fields are meaningful; Validate enforces that.
//
// FromUserID and Timestamp are stamped by the relay on directed messages and
// ignored on input, so Validate never inspects them.
type Message struct {
	Kind       Kind   `json:"kind"`
	FromUserID string `json:"fromUserId,omitempty"`
	ToUserID   string `json:"toUserId,omitempty"`
	Timestamp  string `json:"timestamp,omitempty"`

	CallID    string     `json:"callId,omitempty"`
	CallType  string     `json:"callType,omitempty"`
	SDP       *SDP       `json:"sdp,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`

	UserID   string   `json:"userId,omitempty"`
	Username string   `json:"username,omitempty"`
	UserType string   `json:"userType,omitempty"`
	State    string   `json:"state,omitempty"`
	Users    []string `json:"users,omitempty"`

	MessageID string `json:"messageId,omitempty"`
	Content   string `json:"content,omitempty"`
	RequestID string `json:"requestId,omitempty"`

	Code   string `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// ParseMessage decodes a single JSON message, rejecting unknown fields,
// trailing data, and kind/field combinations that Validate disallows.
func ParseMessage(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return Message{}, err
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Message{}, fmt.Errorf("unexpected trailing data")
	}
	return msg, nil
}

// kindSpec lists which envelope fields a kind requires and which extra ones
// it tolerates. Everything else present on the message is an error.
type kindSpec struct {
	required []string
	optional []string
}

var kindSpecs = map[Kind]kindSpec{
	KindAnnounceOnline:   {required: []string{"userId"}, optional: []string{"username", "userType"}},
	KindPresenceSnapshot: {optional: []string{"users"}},
	KindPresenceChanged:  {required: []string{"userId", "state"}, optional: []string{"username", "userType"}},
	KindChatDelivered:    {required: []string{"messageId"}},
	KindError:            {required: []string{"code", "reason"}},

	KindCallRequest:    {required: []string{"toUserId", "callId", "callType"}},
	KindCallAccepted:   {required: []string{"toUserId", "callId"}},
	KindCallRejected:   {required: []string{"toUserId", "callId"}, optional: []string{"reason"}},
	KindCallOffer:      {required: []string{"toUserId", "callId", "sdp"}},
	KindCallAnswer:     {required: []string{"toUserId", "callId", "sdp"}},
	KindICECandidate:   {required: []string{"toUserId", "callId", "candidate"}},
	KindCallEnd:        {required: []string{"toUserId", "callId"}, optional: []string{"reason"}},
	KindChat:           {required: []string{"toUserId", "messageId", "content"}},
	KindChatRead:       {required: []string{"toUserId", "messageId"}},
	KindTypingStart:    {required: []string{"toUserId"}},
	KindTypingEnd:      {required: []string{"toUserId"}},
	KindFriendRequest:  {required: []string{"toUserId", "requestId"}, optional: []string{"username", "userType"}},
	KindFriendAccepted: {required: []string{"toUserId", "requestId"}, optional: []string{"username"}},
}

// Validate checks the kind-specific field rules plus the handful of value
// constraints (sdp type, presence state, call type) that matter for routing.
func (m Message) Validate() error {
	spec, ok := kindSpecs[m.Kind]
	if !ok {
		return fmt.Errorf("unsupported message kind %q", m.Kind)
	}

	present := m.presentFields()
	for _, f := range spec.required {
		if !present[f] {
			return fmt.Errorf("%s message missing %s", m.Kind, f)
		}
		delete(present, f)
	}
	for _, f := range spec.optional {
		delete(present, f)
	}
	if len(present) > 0 {
		extra := make([]string, 0, len(present))
		for f := range present {
			extra = append(extra, f)
		}
		sort.Strings(extra)
		return fmt.Errorf("%s message has unexpected field %q", m.Kind, extra[0])
	}

	switch m.Kind {
	case KindCallRequest:
		if m.CallType != CallTypeVideo && m.CallType != CallTypeAudio {
			return fmt.Errorf("call-request has callType=%q", m.CallType)
		}
	case KindCallOffer:
		if m.SDP.Type != "offer" {
			return fmt.Errorf("call-offer has sdp.type=%q", m.SDP.Type)
		}
	case KindCallAnswer:
		if m.SDP.Type != "answer" {
			return fmt.Errorf("call-answer has sdp.type=%q", m.SDP.Type)
		}
	case KindPresenceChanged:
		if m.State != PresenceOnline && m.State != PresenceOffline {
			return fmt.Errorf("presence-changed has state=%q", m.State)
		}
	}
	return nil
}

// presentFields returns the set of populated envelope fields, keyed by wire
// name. FromUserID and Timestamp are relay-stamped and deliberately omitted.
func (m Message) presentFields() map[string]bool {
	present := make(map[string]bool)
	add := func(name string, set bool) {
		if set {
			present[name] = true
		}
	}
	add("toUserId", m.ToUserID != "")
	add("callId", m.CallID != "")
	add("callType", m.CallType != "")
	add("sdp", m.SDP != nil)
	add("candidate", m.Candidate != nil)
	add("userId", m.UserID != "")
	add("username", m.Username != "")
	add("userType", m.UserType != "")
	add("state", m.State != "")
	add("users", m.Users != nil)
	add("messageId", m.MessageID != "")
	add("content", m.Content != "")
	add("requestId", m.RequestID != "")
	add("code", m.Code != "")
	add("reason", m.Reason != "")
	return present
}
