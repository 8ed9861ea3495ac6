// Package peer owns the client side of a call: the per-attempt Session state
// machine around a pion PeerConnection, and the Manager that maps signaling
// traffic onto sessions and exposes the two user intents, start call and
// end call.
//
// All signaling flows through a Signaler, so the package never touches the
// wire directly and tests can drive it with a loopback.
package peer
