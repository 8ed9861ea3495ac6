// Package signaling contains the relay's WebSocket surface: the typed wire
// message model shared with the call client, and the server that routes call
// signaling and chat between online users.
//
// The relay holds no call state. Each connection is bound to a user identity
// by its first message (announce-online); after that the server forwards
// directed messages to the recipient's current connection, stamping the
// sender identity on the way through. Messages addressed to offline users
// are dropped silently and callers detect that through their own timeouts.
package signaling
