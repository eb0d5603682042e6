package ws

import "encoding/json"

// Reserved event names.
const (
	EventHandshake = "handshake"
	EventError     = "error"
)

// Frame is one message on the socket, in either direction.
//
//	event set, id nil:   push, no reply expected
//	event set, id set:   request, the peer replies with an ack carrying the same id
//	event empty, id set: ack
type Frame struct {
	ID    *int64          `json:"id,omitempty"`
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// IsAck reports whether f answers an earlier request.
func (f *Frame) IsAck() bool {
	return f.Event == "" && f.ID != nil
}

// HandshakeRequest is the data of the handshake event. The token travels in
// the payload, not in a header.
type HandshakeRequest struct {
	Token string `json:"token"`
}

// OkResponse is the standard ack payload. Version is only set on the
// handshake ack.
type OkResponse struct {
	OK      bool   `json:"ok"`
	Msg     string `json:"msg,omitempty"`
	Version string `json:"version,omitempty"`
}

// ErrorPayload is the data of an "error" push.
type ErrorPayload struct {
	Msg  string `json:"msg"`
	Code string `json:"code,omitempty"`
}
