// Package protocol defines the frames exchanged with the control service
// and the JSON codec that moves them on and off the wire.
//
// Every frame is a JSON object with a top-level "type" discriminator.
// The codec is pure: no I/O, no shared state, safe for concurrent use.
package protocol

import "encoding/json"

// Type is the value of a frame's top-level "type" field.
type Type string

const (
	TypeIdentify         Type = "identify"
	TypeIdentifyResponse Type = "identifyResponse"
	TypeGameEvent        Type = "gameEvent"
	TypeRequest          Type = "request"
	TypeResponse         Type = "response"

	// TypeConnected is a courtesy notice some control services send once
	// the socket is accepted. It carries nothing the client acts on.
	TypeConnected Type = "connected"
)

// Message is implemented by every frame the codec understands.
type Message interface {
	MessageType() Type
}

// Identify is the first frame sent on every new socket.
// It is outbound only and sent exactly once per connection.
type Identify struct {
	IdentityToken     string
	RegistrationToken string
}

// IdentifyResponse is the control service's verdict on an Identify frame.
// A missing or null "error" field means the connection was accepted.
type IdentifyResponse struct {
	Failed bool
	Error  string // text of the error field, empty on success
}

// GameEvent is an outbound notification about something that happened
// in the host. Data is encoded as-is; on decode it holds json.RawMessage.
type GameEvent struct {
	Kind EventKind
	Data any
}

// Request is an inbound call from the control service.
// Args is kept raw because its shape depends on the action, and some
// services send it as a JSON-encoded string rather than an object.
type Request struct {
	ID      string
	Action  string
	Args    json.RawMessage
	Payload json.RawMessage // the whole payload object, for handlers that read beyond args
}

// Response answers exactly one Request and echoes its ID unmodified.
type Response struct {
	RequestID string
	Payload   any
}

// Unknown is any well-formed frame whose type the client does not act on,
// including the "connected" notice. The caller logs and ignores it.
type Unknown struct {
	Type    Type
	Payload json.RawMessage
}

func (*Identify) MessageType() Type         { return TypeIdentify }
func (*IdentifyResponse) MessageType() Type { return TypeIdentifyResponse }
func (*GameEvent) MessageType() Type        { return TypeGameEvent }
func (*Request) MessageType() Type          { return TypeRequest }
func (*Response) MessageType() Type         { return TypeResponse }
func (u *Unknown) MessageType() Type        { return u.Type }
