package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Decode failure reasons. These end up in logs and in the
// decode error metric, so keep them short and stable.
const (
	ReasonMalformed        = "malformed"
	ReasonMissingType      = "missing_type"
	ReasonMissingRequestID = "missing_request_id"
	ReasonBadPayload       = "bad_payload"
)

// ErrNilMessage is returned by Encode when given a nil message.
var ErrNilMessage = errors.New("protocol: nil message")

// DecodeError reports a frame that could not be turned into a Message.
// It is never fatal: the read loop logs it, drops the frame and carries on.
type DecodeError struct {
	Reason string
	Err    error // underlying JSON error, if any
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode frame: %s: %v", e.Reason, e.Err)
	}
	return "decode frame: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

// envelope is the outer shape shared by every frame.
type envelope struct {
	Type      Type            `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type identifyPayload struct {
	IdentityToken     string `json:"identityToken"`
	RegistrationToken string `json:"registrationToken"`
}

type identifyResponsePayload struct {
	Error json.RawMessage `json:"error,omitempty"`
}

type gameEventPayload struct {
	Type EventKind `json:"type"`
	Data any       `json:"data"`
}

type requestPayload struct {
	Action string          `json:"action"`
	Args   json.RawMessage `json:"args,omitempty"`
}

// Encode turns a Message into a single text frame.
func Encode(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, ErrNilMessage
	}

	env := envelope{Type: msg.MessageType()}
	var payload any

	switch m := msg.(type) {
	case *Identify:
		payload = identifyPayload{
			IdentityToken:     m.IdentityToken,
			RegistrationToken: m.RegistrationToken,
		}
	case *IdentifyResponse:
		p := identifyResponsePayload{}
		if m.Failed {
			text, err := json.Marshal(m.Error)
			if err != nil {
				return nil, err
			}
			p.Error = text
		}
		payload = p
	case *GameEvent:
		payload = gameEventPayload{Type: m.Kind, Data: m.Data}
	case *Request:
		if m.ID == "" {
			return nil, fmt.Errorf("protocol: request without id")
		}
		env.RequestID = m.ID
		payload = requestPayload{Action: m.Action, Args: m.Args}
	case *Response:
		if m.RequestID == "" {
			return nil, fmt.Errorf("protocol: response without request id")
		}
		env.RequestID = m.RequestID
		payload = m.Payload
	case *Unknown:
		if m.Type == "" {
			return nil, fmt.Errorf("protocol: frame without type")
		}
		if len(m.Payload) > 0 {
			env.Payload = m.Payload
		}
		return json.Marshal(env)
	default:
		return nil, fmt.Errorf("protocol: cannot encode %T", msg)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s payload: %w", env.Type, err)
	}
	env.Payload = raw
	return json.Marshal(env)
}

// Decode parses one text frame. Any failure is a *DecodeError.
func Decode(frame []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, &DecodeError{Reason: ReasonMalformed, Err: err}
	}
	if env.Type == "" {
		return nil, &DecodeError{Reason: ReasonMissingType}
	}

	switch env.Type {
	case TypeIdentify:
		var p identifyPayload
		if err := decodePayload(env.Payload, &p); err != nil {
			return nil, err
		}
		return &Identify{IdentityToken: p.IdentityToken, RegistrationToken: p.RegistrationToken}, nil

	case TypeIdentifyResponse:
		var p identifyResponsePayload
		if err := decodePayload(env.Payload, &p); err != nil {
			return nil, err
		}
		resp := &IdentifyResponse{}
		if !isNull(p.Error) {
			resp.Failed = true
			resp.Error = rawText(p.Error)
		}
		return resp, nil

	case TypeGameEvent:
		var p struct {
			Type EventKind       `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		if err := decodePayload(env.Payload, &p); err != nil {
			return nil, err
		}
		return &GameEvent{Kind: p.Type, Data: p.Data}, nil

	case TypeRequest:
		if env.RequestID == "" {
			return nil, &DecodeError{Reason: ReasonMissingRequestID}
		}
		var p requestPayload
		if err := decodePayload(env.Payload, &p); err != nil {
			return nil, err
		}
		return &Request{
			ID:      env.RequestID,
			Action:  p.Action,
			Args:    p.Args,
			Payload: env.Payload,
		}, nil

	case TypeResponse:
		if env.RequestID == "" {
			return nil, &DecodeError{Reason: ReasonMissingRequestID}
		}
		return &Response{RequestID: env.RequestID, Payload: env.Payload}, nil

	default:
		return &Unknown{Type: env.Type, Payload: env.Payload}, nil
	}
}

// decodePayload unmarshals an object payload. A missing or null payload
// leaves dst at its zero value.
func decodePayload(raw json.RawMessage, dst any) error {
	if isNull(raw) {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return &DecodeError{Reason: ReasonBadPayload, Err: err}
	}
	return nil
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// rawText renders a JSON value as text: strings are unquoted,
// anything else is kept as its JSON source.
func rawText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(bytes.TrimSpace(raw))
}
