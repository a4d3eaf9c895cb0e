package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// asMap decodes a frame into a generic map so tests compare
// wire shapes rather than Go struct layouts.
func asMap(t *testing.T, frame []byte) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(frame, &m); err != nil {
		t.Fatalf("frame is not a JSON object: %v (%s)", err, frame)
	}
	return m
}

func TestEncodeIdentify(t *testing.T) {
	frame, err := Encode(&Identify{IdentityToken: "my-server", RegistrationToken: "secret"})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	want := map[string]any{
		"type": "identify",
		"payload": map[string]any{
			"identityToken":     "my-server",
			"registrationToken": "secret",
		},
	}
	if diff := cmp.Diff(want, asMap(t, frame)); diff != "" {
		t.Errorf("identify frame mismatch (-want +got):\n%s", diff)
	}
}

func TestEncodeResponseEchoesRequestID(t *testing.T) {
	frame, err := Encode(&Response{
		RequestID: "r1",
		Payload:   map[string]any{"connectable": true, "reason": nil},
	})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	want := map[string]any{
		"type":      "response",
		"requestId": "r1",
		"payload":   map[string]any{"connectable": true, "reason": nil},
	}
	if diff := cmp.Diff(want, asMap(t, frame)); diff != "" {
		t.Errorf("response frame mismatch (-want +got):\n%s", diff)
	}
}

func TestEncodeGameEventKeepsNulls(t *testing.T) {
	frame, err := Encode(&GameEvent{
		Kind: EventPlayerConnected,
		Data: PlayerEventData{Player: PlayerRef{
			GameID:     "42",
			Name:       "bob",
			PlatformID: PlatformID("42"),
		}},
	})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	want := map[string]any{
		"type": "gameEvent",
		"payload": map[string]any{
			"type": "player-connected",
			"data": map[string]any{
				"player": map[string]any{
					"gameId":               "42",
					"name":                 "bob",
					"steamId":              nil,
					"platformId":           "eco:42",
					"epicOnlineServicesId": nil,
					"xboxLiveId":           nil,
					"ip":                   nil,
					"ping":                 nil,
				},
			},
		},
	}
	if diff := cmp.Diff(want, asMap(t, frame)); diff != "" {
		t.Errorf("gameEvent frame mismatch (-want +got):\n%s", diff)
	}
}

func TestEncodeNilMessage(t *testing.T) {
	if _, err := Encode(nil); !errors.Is(err, ErrNilMessage) {
		t.Errorf("expected ErrNilMessage, got %v", err)
	}
}

func TestDecodeRequest(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"request","requestId":"r7","payload":{"action":"getPlayer","args":"{\"gameId\":\"alice\"}"}}`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	req, ok := msg.(*Request)
	if !ok {
		t.Fatalf("expected *Request, got %T", msg)
	}
	if req.ID != "r7" {
		t.Errorf("expected ID r7, got %q", req.ID)
	}
	if req.Action != "getPlayer" {
		t.Errorf("expected action getPlayer, got %q", req.Action)
	}
	if string(req.Args) != `"{\"gameId\":\"alice\"}"` {
		t.Errorf("args should stay raw, got %s", req.Args)
	}
}

func TestDecodeIdentifyResponse(t *testing.T) {
	tests := []struct {
		frame   string
		failed  bool
		errText string
	}{
		{`{"type":"identifyResponse","payload":{}}`, false, ""},
		{`{"type":"identifyResponse"}`, false, ""},
		{`{"type":"identifyResponse","payload":{"error":null}}`, false, ""},
		{`{"type":"identifyResponse","payload":{"error":"bad token"}}`, true, "bad token"},
		{`{"type":"identifyResponse","payload":{"error":{"code":401}}}`, true, `{"code":401}`},
	}

	for _, tt := range tests {
		msg, err := Decode([]byte(tt.frame))
		if err != nil {
			t.Fatalf("Decode(%s) failed: %v", tt.frame, err)
		}
		resp := msg.(*IdentifyResponse)
		if resp.Failed != tt.failed {
			t.Errorf("%s: expected Failed=%v, got %v", tt.frame, tt.failed, resp.Failed)
		}
		if resp.Error != tt.errText {
			t.Errorf("%s: expected error %q, got %q", tt.frame, tt.errText, resp.Error)
		}
	}
}

func TestDecodeUnknownType(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"connected"}`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	u, ok := msg.(*Unknown)
	if !ok {
		t.Fatalf("expected *Unknown, got %T", msg)
	}
	if u.MessageType() != TypeConnected {
		t.Errorf("expected type connected, got %q", u.MessageType())
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		frame  string
		reason string
	}{
		{`not json`, ReasonMalformed},
		{`[1,2,3]`, ReasonMalformed},
		{`{"payload":{}}`, ReasonMissingType},
		{`{"type":"request","payload":{"action":"x"}}`, ReasonMissingRequestID},
		{`{"type":"request","requestId":"r1","payload":"oops"}`, ReasonBadPayload},
	}

	for _, tt := range tests {
		_, err := Decode([]byte(tt.frame))
		var de *DecodeError
		if !errors.As(err, &de) {
			t.Errorf("%s: expected *DecodeError, got %v", tt.frame, err)
			continue
		}
		if de.Reason != tt.reason {
			t.Errorf("%s: expected reason %s, got %s", tt.frame, tt.reason, de.Reason)
		}
	}
}

func TestRequestRoundTrip(t *testing.T) {
	in := &Request{ID: "abc", Action: "kickPlayer", Args: json.RawMessage(`{"gameId":"7"}`)}
	frame, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	msg, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	out := msg.(*Request)
	if out.ID != in.ID || out.Action != in.Action || string(out.Args) != string(in.Args) {
		t.Errorf("round trip changed request: %+v -> %+v", in, out)
	}
}
