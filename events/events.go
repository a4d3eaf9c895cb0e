// Package events turns host happenings into gameEvent frames.
package events

import (
	"context"
	"strings"

	"github.com/risa-org/gamelink/host"
	"github.com/risa-org/gamelink/metrics"
	"github.com/risa-org/gamelink/protocol"
)

// DefaultCommandPrefix marks chat lines meant as commands.
const DefaultCommandPrefix = "!"

// TargetKind says where a chat message was sent.
type TargetKind int

const (
	TargetChannel TargetKind = iota // a named channel, including the public one
	TargetPlayer                    // a single player
)

// ChatTarget is the destination of a chat message. The zero value is the
// public channel.
type ChatTarget struct {
	Kind TargetKind
	Name string
}

// Event is something that happened in the host.
type Event interface {
	Kind() protocol.EventKind
	data() any
}

// PlayerConnected is emitted when a player joins.
type PlayerConnected struct {
	Player host.Player
}

// PlayerDisconnected is emitted when a player leaves.
type PlayerDisconnected struct {
	Player host.Player
}

// ChatMessage is emitted for every chat line, commands included.
type ChatMessage struct {
	Player host.Player
	Target ChatTarget
	Text   string
}

func (PlayerConnected) Kind() protocol.EventKind    { return protocol.EventPlayerConnected }
func (PlayerDisconnected) Kind() protocol.EventKind { return protocol.EventPlayerDisconnected }
func (ChatMessage) Kind() protocol.EventKind        { return protocol.EventChatMessage }

func (e PlayerConnected) data() any    { return protocol.PlayerEventData{Player: playerRef(e.Player)} }
func (e PlayerDisconnected) data() any { return protocol.PlayerEventData{Player: playerRef(e.Player)} }

func (e ChatMessage) data() any {
	return protocol.ChatData{
		Player: protocol.ChatPlayer{
			GameID:  e.Player.ID,
			Name:    e.Player.Name,
			SteamID: protocol.NullableString(e.Player.SteamID),
		},
		Channel: Classify(e.Target),
		Msg:     e.Text,
	}
}

// Classify maps a chat target to an event channel: a player target is a
// whisper, anything else is global.
func Classify(t ChatTarget) protocol.Channel {
	if t.Kind == TargetPlayer {
		return protocol.ChannelWhisper
	}
	return protocol.ChannelGlobal
}

// Frame builds the gameEvent frame for e.
func Frame(e Event) *protocol.GameEvent {
	return &protocol.GameEvent{Kind: e.Kind(), Data: e.data()}
}

// Sender writes frames; *sender.Sender satisfies it.
type Sender interface {
	Send(ctx context.Context, msg protocol.Message) error
}

// Emitter sends events over a Sender.
type Emitter struct {
	sender  Sender
	prefix  string
	metrics *metrics.Metrics
}

// Option configures an Emitter.
type Option func(*Emitter)

// WithCommandPrefix sets the prefix IsCommand looks for.
func WithCommandPrefix(prefix string) Option {
	return func(e *Emitter) { e.prefix = prefix }
}

// WithMetrics counts emitted events and tracks the online player gauge.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Emitter) { e.metrics = m }
}

// NewEmitter creates an emitter.
func NewEmitter(s Sender, opts ...Option) *Emitter {
	e := &Emitter{sender: s, prefix: DefaultCommandPrefix}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Emit sends e. It returns sender.ErrNotConnected, and sends nothing,
// unless the connection is identified.
func (e *Emitter) Emit(ctx context.Context, ev Event) error {
	e.Track(ev)
	if err := e.sender.Send(ctx, Frame(ev)); err != nil {
		return err
	}
	e.metrics.EventEmitted(string(ev.Kind()))
	return nil
}

// Track updates the online player gauge for ev without sending anything.
// Emit calls it; callers that drop an event before Emit call it directly
// so the gauge follows the host whether or not the link is up.
func (e *Emitter) Track(ev Event) {
	switch ev.(type) {
	case PlayerConnected:
		e.metrics.PlayerJoined()
	case PlayerDisconnected:
		e.metrics.PlayerLeft()
	}
}

// IsCommand reports whether a chat line starts with the command prefix.
func (e *Emitter) IsCommand(text string) bool {
	return e.prefix != "" && strings.HasPrefix(strings.TrimSpace(text), e.prefix)
}

// Prefix returns the command prefix.
func (e *Emitter) Prefix() string {
	return e.prefix
}

func playerRef(p host.Player) protocol.PlayerRef {
	platform := p.PlatformID
	if platform == "" {
		platform = protocol.PlatformID(p.ID)
	}
	return protocol.PlayerRef{
		GameID:     p.ID,
		Name:       p.Name,
		SteamID:    protocol.NullableString(p.SteamID),
		PlatformID: platform,
	}
}
