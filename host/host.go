// Package host defines what the link needs from the game server it runs
// in. The client never reaches into host internals; every action and
// event goes through these interfaces.
package host

import (
	"context"
	"errors"
)

// ErrPlayerNotFound is returned by lookups for an unknown player.
// Its text is sent to the control service verbatim.
var ErrPlayerNotFound = errors.New("Player not found")

// Player is the public view of one player.
type Player struct {
	ID         string // host-native id, sent as gameId
	Name       string
	SteamID    string // empty when the player has no Steam account
	PlatformID string // empty means derive it from ID
	Online     bool
}

// ItemStack is one slot of a player's inventory.
type ItemStack struct {
	Code    string
	Name    string
	Amount  int
	Quality float64
}

// ItemDef is one entry of the item catalog.
type ItemDef struct {
	Code        string
	Name        string
	Description string
}

// Position is a point in the world.
type Position struct {
	X, Y, Z float64
}

// Players enumerates and manages connected players.
// Lookups match by name, then Steam id, then host id.
type Players interface {
	Online(ctx context.Context) ([]Player, error)
	Find(ctx context.Context, query string) (Player, error)
	Kick(ctx context.Context, query, reason string) error
	Inventory(ctx context.Context, query string) ([]ItemStack, error)
	Position(ctx context.Context, query string) (Position, error)
}

// Chat broadcasts to every connected player and returns how many got it.
type Chat interface {
	Broadcast(ctx context.Context, message string) (int, error)
}

// Console runs one administrative command and returns its text output.
type Console interface {
	Execute(ctx context.Context, command string) (string, error)
}

// ItemCatalog lists every item definition the server knows about.
type ItemCatalog interface {
	List(ctx context.Context) ([]ItemDef, error)
}

// WorldClock reads elapsed in-game time.
type WorldClock interface {
	ElapsedDays(ctx context.Context) (float64, error)
}

// Host is everything at once. Backends in store/ implement it.
type Host interface {
	Players
	Chat
	Console
	ItemCatalog
	WorldClock
}
