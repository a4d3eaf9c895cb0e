package dispatch

import (
	"context"
	"errors"
	"strconv"

	"github.com/patrickmn/go-cache"
	"github.com/risa-org/gamelink/console"
	"github.com/risa-org/gamelink/host"
	"github.com/risa-org/gamelink/protocol"
)

const itemsKey = "items"

// Reachability answers testReachability.
type Reachability struct {
	Connectable bool    `json:"connectable"`
	Reason      *string `json:"reason"`
}

// PlayerSummary is one entry of getPlayers.
type PlayerSummary struct {
	GameID     string  `json:"gameId"`
	Name       string  `json:"name"`
	PlatformID string  `json:"platformId"`
	SteamID    *string `json:"steamId"`
}

// PlayerInfo answers getPlayer.
type PlayerInfo struct {
	GameID     string  `json:"gameId"`
	Name       string  `json:"name"`
	SteamID    *string `json:"steamId"`
	PlatformID string  `json:"platformId"`
	Online     bool    `json:"online"`
}

// MessageResult answers sendMessage.
type MessageResult struct {
	Success      bool   `json:"success"`
	MessagesSent int    `json:"messagesSent"`
	Error        string `json:"error,omitempty"`
}

// CommandResult answers executeCommand and executeConsoleCommand.
type CommandResult struct {
	Success   bool   `json:"success"`
	RawResult string `json:"rawResult"`
}

// KickResult answers kickPlayer.
type KickResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// InventoryItem is one entry of getPlayerInventory.
type InventoryItem struct {
	Code    string `json:"code"`
	Name    string `json:"name"`
	Amount  int    `json:"amount"`
	Quality string `json:"quality"`
}

// Location answers getPlayerLocation.
type Location struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Item is one entry of listItems.
type Item struct {
	Code        string `json:"code"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// MeteorInfo answers getMeteorInfo.
type MeteorInfo struct {
	CurrentWorldDays float64 `json:"currentWorldDays"`
	Error            string  `json:"error,omitempty"`
}

func (r *Router) registerActions() {
	r.Handle("testReachability", r.testReachability)
	r.Handle("getPlayers", r.getPlayers)
	r.Handle("sendMessage", r.sendMessage)
	r.Handle("executeCommand", r.executeCommand)
	r.Handle("executeConsoleCommand", r.executeCommand)
	r.Handle("kickPlayer", r.kickPlayer)
	r.Handle("getPlayer", r.getPlayer)
	r.Handle("getPlayerInventory", r.getPlayerInventory)
	r.Handle("getPlayerLocation", r.getPlayerLocation)
	r.Handle("listItems", r.listItems)
	r.Handle("getMeteorInfo", r.getMeteorInfo)
}

func (r *Router) testReachability(ctx context.Context, _ Args) (any, error) {
	return Reachability{Connectable: true}, nil
}

func (r *Router) getPlayers(ctx context.Context, _ Args) (any, error) {
	players, err := r.host.Online(ctx)
	if err != nil {
		return nil, &Fallback{Payload: []PlayerSummary{}, Err: err}
	}
	out := make([]PlayerSummary, 0, len(players))
	for _, p := range players {
		out = append(out, PlayerSummary{
			GameID:     p.ID,
			Name:       p.Name,
			PlatformID: platformID(p),
			SteamID:    protocol.NullableString(p.SteamID),
		})
	}
	return out, nil
}

// sendMessage reads the text from payload.message first, then from args.
func (r *Router) sendMessage(ctx context.Context, args Args) (any, error) {
	fail := func(msg string) (any, error) {
		return nil, &Fallback{Payload: MessageResult{Error: msg}, Err: errors.New(msg)}
	}

	var message string
	if direct := args.Payload("message"); direct.Exists() {
		message = direct.String()
	} else {
		switch {
		case args.Empty():
			return fail("Empty args provided")
		case !args.Valid():
			return fail("Invalid args JSON format")
		case !args.Get("message").Exists():
			return fail("No message property found")
		}
		message = args.String("message")
	}

	n, err := r.host.Broadcast(ctx, message)
	if err != nil {
		return fail(err.Error())
	}
	return MessageResult{Success: true, MessagesSent: n}, nil
}

func (r *Router) executeCommand(ctx context.Context, args Args) (any, error) {
	command := args.String("command")
	if command == "" {
		err := errors.New("no command provided")
		return nil, &Fallback{Payload: CommandResult{RawResult: "Error: " + err.Error()}, Err: err}
	}
	out, err := r.host.Execute(ctx, command)
	if err != nil {
		return nil, &Fallback{Payload: CommandResult{RawResult: "Error: " + err.Error()}, Err: err}
	}
	return CommandResult{Success: true, RawResult: out}, nil
}

func (r *Router) kickPlayer(ctx context.Context, args Args) (any, error) {
	reason := "Kicked by admin"
	if v := args.Get("reason"); v.Exists() && v.String() != "" {
		reason = v.String()
	}
	gameID := args.String("gameId")
	if err := r.host.Kick(ctx, gameID, reason); err != nil {
		return nil, &Fallback{Payload: KickResult{Error: err.Error()}, Err: err}
	}
	return KickResult{Success: true, Message: "Player kicked: " + reason}, nil
}

// getPlayer answers {"error": "Player not found"} through the generic
// error path, which is exactly what the control service expects.
func (r *Router) getPlayer(ctx context.Context, args Args) (any, error) {
	p, err := r.host.Find(ctx, args.String("gameId"))
	if err != nil {
		return nil, err
	}
	return PlayerInfo{
		GameID:     p.ID,
		Name:       p.Name,
		SteamID:    protocol.NullableString(p.SteamID),
		PlatformID: platformID(p),
		Online:     p.Online,
	}, nil
}

func (r *Router) getPlayerInventory(ctx context.Context, args Args) (any, error) {
	stacks, err := r.host.Inventory(ctx, args.String("gameId"))
	if err != nil {
		return nil, &Fallback{Payload: []InventoryItem{}, Err: err}
	}
	out := make([]InventoryItem, 0, len(stacks))
	for _, s := range stacks {
		out = append(out, InventoryItem{
			Code:    s.Code,
			Name:    s.Name,
			Amount:  s.Amount,
			Quality: strconv.FormatFloat(s.Quality, 'f', 0, 64),
		})
	}
	return out, nil
}

func (r *Router) getPlayerLocation(ctx context.Context, args Args) (any, error) {
	pos, err := r.host.Position(ctx, args.String("gameId"))
	if err != nil {
		return nil, &Fallback{Payload: Location{}, Err: err}
	}
	return Location{X: pos.X, Y: pos.Y, Z: pos.Z}, nil
}

func (r *Router) listItems(ctx context.Context, _ Args) (any, error) {
	if r.itemTTL > 0 {
		if cached, ok := r.items.Get(itemsKey); ok {
			return cached, nil
		}
	}

	defs, err := r.host.List(ctx)
	if err != nil {
		return nil, &Fallback{Payload: []Item{}, Err: err}
	}
	out := make([]Item, 0, len(defs))
	for _, d := range defs {
		desc := d.Description
		if desc == "" {
			desc = "An item of type " + d.Name
		}
		out = append(out, Item{Code: d.Code, Name: d.Name, Description: desc})
	}
	if r.itemTTL > 0 {
		r.items.Set(itemsKey, out, cache.DefaultExpiration)
	}
	return out, nil
}

func (r *Router) getMeteorInfo(ctx context.Context, _ Args) (any, error) {
	days, err := r.host.ElapsedDays(ctx)
	if err != nil {
		return nil, &Fallback{Payload: MeteorInfo{CurrentWorldDays: -1, Error: err.Error()}, Err: err}
	}
	if days < 0 {
		return MeteorInfo{CurrentWorldDays: -1}, nil
	}
	return MeteorInfo{CurrentWorldDays: console.RoundDays(days)}, nil
}

// InvalidateItems drops the cached item catalog.
func (r *Router) InvalidateItems() {
	r.items.Delete(itemsKey)
}

func platformID(p host.Player) string {
	if p.PlatformID != "" {
		return p.PlatformID
	}
	return protocol.PlatformID(p.ID)
}
