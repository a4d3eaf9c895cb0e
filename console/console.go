// Package console interprets administrative command lines such as
// "kick bob griefing" against a host. Only say, list and kick need the
// core host interfaces; everything else is enabled when the target
// implements the matching optional interface below.
package console

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/risa-org/gamelink/host"
	"github.com/tidwall/gjson"
)

// Announcer sends a server-wide announcement, distinct from chat.
type Announcer interface {
	Announce(ctx context.Context, message string) (int, error)
}

// Notifier messages a single player.
type Notifier interface {
	Notify(ctx context.Context, query, message string) error
}

// Banner bans and unbans players.
type Banner interface {
	Ban(ctx context.Context, query, reason string) error
	Unban(ctx context.Context, query string) error
}

// Teleporter moves a player.
type Teleporter interface {
	Teleport(ctx context.Context, query string, to host.Position) error
}

// Giver adds items to a player's inventory.
type Giver interface {
	Give(ctx context.Context, query, item string, amount int) error
}

// Whitelister manages the whitelist.
type Whitelister interface {
	WhitelistAdd(ctx context.Context, query string) error
	WhitelistRemove(ctx context.Context, query string) error
	Whitelist(ctx context.Context) ([]string, error)
}

// Saver persists the world.
type Saver interface {
	Save(ctx context.Context) error
}

// Shutdowner stops the game server. Shutdown only starts the process;
// the command's answer must still reach the caller.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

// ErrItemNotFound is returned by a Giver for an unknown item code.
var ErrItemNotFound = errors.New("item not found")

// Target is the minimum an Interpreter needs.
type Target interface {
	host.Players
	host.Chat
	host.WorldClock
}

// Interpreter runs command lines against a Target.
type Interpreter struct {
	target Target
}

// New creates an interpreter for target.
func New(target Target) *Interpreter {
	return &Interpreter{target: target}
}

// Execute runs one command line and returns what an operator would see.
// Command failures are reported in the returned text; the error is only
// non-nil when ctx ends.
func (i *Interpreter) Execute(ctx context.Context, line string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	line = strings.TrimSpace(line)
	if strings.HasPrefix(line, "{") && strings.Contains(line, `"type"`) {
		if out, ok := i.executeJSON(ctx, line); ok {
			return out, nil
		}
	}

	parts := strings.Fields(line)
	if len(parts) == 0 {
		return "Invalid command", nil
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]
	rest := func(from int) string { return strings.Join(args[from:], " ") }

	switch cmd {
	case "say":
		if len(args) == 0 {
			return "Usage: say <message>", nil
		}
		n, err := i.target.Broadcast(ctx, rest(0))
		if err != nil {
			return "Error broadcasting message: " + err.Error(), nil
		}
		return fmt.Sprintf("Message sent to %d online players", n), nil

	case "announce":
		if len(args) == 0 {
			return "Usage: announce <message>", nil
		}
		a, ok := i.target.(Announcer)
		if !ok {
			return unsupported(cmd), nil
		}
		n, err := a.Announce(ctx, rest(0))
		if err != nil {
			return "Error sending announcement: " + err.Error(), nil
		}
		return fmt.Sprintf("Announcement sent to %d online players", n), nil

	case "notify":
		if len(args) < 2 {
			return "Usage: notify <player> <message>", nil
		}
		n, ok := i.target.(Notifier)
		if !ok {
			return unsupported(cmd), nil
		}
		if err := n.Notify(ctx, args[0], rest(1)); err != nil {
			return notFoundOr(err, args[0], "Error notifying player"), nil
		}
		return "Message sent to " + args[0], nil

	case "list":
		players, err := i.target.Online(ctx)
		if err != nil {
			return "Error getting players list", nil
		}
		names := make([]string, 0, len(players))
		for _, p := range players {
			names = append(names, p.Name)
		}
		return fmt.Sprintf("Online players (%d): %s", len(names), strings.Join(names, ", ")), nil

	case "kick":
		if len(args) == 0 {
			return "Usage: kick <player> [reason]", nil
		}
		reason := "Kicked by administrator"
		if len(args) > 1 {
			reason = rest(1)
		}
		if err := i.target.Kick(ctx, args[0], reason); err != nil {
			return notFoundOr(err, args[0], "Error kicking player"), nil
		}
		return fmt.Sprintf("Player %s kicked successfully", args[0]), nil

	case "ban":
		if len(args) == 0 {
			return "Usage: ban <player> [reason]", nil
		}
		b, ok := i.target.(Banner)
		if !ok {
			return unsupported(cmd), nil
		}
		reason := "Banned by administrator"
		if len(args) > 1 {
			reason = rest(1)
		}
		if err := b.Ban(ctx, args[0], reason); err != nil {
			return notFoundOr(err, args[0], "Error banning player"), nil
		}
		return fmt.Sprintf("Player %s banned successfully", args[0]), nil

	case "unban":
		if len(args) == 0 {
			return "Usage: unban <player>", nil
		}
		b, ok := i.target.(Banner)
		if !ok {
			return unsupported(cmd), nil
		}
		if err := b.Unban(ctx, args[0]); err != nil {
			return notFoundOr(err, args[0], "Error unbanning player"), nil
		}
		return fmt.Sprintf("Player %s unbanned successfully", args[0]), nil

	case "teleport", "tp":
		if len(args) < 4 {
			return "Usage: teleport <player> <x> <y> <z>", nil
		}
		tp, ok := i.target.(Teleporter)
		if !ok {
			return unsupported(cmd), nil
		}
		pos, err := parsePosition(args[1:4])
		if err != nil {
			return "Invalid coordinates. Must be numbers.", nil
		}
		if err := tp.Teleport(ctx, args[0], pos); err != nil {
			return notFoundOr(err, args[0], "Error teleporting player"), nil
		}
		return fmt.Sprintf("Teleported %s to coordinates (%s, %s, %s)", args[0], args[1], args[2], args[3]), nil

	case "give":
		if len(args) < 3 {
			return "Usage: give <player> <item> <amount>", nil
		}
		g, ok := i.target.(Giver)
		if !ok {
			return unsupported(cmd), nil
		}
		amount, err := strconv.Atoi(args[2])
		if err != nil || amount <= 0 {
			return "Invalid amount. Must be a positive number.", nil
		}
		if err := g.Give(ctx, args[0], args[1], amount); err != nil {
			if errors.Is(err, ErrItemNotFound) {
				return fmt.Sprintf("Item '%s' not found", args[1]), nil
			}
			return notFoundOr(err, args[0], "Error giving item"), nil
		}
		return fmt.Sprintf("Gave %d %s to %s", amount, args[1], args[0]), nil

	case "save":
		s, ok := i.target.(Saver)
		if !ok {
			return unsupported(cmd), nil
		}
		if err := s.Save(ctx); err != nil {
			return "Error saving world: " + err.Error(), nil
		}
		return "World save initiated successfully", nil

	case "shutdown":
		sd, ok := i.target.(Shutdowner)
		if !ok {
			return unsupported(cmd), nil
		}
		if err := sd.Shutdown(ctx); err != nil {
			return "Error initiating shutdown: " + err.Error(), nil
		}
		return "Server shutdown initiated", nil

	case "whitelist":
		return i.whitelist(ctx, args), nil

	default:
		return fmt.Sprintf("Unknown command: %s. Type 'help' for available commands.", cmd), nil
	}
}

func (i *Interpreter) whitelist(ctx context.Context, args []string) string {
	const usage = "Usage: whitelist <add|remove|list> [player]"
	if len(args) == 0 {
		return usage
	}
	w, ok := i.target.(Whitelister)
	if !ok {
		return unsupported("whitelist")
	}

	switch strings.ToLower(args[0]) {
	case "add":
		if len(args) < 2 {
			return usage
		}
		if err := w.WhitelistAdd(ctx, args[1]); err != nil {
			return notFoundOr(err, args[1], "Error adding to whitelist")
		}
		return fmt.Sprintf("Player %s added to whitelist", args[1])
	case "remove":
		if len(args) < 2 {
			return usage
		}
		if err := w.WhitelistRemove(ctx, args[1]); err != nil {
			return "Error removing from whitelist: " + err.Error()
		}
		return fmt.Sprintf("Player %s removed from whitelist", args[1])
	case "list":
		names, err := w.Whitelist(ctx)
		if err != nil {
			return "Error listing whitelist: " + err.Error()
		}
		return "Whitelist: " + strings.Join(names, ", ")
	default:
		return usage
	}
}

// executeJSON handles request frames pushed through the console, which
// some control-service modules do to read world time. Only getMeteorInfo
// is understood; anything else falls through to the plain parser.
func (i *Interpreter) executeJSON(ctx context.Context, line string) (string, bool) {
	if gjson.Get(line, "type").String() != "request" ||
		gjson.Get(line, "payload.action").String() != "getMeteorInfo" {
		return "", false
	}

	info := map[string]any{}
	days, err := i.target.ElapsedDays(ctx)
	if err != nil {
		info["currentWorldDays"] = -1
		info["error"] = err.Error()
	} else {
		info["currentWorldDays"] = RoundDays(days)
	}
	raw, _ := json.Marshal(info)
	return "METEOR_DATA:" + string(raw), true
}

// RoundDays rounds elapsed days to two decimals.
func RoundDays(days float64) float64 {
	v, _ := strconv.ParseFloat(strconv.FormatFloat(days, 'f', 2, 64), 64)
	return v
}

func parsePosition(parts []string) (host.Position, error) {
	var xyz [3]float64
	for n, s := range parts {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return host.Position{}, err
		}
		xyz[n] = v
	}
	return host.Position{X: xyz[0], Y: xyz[1], Z: xyz[2]}, nil
}

func notFoundOr(err error, player, prefix string) string {
	if errors.Is(err, host.ErrPlayerNotFound) {
		return fmt.Sprintf("Player %s not found or not online", player)
	}
	return prefix + ": " + err.Error()
}

func unsupported(cmd string) string {
	return fmt.Sprintf("Command '%s' is not supported by this server", cmd)
}
