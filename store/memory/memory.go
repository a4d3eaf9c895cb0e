package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/risa-org/gamelink/console"
	"github.com/risa-org/gamelink/host"
)

// record is everything the store knows about one player.
type record struct {
	player    host.Player
	inventory []host.ItemStack
	position  host.Position
	inbox     []string
}

// State is a point-in-time copy of the whole world, used by the file
// backend to persist and restore.
type State struct {
	Players     []PlayerState     `json:"players"`
	Items       []host.ItemDef    `json:"items"`
	ElapsedDays float64           `json:"elapsed_days"`
	Bans        map[string]string `json:"bans"`
	Whitelist   []string          `json:"whitelist"`
}

// PlayerState is the persisted form of one player.
type PlayerState struct {
	Player    host.Player      `json:"player"`
	Inventory []host.ItemStack `json:"inventory"`
	Position  host.Position    `json:"position"`
}

// Store is a thread-safe in-process game world implementing host.Host.
// It backs the standalone daemon and tests.
// Nothing survives a restart; use store/file for that.
type Store struct {
	mu        sync.RWMutex
	players   map[string]*record // by host id
	items     map[string]host.ItemDef
	days      float64
	bans      map[string]string // player name -> reason
	whitelist map[string]struct{}
	chat      []string
	saves     int
	stopping  chan struct{}
	stopOnce  sync.Once

	onChange func()
	console  *console.Interpreter
}

// Option configures a Store.
type Option func(*Store)

// WithOnChange registers a function called after every mutation, outside
// the lock.
func WithOnChange(fn func()) Option {
	return func(s *Store) { s.onChange = fn }
}

// New creates an empty world.
func New(opts ...Option) *Store {
	s := &Store{
		players:   make(map[string]*record),
		items:     make(map[string]host.ItemDef),
		bans:      make(map[string]string),
		whitelist: make(map[string]struct{}),
		stopping:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.console = console.New(s)
	return s
}

// Join marks a player online, creating them on first sight.
// Banned players are refused with an error.
func (s *Store) Join(p host.Player) error {
	s.mu.Lock()
	if reason, banned := s.bans[strings.ToLower(p.Name)]; banned {
		s.mu.Unlock()
		return fmt.Errorf("player %s is banned: %s", p.Name, reason)
	}
	p.Online = true
	if r, ok := s.players[p.ID]; ok {
		r.player = p
	} else {
		s.players[p.ID] = &record{player: p}
	}
	s.mu.Unlock()
	s.changed()
	return nil
}

// Leave marks a player offline. Their inventory and position are kept.
func (s *Store) Leave(id string) bool {
	s.mu.Lock()
	r, ok := s.players[id]
	if ok {
		r.player.Online = false
	}
	s.mu.Unlock()
	if ok {
		s.changed()
	}
	return ok
}

// SetItems replaces the item catalog.
func (s *Store) SetItems(defs []host.ItemDef) {
	s.mu.Lock()
	s.items = make(map[string]host.ItemDef, len(defs))
	for _, d := range defs {
		s.items[d.Code] = d
	}
	s.mu.Unlock()
	s.changed()
}

// SetInventory replaces a player's inventory.
func (s *Store) SetInventory(id string, stacks []host.ItemStack) error {
	return s.update(id, func(r *record) { r.inventory = append([]host.ItemStack(nil), stacks...) })
}

// SetPosition moves a player without going through the console.
func (s *Store) SetPosition(id string, pos host.Position) error {
	return s.update(id, func(r *record) { r.position = pos })
}

// SetElapsedDays sets the world clock.
func (s *Store) SetElapsedDays(days float64) {
	s.mu.Lock()
	s.days = days
	s.mu.Unlock()
	s.changed()
}

// Count returns the number of online players.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, r := range s.players {
		if r.player.Online {
			n++
		}
	}
	return n
}

// ChatLog returns every broadcast and announcement so far, oldest first.
func (s *Store) ChatLog() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.chat...)
}

// Inbox returns the private messages delivered to a player.
func (s *Store) Inbox(query string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r := s.lookup(query, false)
	if r == nil {
		return nil, host.ErrPlayerNotFound
	}
	return append([]string(nil), r.inbox...), nil
}

// Saves returns how many times Save has been called.
func (s *Store) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}

// Online lists online players ordered by name.
func (s *Store) Online(ctx context.Context) ([]host.Player, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]host.Player, 0, len(s.players))
	for _, r := range s.players {
		if r.player.Online {
			out = append(out, r.player)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Find looks up any known player, online or not.
func (s *Store) Find(ctx context.Context, query string) (host.Player, error) {
	if err := ctx.Err(); err != nil {
		return host.Player{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r := s.lookup(query, false)
	if r == nil {
		return host.Player{}, host.ErrPlayerNotFound
	}
	return r.player, nil
}

// Kick disconnects an online player.
func (s *Store) Kick(ctx context.Context, query, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	r := s.lookup(query, true)
	if r == nil {
		s.mu.Unlock()
		return host.ErrPlayerNotFound
	}
	r.player.Online = false
	r.inbox = append(r.inbox, "Kicked: "+reason)
	s.mu.Unlock()
	s.changed()
	return nil
}

// Inventory returns a copy of a player's inventory.
func (s *Store) Inventory(ctx context.Context, query string) ([]host.ItemStack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r := s.lookup(query, false)
	if r == nil {
		return nil, host.ErrPlayerNotFound
	}
	return append([]host.ItemStack(nil), r.inventory...), nil
}

// Position returns where a player is.
func (s *Store) Position(ctx context.Context, query string) (host.Position, error) {
	if err := ctx.Err(); err != nil {
		return host.Position{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r := s.lookup(query, false)
	if r == nil {
		return host.Position{}, host.ErrPlayerNotFound
	}
	return r.position, nil
}

// Broadcast records a chat line and returns the number of online players.
func (s *Store) Broadcast(ctx context.Context, message string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.chat = append(s.chat, message)
	s.mu.Unlock()
	return s.Count(), nil
}

// Announce is Broadcast with an announcement marker.
func (s *Store) Announce(ctx context.Context, message string) (int, error) {
	return s.Broadcast(ctx, "[Announcement] "+message)
}

// Notify delivers a private message to an online player.
func (s *Store) Notify(ctx context.Context, query, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.lookup(query, true)
	if r == nil {
		return host.ErrPlayerNotFound
	}
	r.inbox = append(r.inbox, message)
	return nil
}

// Ban bans a known player and kicks them if online.
func (s *Store) Ban(ctx context.Context, query, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	r := s.lookup(query, false)
	if r == nil {
		s.mu.Unlock()
		return host.ErrPlayerNotFound
	}
	s.bans[strings.ToLower(r.player.Name)] = reason
	r.player.Online = false
	s.mu.Unlock()
	s.changed()
	return nil
}

// Unban lifts a ban by player name. Unknown names are an error.
func (s *Store) Unban(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := strings.ToLower(name)
	s.mu.Lock()
	_, ok := s.bans[key]
	delete(s.bans, key)
	s.mu.Unlock()
	if !ok {
		return host.ErrPlayerNotFound
	}
	s.changed()
	return nil
}

// Teleport moves an online player.
func (s *Store) Teleport(ctx context.Context, query string, to host.Position) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	r := s.lookup(query, true)
	if r == nil {
		s.mu.Unlock()
		return host.ErrPlayerNotFound
	}
	r.position = to
	s.mu.Unlock()
	s.changed()
	return nil
}

// Give adds amount of item to an online player's inventory, stacking onto
// an existing slot of the same item.
func (s *Store) Give(ctx context.Context, query, item string, amount int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	def, ok := s.items[item]
	if !ok {
		s.mu.Unlock()
		return console.ErrItemNotFound
	}
	r := s.lookup(query, true)
	if r == nil {
		s.mu.Unlock()
		return host.ErrPlayerNotFound
	}
	stacked := false
	for i := range r.inventory {
		if r.inventory[i].Code == def.Code {
			r.inventory[i].Amount += amount
			stacked = true
			break
		}
	}
	if !stacked {
		r.inventory = append(r.inventory, host.ItemStack{Code: def.Code, Name: def.Name, Amount: amount, Quality: 1})
	}
	s.mu.Unlock()
	s.changed()
	return nil
}

// WhitelistAdd whitelists a known player by name.
func (s *Store) WhitelistAdd(ctx context.Context, query string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	r := s.lookup(query, false)
	if r == nil {
		s.mu.Unlock()
		return host.ErrPlayerNotFound
	}
	s.whitelist[r.player.Name] = struct{}{}
	s.mu.Unlock()
	s.changed()
	return nil
}

// WhitelistRemove removes a name from the whitelist. Removing an absent
// name is not an error.
func (s *Store) WhitelistRemove(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.whitelist, name)
	s.mu.Unlock()
	s.changed()
	return nil
}

// Whitelist returns whitelisted names in order.
func (s *Store) Whitelist(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.whitelist))
	for n := range s.whitelist {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

// Save counts the request. The file backend persists on every change, so
// there is nothing else to do here.
func (s *Store) Save(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.saves++
	s.mu.Unlock()
	s.changed()
	return nil
}

// Shutdown warns online players and marks the world as stopping. The
// process that owns the store watches ShutdownRequested and stops itself.
func (s *Store) Shutdown(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.stopOnce.Do(func() {
		s.mu.Lock()
		for _, r := range s.players {
			if r.player.Online {
				r.inbox = append(r.inbox, "[SERVER] Server is shutting down...")
			}
		}
		s.mu.Unlock()
		close(s.stopping)
	})
	return nil
}

// ShutdownRequested is closed once Shutdown has been called.
func (s *Store) ShutdownRequested() <-chan struct{} {
	return s.stopping
}

// Execute runs a console command line.
func (s *Store) Execute(ctx context.Context, command string) (string, error) {
	return s.console.Execute(ctx, command)
}

// List returns the item catalog ordered by code.
func (s *Store) List(ctx context.Context) ([]host.ItemDef, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]host.ItemDef, 0, len(s.items))
	for _, d := range s.items {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

// ElapsedDays reads the world clock.
func (s *Store) ElapsedDays(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.days, nil
}

// Snapshot copies the whole world.
func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := State{
		Players:     make([]PlayerState, 0, len(s.players)),
		Items:       make([]host.ItemDef, 0, len(s.items)),
		ElapsedDays: s.days,
		Bans:        make(map[string]string, len(s.bans)),
		Whitelist:   make([]string, 0, len(s.whitelist)),
	}
	for _, r := range s.players {
		st.Players = append(st.Players, PlayerState{
			Player:    r.player,
			Inventory: append([]host.ItemStack(nil), r.inventory...),
			Position:  r.position,
		})
	}
	sort.Slice(st.Players, func(i, j int) bool { return st.Players[i].Player.ID < st.Players[j].Player.ID })
	for _, d := range s.items {
		st.Items = append(st.Items, d)
	}
	sort.Slice(st.Items, func(i, j int) bool { return st.Items[i].Code < st.Items[j].Code })
	for k, v := range s.bans {
		st.Bans[k] = v
	}
	for n := range s.whitelist {
		st.Whitelist = append(st.Whitelist, n)
	}
	sort.Strings(st.Whitelist)
	return st
}

// Restore replaces the world with st. Players restored from disk start
// offline; the game server reports joins again after a restart.
// The change hook is not called.
func (s *Store) Restore(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.players = make(map[string]*record, len(st.Players))
	for _, p := range st.Players {
		pl := p.Player
		pl.Online = false
		s.players[pl.ID] = &record{
			player:    pl,
			inventory: append([]host.ItemStack(nil), p.Inventory...),
			position:  p.Position,
		}
	}
	s.items = make(map[string]host.ItemDef, len(st.Items))
	for _, d := range st.Items {
		s.items[d.Code] = d
	}
	s.days = st.ElapsedDays
	s.bans = make(map[string]string, len(st.Bans))
	for k, v := range st.Bans {
		s.bans[k] = v
	}
	s.whitelist = make(map[string]struct{}, len(st.Whitelist))
	for _, n := range st.Whitelist {
		s.whitelist[n] = struct{}{}
	}
}

// lookup finds a player by name, then Steam id, then host id. Names match
// case-insensitively. Must be called with the lock held.
func (s *Store) lookup(query string, onlineOnly bool) *record {
	match := func(f func(*record) bool) *record {
		for _, r := range s.players {
			if onlineOnly && !r.player.Online {
				continue
			}
			if f(r) {
				return r
			}
		}
		return nil
	}
	if r := match(func(r *record) bool { return strings.EqualFold(r.player.Name, query) }); r != nil {
		return r
	}
	if r := match(func(r *record) bool { return r.player.SteamID != "" && r.player.SteamID == query }); r != nil {
		return r
	}
	return match(func(r *record) bool { return r.player.ID == query })
}

func (s *Store) update(id string, fn func(*record)) error {
	s.mu.Lock()
	r, ok := s.players[id]
	if ok {
		fn(r)
	}
	s.mu.Unlock()
	if !ok {
		return host.ErrPlayerNotFound
	}
	s.changed()
	return nil
}

func (s *Store) changed() {
	if s.onChange != nil {
		s.onChange()
	}
}
