package protocol

// EventKind is the "type" inside a gameEvent payload.
type EventKind string

const (
	EventPlayerConnected    EventKind = "player-connected"
	EventPlayerDisconnected EventKind = "player-disconnected"
	EventChatMessage        EventKind = "chat-message"
)

// Channel classifies a chat-message event.
type Channel string

const (
	ChannelGlobal  Channel = "global"
	ChannelWhisper Channel = "whisper"
)

// PlayerRef is the player object carried by connect and disconnect events.
// Fields the host cannot supply are sent as explicit nulls.
type PlayerRef struct {
	GameID               string  `json:"gameId"`
	Name                 string  `json:"name"`
	SteamID              *string `json:"steamId"`
	PlatformID           string  `json:"platformId"`
	EpicOnlineServicesID *string `json:"epicOnlineServicesId"`
	XboxLiveID           *string `json:"xboxLiveId"`
	IP                   *string `json:"ip"`
	Ping                 *int    `json:"ping"`
}

// PlayerEventData is the data of player-connected and player-disconnected.
type PlayerEventData struct {
	Player PlayerRef `json:"player"`
}

// ChatPlayer is the reduced player object carried by chat-message.
type ChatPlayer struct {
	GameID  string  `json:"gameId"`
	Name    string  `json:"name"`
	SteamID *string `json:"steamId"`
}

// ChatData is the data of a chat-message event.
type ChatData struct {
	Player  ChatPlayer `json:"player"`
	Channel Channel    `json:"channel"`
	Msg     string     `json:"msg"`
}

// PlatformID builds the platform identifier the control service expects
// for a host-native player id.
func PlatformID(gameID string) string {
	return "eco:" + gameID
}

// NullableString returns nil for an empty string so it encodes as null.
func NullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
