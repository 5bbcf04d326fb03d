package types

// MaxPlayers is the room capacity used unless the server is configured otherwise.
const MaxPlayers = 4

type Participant struct {
	UserID  string `json:"userId"`
	Name    string `json:"name"`
	IsReady bool   `json:"isReady"`
	IsHost  bool   `json:"isHost"`
}

// RoomSnapshot is the authority's view of a room, returned by join and GET /rooms/{code}.
type RoomSnapshot struct {
	RoomID       string        `json:"roomId"`
	JoinCode     string        `json:"joinCode"`
	HostID       string        `json:"hostId"`
	MaxPlayers   int           `json:"maxPlayers"`
	Tags         []string      `json:"tags,omitempty"`
	Participants []Participant `json:"participants"`
	Started      bool          `json:"started"`
	ImageURL     string        `json:"imageUrl,omitempty"`
	Version      int           `json:"version"`
}
