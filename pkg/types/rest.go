package types

type GuestLoginRequest struct {
	Name string `json:"name"`
}

type GuestLoginResponse struct {
	Token  string `json:"token"`
	UserID string `json:"userId"`
	Name   string `json:"name"`
}

type CreateRoomRequest struct {
	Tags []string `json:"tags,omitempty"`
}

type CreateRoomResponse struct {
	RoomID   string `json:"roomId"`
	JoinCode string `json:"joinCode"`
}

type JoinRoomRequest struct {
	JoinCode string `json:"joinCode"`
}

type JoinRoomResponse struct {
	RoomID   string       `json:"roomId"`
	JoinCode string       `json:"joinCode"`
	Snapshot RoomSnapshot `json:"snapshot"`
}

type SingleStartResponse struct {
	RunID string `json:"runId"`
}

type SingleCompleteRequest struct {
	RunID       string `json:"runId"`
	ClearTimeMs int64  `json:"clearTimeMs"`
}

type SaveToPlanetRequest struct {
	RoomID   string `json:"roomId"`
	ImageURL string `json:"imageUrl"`
	Title    string `json:"title,omitempty"`
}

type SaveToPlanetResponse struct {
	ID string `json:"id"`
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
