package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Client -> Server
const (
	EvtAuthenticate = "authenticate"
	EvtJoinRoom     = "join_room"
	EvtLeaveRoom    = "leave_room"
	EvtToggleReady  = "toggle_ready"
	EvtStartGame    = "start_game"
	EvtCompleteGame = "complete_game"
)

// Server -> Client
const (
	EvtAuthenticated    = "authenticated"
	EvtUserJoined       = "user_joined"
	EvtUserLeft         = "user_left"
	EvtUserDisconnected = "user_disconnected"
	EvtRoomUpdated      = "room_updated"
	EvtReadyChanged     = "ready_changed"
	EvtGameStarted      = "game_started"
	EvtGameCompleted    = "game_completed"
	EvtError            = "error"
)

// EvtShareImageURL travels both ways: the host sends it, the server echoes it to the room.
const EvtShareImageURL = "share-image-url"

var ErrEmptyEvent = errors.New("envelope has no event name")

// Envelope is the frame carried by every websocket text message.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func Encode(event string, payload any) ([]byte, error) {
	env := Envelope{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", event, err)
		}
		env.Data = data
	}
	return json.Marshal(env)
}

func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, ErrEmptyEvent
	}
	return env, nil
}

// DecodeData unmarshals the envelope payload into T. A missing payload yields the zero value.
func DecodeData[T any](data json.RawMessage) (T, error) {
	var v T
	if len(data) == 0 || string(data) == "null" {
		return v, nil
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("decode payload: %w", err)
	}
	return v, nil
}

type AuthenticatePayload struct {
	Token string `json:"token"`
}

type AuthenticatedPayload struct {
	IsSuccess bool   `json:"isSuccess"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
	UserID    string `json:"userId,omitempty"`
}

type RoomCodePayload struct {
	RoomCode string `json:"roomCode"`
}

type RoomIDPayload struct {
	RoomID string `json:"roomId"`
}

type ShareImagePayload struct {
	RoomID   string `json:"roomId"`
	ImageURL string `json:"imageUrl"`
}

type CompleteGamePayload struct {
	RoomID      string `json:"roomId"`
	ClearTimeMs int64  `json:"clearTimeMs"`
}

type UserJoinedPayload struct {
	Participant  *Participant  `json:"participant,omitempty"`
	Participants []Participant `json:"participants"`
}

type UserLeftPayload struct {
	UserID string `json:"userId"`
	IsHost bool   `json:"isHost"`
}

type RoomUpdatedPayload struct {
	Participants []Participant `json:"participants"`
}

type ReadyChangedPayload struct {
	UserID  string `json:"userId"`
	IsReady bool   `json:"isReady"`
}

type Winner struct {
	UserID      string `json:"userId"`
	ClearTimeMs int64  `json:"clearTimeMs"`
}

type GameCompletedPayload struct {
	Winner Winner `json:"winner"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes shared by the REST API and the error event.
const (
	CodeBadRequest       = "bad_request"
	CodeUnauthorized     = "unauthorized"
	CodeRoomNotFound     = "room_not_found"
	CodeRoomFull         = "room_full"
	CodeAlreadyStarted   = "already_started"
	CodeNotStarted       = "not_started"
	CodeNotHost          = "not_host"
	CodeNotMember        = "not_member"
	CodeNotReady         = "not_ready"
	CodeNoImage          = "no_image"
	CodeAlreadyCompleted = "already_completed"
	CodeNotWinner        = "not_winner"
	CodeAlreadySaved     = "already_saved"
	CodeNotFinished      = "not_finished"
	CodeRateLimited      = "rate_limited"
	CodeInternal         = "internal"
)

// ToMillis converts a clear time to its wire representation.
func ToMillis(d time.Duration) int64 { return d.Milliseconds() }

func FromMillis(ms int64) time.Duration { return time.Duration(ms) * time.Millisecond }
