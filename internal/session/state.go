package session

import (
	"errors"
	"fmt"

	"github.com/DoyleJ11/party-room/internal/roomstate"
)

var (
	ErrHostLeft          = errors.New("session: host left the room")
	ErrRemoved           = errors.New("session: removed from the room")
	ErrBusy              = errors.New("session: another operation is in progress")
	ErrEmptyJoinCode     = errors.New("session: join code is empty")
	ErrNotHost           = errors.New("session: only the host can do that")
	ErrWrongState        = errors.New("session: not allowed in the current state")
	ErrInvalidClearTime  = errors.New("session: clear time must not be negative")
	ErrCoordinatorClosed = errors.New("session: coordinator stopped")
)

// RejectedError is an action the authority refused with an error event.
type RejectedError struct {
	Code    string
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("rejected: %s: %s", e.Code, e.Message)
}

type State int

const (
	Idle State = iota
	Connecting
	Authenticating
	Lobby
	InGame
	Terminated
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Authenticating:
		return "authenticating"
	case Lobby:
		return "lobby"
	case InGame:
		return "in-game"
	case Terminated:
		return "terminated"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type Role int

const (
	RoleNone Role = iota
	RoleHost
	RoleGuest
)

func (r Role) String() string {
	switch r {
	case RoleHost:
		return "host"
	case RoleGuest:
		return "guest"
	}
	return "none"
}

// Identity is the local user in the current room. Role is fixed once the create or join call
// succeeds.
type Identity struct {
	UserID string
	Role   Role
}

func (i Identity) IsHost() bool { return i.Role == RoleHost }

type Kind string

const (
	// KindState reports a state transition. Err and Notice explain a transition to Terminated.
	KindState Kind = "state"
	// KindRoom reports one change to the room; Room holds the room after it.
	KindRoom Kind = "room"
	// KindActionFailed reports a failed best-effort action. The session carries on.
	KindActionFailed Kind = "action-failed"
)

// Notification is what the UI layer observes. Room is always a private copy.
type Notification struct {
	Kind   Kind
	State  State
	Change roomstate.Change
	Room   *roomstate.Room
	Err    error
	Notice string
}
