package engine

import (
	"errors"
	"slices"
	"time"
)

var ErrRoomClosed = errors.New("room closed")
var ErrRoomFull = errors.New("room full")
var ErrAlreadyStarted = errors.New("game already started")
var ErrNotStarted = errors.New("game not started")
var ErrNotHost = errors.New("only the host may do that")
var ErrNotMember = errors.New("not a member of the room")
var ErrNotReady = errors.New("not every player is ready")
var ErrNoImage = errors.New("no image shared")
var ErrAlreadyCompleted = errors.New("player already completed")
var ErrBadClearTime = errors.New("clear time must not be negative")
var ErrUnsupportedCommand = errors.New("unsupported command")

type Member struct {
	UserID string
	Name   string
	Ready  bool
}

type Finish struct {
	UserID    string
	ClearTime time.Duration
}

// State is one room as the authority sees it. Members keep slot order; Finishes keep arrival
// order.
type State struct {
	RoomID     string
	JoinCode   string
	HostID     string
	MaxPlayers int
	Tags       []string
	Members    []Member
	ImageURL   string
	Started    bool
	Closed     bool
	Finishes   []Finish
}

type CommandType string

const (
	CmdJoin        CommandType = "Join"
	CmdLeave       CommandType = "Leave"
	CmdDisconnect  CommandType = "Disconnect"
	CmdToggleReady CommandType = "ToggleReady"
	CmdShareImage  CommandType = "ShareImage"
	CmdStartGame   CommandType = "StartGame"
	CmdComplete    CommandType = "Complete"
)

/*
	CmdJoin        -> EvtMemberJoined
	CmdLeave       -> EvtMemberLeft [-> EvtRoomClosed if host] [-> EvtAllFinished]
	CmdDisconnect  -> EvtMemberDisconnected, same follow-ups as leave
	CmdToggleReady -> EvtReadyChanged
	CmdShareImage  -> EvtImageShared
	CmdStartGame   -> EvtGameStarted [-> EvtAllFinished for a room that emptied to finishers]
	CmdComplete    -> EvtPlayerFinished [-> EvtAllFinished]
*/

type Command struct {
	Type      CommandType
	UserID    string
	Name      string
	ImageURL  string
	ClearTime time.Duration
}

type EventType string

const (
	EvtMemberJoined       EventType = "MemberJoined"
	EvtMemberLeft         EventType = "MemberLeft"
	EvtMemberDisconnected EventType = "MemberDisconnected"
	EvtReadyChanged       EventType = "ReadyChanged"
	EvtImageShared        EventType = "ImageShared"
	EvtGameStarted        EventType = "GameStarted"
	EvtPlayerFinished     EventType = "PlayerFinished"
	EvtAllFinished        EventType = "AllFinished"
	EvtRoomClosed         EventType = "RoomClosed"
)

type Event struct {
	Type      EventType
	UserID    string
	Host      bool
	Ready     bool
	ImageURL  string
	ClearTime time.Duration
}

// Apply validates cmd against s and returns the resulting events and state. s is never modified.
// Repeated joins and leaves are accepted without events so redelivery is harmless.
func Apply(s State, cmd Command) ([]Event, State, error) {
	if s.Closed {
		return nil, s, ErrRoomClosed
	}

	i := s.memberIndex(cmd.UserID)
	newState := s.clone()

	switch cmd.Type {
	case CmdJoin:
		if i >= 0 {
			return nil, s, nil
		}
		if s.Started {
			return nil, s, ErrAlreadyStarted
		}
		if len(s.Members) >= s.MaxPlayers {
			return nil, s, ErrRoomFull
		}
		newState.Members = append(newState.Members, Member{UserID: cmd.UserID, Name: cmd.Name})
		return []Event{{Type: EvtMemberJoined, UserID: cmd.UserID}}, newState, nil

	case CmdLeave, CmdDisconnect:
		if i < 0 {
			return nil, s, nil
		}
		host := cmd.UserID == s.HostID
		evt := EvtMemberLeft
		if cmd.Type == CmdDisconnect {
			evt = EvtMemberDisconnected
		}
		newState.Members = slices.Delete(newState.Members, i, i+1)
		events := []Event{{Type: evt, UserID: cmd.UserID, Host: host}}

		// Losing the host ends the room for everyone.
		if host {
			newState.Closed = true
			return append(events, Event{Type: EvtRoomClosed}), newState, nil
		}
		if !AllFinished(s) && AllFinished(newState) {
			events = append(events, Event{Type: EvtAllFinished})
		}
		return events, newState, nil

	case CmdToggleReady:
		if i < 0 {
			return nil, s, ErrNotMember
		}
		if s.Started {
			return nil, s, ErrAlreadyStarted
		}
		newState.Members[i].Ready = !s.Members[i].Ready
		return []Event{{Type: EvtReadyChanged, UserID: cmd.UserID, Ready: newState.Members[i].Ready}}, newState, nil

	case CmdShareImage:
		if i < 0 {
			return nil, s, ErrNotMember
		}
		if cmd.UserID != s.HostID {
			return nil, s, ErrNotHost
		}
		if s.Started {
			return nil, s, ErrAlreadyStarted
		}
		if cmd.ImageURL == "" {
			return nil, s, ErrNoImage
		}
		newState.ImageURL = cmd.ImageURL
		return []Event{{Type: EvtImageShared, UserID: cmd.UserID, ImageURL: cmd.ImageURL}}, newState, nil

	case CmdStartGame:
		if i < 0 {
			return nil, s, ErrNotMember
		}
		if cmd.UserID != s.HostID {
			return nil, s, ErrNotHost
		}
		if s.Started {
			return nil, s, ErrAlreadyStarted
		}
		if s.ImageURL == "" {
			return nil, s, ErrNoImage
		}
		if !guestsReady(s) {
			return nil, s, ErrNotReady
		}
		newState.Started = true
		return []Event{{Type: EvtGameStarted}}, newState, nil

	case CmdComplete:
		if i < 0 {
			return nil, s, ErrNotMember
		}
		if !s.Started {
			return nil, s, ErrNotStarted
		}
		if cmd.ClearTime < 0 {
			return nil, s, ErrBadClearTime
		}
		if hasFinished(s, cmd.UserID) {
			return nil, s, ErrAlreadyCompleted
		}
		newState.Finishes = append(newState.Finishes, Finish{UserID: cmd.UserID, ClearTime: cmd.ClearTime})
		events := []Event{{Type: EvtPlayerFinished, UserID: cmd.UserID, ClearTime: cmd.ClearTime}}
		if AllFinished(newState) {
			events = append(events, Event{Type: EvtAllFinished})
		}
		return events, newState, nil

	default:
		return nil, s, ErrUnsupportedCommand
	}
}

func (s State) memberIndex(userID string) int {
	if userID == "" {
		return -1
	}
	return slices.IndexFunc(s.Members, func(m Member) bool { return m.UserID == userID })
}

func (s State) clone() State {
	s.Tags = slices.Clone(s.Tags)
	s.Members = slices.Clone(s.Members)
	s.Finishes = slices.Clone(s.Finishes)
	return s
}

// guestsReady reports whether every member other than the host has readied up.
func guestsReady(s State) bool {
	for _, m := range s.Members {
		if m.UserID != s.HostID && !m.Ready {
			return false
		}
	}
	return true
}

func hasFinished(s State, userID string) bool {
	return slices.ContainsFunc(s.Finishes, func(f Finish) bool { return f.UserID == userID })
}
