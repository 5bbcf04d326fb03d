package engine

import (
	"slices"

	"github.com/DoyleJ11/party-room/internal/rank"
	"github.com/DoyleJ11/party-room/pkg/types"
)

// NewState creates a room whose only member is its host.
func NewState(roomID, joinCode string, host Member, tags []string, maxPlayers int) State {
	if maxPlayers <= 0 {
		maxPlayers = types.MaxPlayers
	}
	return State{
		RoomID:     roomID,
		JoinCode:   joinCode,
		HostID:     host.UserID,
		MaxPlayers: maxPlayers,
		Tags:       slices.Clone(tags),
		Members:    []Member{host},
	}
}

func ContainsEvent(events []Event, eventType EventType) bool {
	for _, event := range events {
		if event.Type == eventType {
			return true
		}
	}
	return false
}

func (s State) IsMember(userID string) bool { return s.memberIndex(userID) >= 0 }

// Standings ranks the finished players the same way clients do.
func Standings(s State) *rank.Aggregator {
	agg := rank.New()
	for _, f := range s.Finishes {
		agg.Record(f.UserID, f.ClearTime)
	}
	return agg
}

// AllFinished reports whether the game started and every current member has finished.
func AllFinished(s State) bool {
	if !s.Started {
		return false
	}
	ids := make([]string, 0, len(s.Members))
	for _, m := range s.Members {
		ids = append(ids, m.UserID)
	}
	return Standings(s).AllFinished(ids)
}

// Winner returns the fastest finisher, if any.
func Winner(s State) (rank.Standing, bool) {
	return Standings(s).Leader()
}

func (s State) Participants() []types.Participant {
	out := make([]types.Participant, 0, len(s.Members))
	for _, m := range s.Members {
		out = append(out, s.participant(m))
	}
	return out
}

func (s State) Participant(userID string) (types.Participant, bool) {
	i := s.memberIndex(userID)
	if i < 0 {
		return types.Participant{}, false
	}
	return s.participant(s.Members[i]), true
}

func (s State) participant(m Member) types.Participant {
	return types.Participant{
		UserID:  m.UserID,
		Name:    m.Name,
		IsReady: m.Ready,
		IsHost:  m.UserID == s.HostID,
	}
}

func (s State) Snapshot(version int) types.RoomSnapshot {
	return types.RoomSnapshot{
		RoomID:       s.RoomID,
		JoinCode:     s.JoinCode,
		HostID:       s.HostID,
		MaxPlayers:   s.MaxPlayers,
		Tags:         slices.Clone(s.Tags),
		Participants: s.Participants(),
		Started:      s.Started,
		ImageURL:     s.ImageURL,
		Version:      version,
	}
}
