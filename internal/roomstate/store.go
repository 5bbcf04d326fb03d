// Package roomstate holds this client's copy of the current room.
//
// The store is not synchronized. It is mutated only by the goroutine that dispatches transport
// events, and every outside reader gets a deep copy from Snapshot.
package roomstate

import (
	"slices"
	"time"

	"github.com/DoyleJ11/party-room/internal/rank"
	"github.com/DoyleJ11/party-room/pkg/types"
)

type Change string

const (
	RoomUpdated       Change = "room-updated"
	ParticipantJoined Change = "participant-joined"
	ParticipantLeft   Change = "participant-left"
	HostLeft          Change = "host-left"
	GameStarted       Change = "game-started"
	ImageShared       Change = "image-shared"
	AllFinished       Change = "all-finished"
)

type Participant struct {
	UserID string
	Name   string
	Ready  bool
	Host   bool
}

type Player struct {
	Participant
	ClearTime time.Duration // rank.NotFinished until reported
	Rank      int           // rank.Unranked until finished
}

func (p Player) Finished() bool { return p.ClearTime != rank.NotFinished }

type Room struct {
	ID           string
	JoinCode     string
	HostID       string
	Tags         []string
	ImageURL     string
	MaxPlayers   int
	Started      bool
	Populated    bool
	AllFinished  bool
	Participants []Participant
	Players      []Player
}

func (r *Room) Participant(userID string) (Participant, bool) {
	for _, p := range r.Participants {
		if p.UserID == userID {
			return p, true
		}
	}
	return Participant{}, false
}

func (r *Room) Player(userID string) (Player, bool) {
	for _, p := range r.Players {
		if p.UserID == userID {
			return p, true
		}
	}
	return Player{}, false
}

// Clone returns a deep copy of the room.
func (r *Room) Clone() *Room {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Tags = slices.Clone(r.Tags)
	cp.Participants = slices.Clone(r.Participants)
	cp.Players = slices.Clone(r.Players)
	return &cp
}

type Store struct {
	room         *Room
	ranks        *rank.Aggregator
	pendingStart bool
}

func NewStore() *Store {
	return &Store{ranks: rank.New()}
}

// Reset installs a placeholder room right after a create or join call succeeds. Membership is
// filled in by the first push from the authority.
func (s *Store) Reset(roomID, joinCode, hostID string, tags []string, maxPlayers int) {
	if maxPlayers <= 0 {
		maxPlayers = types.MaxPlayers
	}
	s.room = &Room{
		ID:         roomID,
		JoinCode:   joinCode,
		HostID:     hostID,
		Tags:       slices.Clone(tags),
		MaxPlayers: maxPlayers,
	}
	s.ranks.Reset()
	s.pendingStart = false
}

func (s *Store) Clear() {
	s.room = nil
	s.ranks.Reset()
	s.pendingStart = false
}

func (s *Store) Present() bool { return s.room != nil }

// Snapshot returns a deep copy of the room, or nil when there is none.
func (s *Store) Snapshot() *Room { return s.room.Clone() }

// ApplyMembership replaces the participant list with the authority's full list.
func (s *Store) ApplyMembership(participants []types.Participant) []Change {
	if s.room == nil {
		return nil
	}
	r := s.room
	if r.HostID == "" {
		for _, p := range participants {
			if p.IsHost {
				r.HostID = p.UserID
				break
			}
		}
	}

	list := make([]Participant, 0, len(participants))
	for _, p := range participants {
		if len(list) == r.MaxPlayers {
			break
		}
		if indexOf(list, p.UserID) >= 0 {
			continue
		}
		list = append(list, s.fromWire(p))
	}
	r.Participants = list
	r.Populated = true

	changes := []Change{RoomUpdated}
	if r.Started {
		s.syncPlayers()
	}
	if s.pendingStart {
		changes = append(changes, s.start()...)
	}
	return append(changes, s.checkFinished()...)
}

// ApplyJoined appends the participant unless it is already present.
func (s *Store) ApplyJoined(p types.Participant) []Change {
	if s.room == nil || p.UserID == "" {
		return nil
	}
	r := s.room
	if indexOf(r.Participants, p.UserID) >= 0 {
		return nil
	}
	if len(r.Participants) >= r.MaxPlayers {
		return nil
	}
	r.Participants = append(r.Participants, s.fromWire(p))
	if r.Started {
		s.syncPlayers()
	}
	return []Change{RoomUpdated, ParticipantJoined}
}

// ApplyLeft removes a participant for both explicit leaves and disconnects. Unknown ids are a
// no-op unless the id is the room's host. hostFlag is only consulted when the host id is unknown.
func (s *Store) ApplyLeft(userID string, hostFlag bool) []Change {
	if s.room == nil {
		return nil
	}
	r := s.room
	wasHost := userID == r.HostID || (r.HostID == "" && hostFlag)

	i := indexOf(r.Participants, userID)
	if i < 0 {
		if wasHost && userID != "" {
			return []Change{HostLeft}
		}
		return nil
	}
	r.Participants = slices.Delete(r.Participants, i, i+1)
	if j := playerIndex(r.Players, userID); j >= 0 && !r.Players[j].Finished() {
		r.Players = slices.Delete(r.Players, j, j+1)
	}

	changes := []Change{RoomUpdated, ParticipantLeft}
	if wasHost {
		changes = append(changes, HostLeft)
	}
	return append(changes, s.checkFinished()...)
}

func (s *Store) ApplyReady(userID string, ready bool) []Change {
	if s.room == nil {
		return nil
	}
	i := indexOf(s.room.Participants, userID)
	if i < 0 || s.room.Participants[i].Ready == ready {
		return nil
	}
	s.room.Participants[i].Ready = ready
	if j := playerIndex(s.room.Players, userID); j >= 0 {
		s.room.Players[j].Ready = ready
	}
	return []Change{RoomUpdated}
}

// ApplyGameStarted marks the room started. A start that arrives before the first membership push
// is held back and applied together with that push.
func (s *Store) ApplyGameStarted() []Change {
	if s.room == nil || s.room.Started {
		return nil
	}
	if !s.room.Populated {
		s.pendingStart = true
		return nil
	}
	return append(s.start(), s.checkFinished()...)
}

func (s *Store) ApplyImageShared(url string) []Change {
	if s.room == nil || url == "" || s.room.ImageURL == url {
		return nil
	}
	s.room.ImageURL = url
	return []Change{ImageShared}
}

// ApplyFinished records a player's clear time and recomputes the ranking.
func (s *Store) ApplyFinished(userID string, clearTime time.Duration) []Change {
	if s.room == nil || userID == "" {
		return nil
	}
	if !s.ranks.Record(userID, clearTime) {
		return nil
	}
	r := s.room
	if playerIndex(r.Players, userID) < 0 {
		p, _ := r.Participant(userID)
		p.UserID = userID
		r.Players = append(r.Players, Player{Participant: p})
	}
	s.syncRanks()
	return append([]Change{RoomUpdated}, s.checkFinished()...)
}

func (s *Store) start() []Change {
	s.pendingStart = false
	s.room.Started = true
	s.syncPlayers()
	return []Change{RoomUpdated, GameStarted}
}

// syncPlayers makes sure every participant has a player entry.
func (s *Store) syncPlayers() {
	r := s.room
	for _, p := range r.Participants {
		if j := playerIndex(r.Players, p.UserID); j >= 0 {
			r.Players[j].Participant = p
			continue
		}
		r.Players = append(r.Players, Player{Participant: p})
	}
	s.syncRanks()
}

func (s *Store) syncRanks() {
	for i := range s.room.Players {
		st := s.ranks.Standing(s.room.Players[i].UserID)
		s.room.Players[i].ClearTime = st.ClearTime
		s.room.Players[i].Rank = st.Rank
	}
}

func (s *Store) checkFinished() []Change {
	r := s.room
	if r.AllFinished || !r.Started {
		return nil
	}
	ids := make([]string, 0, len(r.Participants))
	for _, p := range r.Participants {
		ids = append(ids, p.UserID)
	}
	if !s.ranks.AllFinished(ids) {
		return nil
	}
	r.AllFinished = true
	return []Change{AllFinished}
}

func (s *Store) fromWire(p types.Participant) Participant {
	return Participant{
		UserID: p.UserID,
		Name:   p.Name,
		Ready:  p.IsReady,
		Host:   p.UserID == s.room.HostID,
	}
}

func indexOf(list []Participant, userID string) int {
	return slices.IndexFunc(list, func(p Participant) bool { return p.UserID == userID })
}

func playerIndex(list []Player, userID string) int {
	return slices.IndexFunc(list, func(p Player) bool { return p.UserID == userID })
}
