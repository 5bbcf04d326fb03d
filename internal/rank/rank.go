// Package rank keeps the dense completion ranking of a room's players.
//
// Ranks are assigned over finished players only, ascending by clear time. Equal clear times keep
// the order in which the completions arrived.
package rank

import (
	"cmp"
	"slices"
	"time"
)

const (
	// NotFinished is the clear time of a player who has not reported yet.
	NotFinished time.Duration = -1
	// Unranked is the rank of a player who has not finished.
	Unranked = 0
)

type Standing struct {
	UserID    string
	ClearTime time.Duration
	Rank      int
	seq       uint64
}

func (s Standing) Finished() bool { return s.ClearTime != NotFinished }

type Aggregator struct {
	next      uint64
	standings map[string]*Standing
}

func New() *Aggregator {
	return &Aggregator{standings: make(map[string]*Standing)}
}

// Record stores a completion and recomputes ranks. A second completion for the same player is
// ignored and reported as false, so redelivered events are harmless.
func (a *Aggregator) Record(userID string, clearTime time.Duration) bool {
	if clearTime < 0 {
		return false
	}
	if s, ok := a.standings[userID]; ok && s.Finished() {
		return false
	}
	a.next++
	a.standings[userID] = &Standing{UserID: userID, ClearTime: clearTime, seq: a.next}
	a.recompute()
	return true
}

func (a *Aggregator) recompute() {
	finished := make([]*Standing, 0, len(a.standings))
	for _, s := range a.standings {
		if s.Finished() {
			finished = append(finished, s)
		}
	}
	slices.SortFunc(finished, func(x, y *Standing) int {
		if c := cmp.Compare(x.ClearTime, y.ClearTime); c != 0 {
			return c
		}
		return cmp.Compare(x.seq, y.seq)
	})
	for i, s := range finished {
		s.Rank = i + 1
	}
}

// Standing returns the player's standing, or an unfinished one if nothing was recorded.
func (a *Aggregator) Standing(userID string) Standing {
	if s, ok := a.standings[userID]; ok {
		return *s
	}
	return Standing{UserID: userID, ClearTime: NotFinished, Rank: Unranked}
}

// AllFinished reports whether every listed participant has a clear time. An empty room is never
// finished.
func (a *Aggregator) AllFinished(userIDs []string) bool {
	if len(userIDs) == 0 {
		return false
	}
	for _, id := range userIDs {
		if !a.Standing(id).Finished() {
			return false
		}
	}
	return true
}

// Leader returns the rank 1 player, if anyone finished.
func (a *Aggregator) Leader() (Standing, bool) {
	for _, s := range a.standings {
		if s.Rank == 1 {
			return *s, true
		}
	}
	return Standing{}, false
}

func (a *Aggregator) Reset() {
	a.next = 0
	clear(a.standings)
}
