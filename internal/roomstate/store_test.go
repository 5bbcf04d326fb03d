package roomstate

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/DoyleJ11/party-room/internal/rank"
	"github.com/DoyleJ11/party-room/pkg/types"
)

func wire(id string, host bool) types.Participant {
	return types.Participant{UserID: id, Name: "name-" + id, IsHost: host}
}

func populated(t *testing.T, ids ...string) *Store {
	t.Helper()
	s := NewStore()
	s.Reset("R1", "AB12", ids[0], nil, 4)
	var list []types.Participant
	for i, id := range ids {
		list = append(list, wire(id, i == 0))
	}
	s.ApplyMembership(list)
	return s
}

func hostCount(r *Room) int {
	n := 0
	for _, p := range r.Participants {
		if p.Host {
			n++
		}
	}
	return n
}

func TestStore_CreateJoinConverges(t *testing.T) {
	host := NewStore()
	host.Reset("R1", "AB12", "host", nil, 4)

	guest := NewStore()
	guest.Reset("R1", "AB12", "host", nil, 4)
	guest.ApplyMembership([]types.Participant{wire("host", true)})

	both := []types.Participant{wire("host", true), wire("guest", false)}
	host.ApplyMembership(both)
	guest.ApplyMembership(both)

	for _, s := range []*Store{host, guest} {
		r := s.Snapshot()
		require.NotNil(t, r)
		assert.Len(t, r.Participants, 2)
		assert.Equal(t, 1, hostCount(r))
		assert.True(t, r.Populated)
	}
}

func TestStore_DuplicateJoinIgnored(t *testing.T) {
	s := populated(t, "host")

	changes := s.ApplyJoined(wire("guest", false))
	assert.Equal(t, []Change{RoomUpdated, ParticipantJoined}, changes)

	assert.Empty(t, s.ApplyJoined(wire("guest", false)))
	assert.Len(t, s.Snapshot().Participants, 2)
}

func TestStore_JoinBeyondCapacityIgnored(t *testing.T) {
	s := populated(t, "a", "b", "c", "d")
	assert.Empty(t, s.ApplyJoined(wire("e", false)))
	assert.Len(t, s.Snapshot().Participants, 4)
}

func TestStore_MembershipTruncatedToCapacity(t *testing.T) {
	s := NewStore()
	s.Reset("R1", "AB12", "a", nil, 2)
	s.ApplyMembership([]types.Participant{wire("a", true), wire("b", false), wire("c", false)})
	assert.Len(t, s.Snapshot().Participants, 2)
}

func TestStore_LeaveUnknownIsNoop(t *testing.T) {
	s := populated(t, "host", "guest")
	before := s.Snapshot()

	assert.Empty(t, s.ApplyLeft("ghost", false))
	assert.Equal(t, before, s.Snapshot())
}

func TestStore_HostLeaveRaisesHostLeft(t *testing.T) {
	s := populated(t, "host", "guest")

	changes := s.ApplyLeft("host", true)
	assert.Equal(t, []Change{RoomUpdated, ParticipantLeft, HostLeft}, changes)

	changes = s.ApplyLeft("guest", false)
	assert.NotContains(t, changes, HostLeft)
}

func TestStore_HostFlagUsedWhenHostUnknown(t *testing.T) {
	s := NewStore()
	s.Reset("R1", "AB12", "", nil, 4)
	s.ApplyMembership([]types.Participant{wire("h", true), wire("g", false)})
	assert.Equal(t, "h", s.Snapshot().HostID)

	assert.Contains(t, s.ApplyLeft("h", false), HostLeft)
}

func TestStore_MembershipKeepsSingleHost(t *testing.T) {
	s := NewStore()
	s.Reset("R1", "AB12", "h", nil, 4)
	s.ApplyMembership([]types.Participant{wire("h", true), wire("g", true)})
	assert.Equal(t, 1, hostCount(s.Snapshot()))
}

func TestStore_ReadyToggle(t *testing.T) {
	s := populated(t, "host", "guest")

	assert.Equal(t, []Change{RoomUpdated}, s.ApplyReady("guest", true))
	assert.Empty(t, s.ApplyReady("guest", true))
	assert.Empty(t, s.ApplyReady("ghost", true))

	p, ok := s.Snapshot().Participant("guest")
	require.True(t, ok)
	assert.True(t, p.Ready)
}

func TestStore_GameStartedBeforeMembershipIsHeld(t *testing.T) {
	s := NewStore()
	s.Reset("R1", "AB12", "host", nil, 4)

	assert.Empty(t, s.ApplyGameStarted())
	r := s.Snapshot()
	assert.False(t, r.Populated)
	assert.False(t, r.Started)
	assert.Empty(t, r.Participants)

	changes := s.ApplyMembership([]types.Participant{wire("host", true), wire("guest", false)})
	assert.Contains(t, changes, GameStarted)
	r = s.Snapshot()
	assert.True(t, r.Started)
	assert.Len(t, r.Players, 2)
}

func TestStore_GameStartedAfterMembership(t *testing.T) {
	s := populated(t, "host", "guest")

	assert.Equal(t, []Change{RoomUpdated, GameStarted}, s.ApplyGameStarted())
	assert.Empty(t, s.ApplyGameStarted())

	for _, p := range s.Snapshot().Players {
		assert.False(t, p.Finished())
		assert.Equal(t, rank.Unranked, p.Rank)
	}
}

func TestStore_EventsWithoutRoomIgnored(t *testing.T) {
	s := NewStore()
	assert.Empty(t, s.ApplyGameStarted())
	assert.Empty(t, s.ApplyMembership([]types.Participant{wire("a", true)}))
	assert.Empty(t, s.ApplyFinished("a", time.Second))
	assert.Nil(t, s.Snapshot())
}

func TestStore_CompletionRanking(t *testing.T) {
	s := populated(t, "P1", "P2", "P3")
	s.ApplyGameStarted()

	s.ApplyFinished("P1", 12000*time.Millisecond)
	assert.False(t, s.Snapshot().AllFinished)
	changes := s.ApplyFinished("P2", 8000*time.Millisecond)
	assert.NotContains(t, changes, AllFinished)
	assert.False(t, s.Snapshot().AllFinished)

	changes = s.ApplyFinished("P3", 15000*time.Millisecond)
	assert.Contains(t, changes, AllFinished)

	r := s.Snapshot()
	assert.True(t, r.AllFinished)
	want := map[string]int{"P2": 1, "P1": 2, "P3": 3}
	for id, rk := range want {
		p, ok := r.Player(id)
		require.True(t, ok)
		assert.Equal(t, rk, p.Rank, id)
	}
}

func TestStore_DuplicateCompletionIgnored(t *testing.T) {
	s := populated(t, "P1", "P2")
	s.ApplyGameStarted()
	require.NotEmpty(t, s.ApplyFinished("P1", time.Second))
	assert.Empty(t, s.ApplyFinished("P1", time.Second))
}

func TestStore_LeaverNoLongerBlocksAllFinished(t *testing.T) {
	s := populated(t, "P1", "P2")
	s.ApplyGameStarted()
	s.ApplyFinished("P1", time.Second)

	changes := s.ApplyLeft("P2", false)
	assert.Contains(t, changes, AllFinished)
	_, ok := s.Snapshot().Player("P2")
	assert.False(t, ok)
}

func TestStore_SnapshotIsDeepCopy(t *testing.T) {
	s := populated(t, "host", "guest")
	r := s.Snapshot()
	r.Participants[0].Name = "mutated"
	r.Participants = append(r.Participants, Participant{UserID: "x"})

	fresh := s.Snapshot()
	assert.Equal(t, "name-host", fresh.Participants[0].Name)
	assert.Len(t, fresh.Participants, 2)
}

func TestStore_ImageShared(t *testing.T) {
	s := populated(t, "host")
	assert.Equal(t, []Change{ImageShared}, s.ApplyImageShared("https://img/1.png"))
	assert.Empty(t, s.ApplyImageShared("https://img/1.png"))
	assert.Equal(t, "https://img/1.png", s.Snapshot().ImageURL)
}

func TestStore_LeaveOfAbsentIdNeverChangesState(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := NewStore()
		s.Reset("R1", "AB12", "m0", nil, 4)
		n := rapid.IntRange(1, 4).Draw(t, "members")
		var list []types.Participant
		for i := 0; i < n; i++ {
			list = append(list, wire(fmt.Sprintf("m%d", i), i == 0))
		}
		s.ApplyMembership(list)
		before := s.Snapshot()

		leaves := rapid.SliceOf(rapid.IntRange(10, 20)).Draw(t, "absent")
		for _, id := range leaves {
			if changes := s.ApplyLeft(fmt.Sprintf("m%d", id), rapid.Bool().Draw(t, "flag")); len(changes) != 0 {
				t.Fatalf("leave of absent id produced %v", changes)
			}
		}
		if after := s.Snapshot(); !assert.ObjectsAreEqual(before, after) {
			t.Fatalf("state changed: %+v -> %+v", before, after)
		}
	})
}

func TestStore_AtMostOneHost(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := NewStore()
		s.Reset("R1", "AB12", "", nil, 4)
		id := rapid.SampledFrom([]string{"a", "b", "c", "d", "e"})
		steps := rapid.IntRange(1, 30).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			switch rapid.IntRange(0, 3).Draw(t, "op") {
			case 0:
				var list []types.Participant
				for j := rapid.IntRange(0, 5).Draw(t, "n"); j > 0; j-- {
					list = append(list, wire(id.Draw(t, "id"), rapid.Bool().Draw(t, "host")))
				}
				s.ApplyMembership(list)
			case 1:
				s.ApplyJoined(wire(id.Draw(t, "id"), rapid.Bool().Draw(t, "host")))
			case 2:
				s.ApplyLeft(id.Draw(t, "id"), rapid.Bool().Draw(t, "host"))
			case 3:
				s.ApplyReady(id.Draw(t, "id"), rapid.Bool().Draw(t, "ready"))
			}
			if r := s.Snapshot(); hostCount(r) > 1 {
				t.Fatalf("more than one host: %+v", r.Participants)
			}
		}
	})
}
