package rank

import (
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestRecord_RanksByClearTime(t *testing.T) {
	a := New()
	ids := []string{"P1", "P2", "P3"}

	require.True(t, a.Record("P1", 12*time.Second))
	require.True(t, a.Record("P2", 8*time.Second))
	assert.False(t, a.AllFinished(ids), "two of three finished")

	require.True(t, a.Record("P3", 15*time.Second))
	assert.True(t, a.AllFinished(ids))

	assert.Equal(t, 1, a.Standing("P2").Rank)
	assert.Equal(t, 2, a.Standing("P1").Rank)
	assert.Equal(t, 3, a.Standing("P3").Rank)

	leader, ok := a.Leader()
	require.True(t, ok)
	assert.Equal(t, "P2", leader.UserID)
}

func TestRecord_TiesKeepArrivalOrder(t *testing.T) {
	a := New()
	a.Record("late", 5*time.Second)
	a.Record("early", 3*time.Second)
	a.Record("tie", 5*time.Second)

	assert.Equal(t, 1, a.Standing("early").Rank)
	assert.Equal(t, 2, a.Standing("late").Rank)
	assert.Equal(t, 3, a.Standing("tie").Rank)
}

func TestRecord_DuplicateIgnored(t *testing.T) {
	a := New()
	require.True(t, a.Record("P1", 10*time.Second))
	assert.False(t, a.Record("P1", 2*time.Second))
	assert.Equal(t, 10*time.Second, a.Standing("P1").ClearTime)
	assert.False(t, a.Record("P2", NotFinished))
}

func TestStanding_Unknown(t *testing.T) {
	s := New().Standing("ghost")
	assert.False(t, s.Finished())
	assert.Equal(t, Unranked, s.Rank)
}

func TestReset_ClearsStandings(t *testing.T) {
	a := New()
	a.Record("P1", time.Second)
	require.True(t, a.Standing("P1").Finished())

	a.Reset()
	assert.False(t, a.Standing("P1").Finished())
	_, ok := a.Leader()
	assert.False(t, ok)
}

func TestAllFinished_EmptyRoom(t *testing.T) {
	assert.False(t, New().AllFinished(nil))
}

func TestRanks_DenseAndMonotonic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a := New()
		n := rapid.IntRange(0, 12).Draw(t, "completions")
		var ids []string
		for i := 0; i < n; i++ {
			id := fmt.Sprintf("p%d", rapid.IntRange(0, 8).Draw(t, "player"))
			ms := rapid.Int64Range(0, 20).Draw(t, "ms")
			if a.Record(id, time.Duration(ms)*time.Millisecond) {
				ids = append(ids, id)
			}
		}

		standings := make([]Standing, 0, len(ids))
		for _, id := range ids {
			standings = append(standings, a.Standing(id))
		}

		ranks := make([]int, 0, len(standings))
		for _, s := range standings {
			ranks = append(ranks, s.Rank)
		}
		slices.Sort(ranks)
		for i, r := range ranks {
			if r != i+1 {
				t.Fatalf("ranks not a permutation of 1..%d: %v", len(ranks), ranks)
			}
		}

		for _, x := range standings {
			for _, y := range standings {
				if x.ClearTime < y.ClearTime && x.Rank > y.Rank {
					t.Fatalf("%s (%v) ranked after %s (%v)", x.UserID, x.ClearTime, y.UserID, y.ClearTime)
				}
			}
		}
	})
}
