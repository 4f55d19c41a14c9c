package skolebot

import (
	"context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"strings"
	"testing"
)

func TestRankLevels(t *testing.T) {
	t.Parallel()
	records := map[string]LevelRecord{
		"a": {Level: 1, Points: 15},
		"b": {Level: 2, Points: 25},
		"c": {Level: 1, Points: 18},
		"d": {Level: 1, Points: 15},
		"e": {Level: 0, Points: 3},
	}

	entries := RankLevels(records, 10)
	require.Len(t, entries, 5)
	ids := make([]string, 0, len(entries))
	for i, e := range entries {
		assert.Equal(t, i+1, e.Rank)
		ids = append(ids, e.UserID)
	}
	assert.Equal(t, []string{"b", "c", "a", "d", "e"}, ids)
	assert.Equal(t, int64(25), entries[0].Points)
	assert.Equal(t, 2, entries[0].Level)

	top := RankLevels(records, 2)
	require.Len(t, top, 2)
	assert.Equal(t, "b", top[0].UserID)
	assert.Equal(t, "c", top[1].UserID)

	assert.Empty(t, RankLevels(map[string]LevelRecord{}, 10))
}

func TestRankLevels_LevelBeforePoints(t *testing.T) {
	t.Parallel()
	entries := RankLevels(
		map[string]LevelRecord{
			"A": {Level: 2, Points: 5},
			"B": {Level: 2, Points: 9},
			"C": {Level: 1, Points: 100},
		}, 10,
	)
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.UserID)
	}
	assert.Equal(t, []string{"B", "A", "C"}, ids)
}

func TestLeaderboard(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	stores := newTestStores(t, newTestConfig(t))
	require.NoError(
		t,
		stores.Levels.SaveAll(
			ctx, map[string]LevelRecord{
				"111": {Level: 1, Points: 11},
				"222": {Level: 3, Points: 70},
			},
		),
	)

	entries, err := Leaderboard(ctx, stores.Levels, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "222", entries[0].UserID)

	text := formatLeaderboard(entries)
	lines := strings.Split(text, "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "1. <@222> Level 3 (70 point)", lines[1])
	assert.Equal(t, "2. <@111> Level 1 (11 point)", lines[2])

	assert.Equal(t, msgLeaderboardEmpty, formatLeaderboard(nil))
}
