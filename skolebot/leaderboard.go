package skolebot

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
)

const msgLeaderboardEmpty = "Ingen har optjent point endnu."

// LeaderboardEntry is one ranked member
type LeaderboardEntry struct {
	Rank   int    `json:"rank"`
	UserID string `json:"user_id"`
	Level  int    `json:"level"`
	Points int64  `json:"points"`
}

// RankLevels orders records by level, then points, both descending, and
// returns the first limit entries. Records tied on both are ordered by
// user ID, so the result is stable across calls.
func RankLevels(records map[string]LevelRecord, limit int) []LeaderboardEntry {
	ids := make([]string, 0, len(records))
	for id := range records {
		ids = append(ids, id)
	}
	slices.SortFunc(
		ids, func(x, y string) int {
			a, b := records[x], records[y]
			if c := cmp.Compare(b.Level, a.Level); c != 0 {
				return c
			}
			if c := cmp.Compare(b.Points, a.Points); c != 0 {
				return c
			}
			return cmp.Compare(x, y)
		},
	)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}

	entries := make([]LeaderboardEntry, 0, len(ids))
	for i, id := range ids {
		rec := records[id]
		entries = append(
			entries, LeaderboardEntry{
				Rank:   i + 1,
				UserID: id,
				Level:  rec.Level,
				Points: rec.Points,
			},
		)
	}
	return entries
}

// Leaderboard loads every level record and ranks it
func Leaderboard(
	ctx context.Context,
	store RecordStore[LevelRecord],
	limit int,
) ([]LeaderboardEntry, error) {
	records, err := store.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("error loading levels: %w", err)
	}
	return RankLevels(records, limit), nil
}

func formatLeaderboard(entries []LeaderboardEntry) string {
	if len(entries) == 0 {
		return msgLeaderboardEmpty
	}
	var sb strings.Builder
	sb.WriteString("**🏆 Leaderboard**\n")
	for _, e := range entries {
		_, _ = fmt.Fprintf(&sb, "%d. <@%s> Level %d (%d point)\n", e.Rank, e.UserID, e.Level, e.Points)
	}
	return strings.TrimRight(sb.String(), "\n")
}
