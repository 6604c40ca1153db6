package domain

import "sort"

// LeaderboardEntry is a derived, snapshot-friendly view of a player's
// standing. It is recomputed from Player records on every display and never
// persisted as its own source of truth.
type LeaderboardEntry struct {
	Rank           int    `json:"rank"`
	UID            string `json:"uid"`
	DisplayName    string `json:"displayName"`
	Score          int    `json:"score"`
	CorrectAnswers int    `json:"correctAnswers"`
}

// Rank projects ranked standings from the given players.
//
// Ordering is score descending, ties broken by who reached their current
// cumulative score earlier (lower LastScoreAt), then by UID. The full order
// is deterministic, so ranks are assigned sequentially from 1.
func Rank(players []Player) []LeaderboardEntry {
	byUID := make(map[string]Player, len(players))
	entries := make([]LeaderboardEntry, 0, len(players))
	for _, p := range players {
		byUID[p.UID] = p
		entries = append(entries, LeaderboardEntry{
			UID:            p.UID,
			DisplayName:    p.DisplayName,
			Score:          p.Score(),
			CorrectAnswers: p.CorrectCount(),
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		pi, pj := byUID[entries[i].UID], byUID[entries[j].UID]
		if !pi.LastScoreAt.Equal(pj.LastScoreAt) {
			return pi.LastScoreAt.Before(pj.LastScoreAt)
		}
		return entries[i].UID < entries[j].UID
	})

	for i := range entries {
		entries[i].Rank = i + 1
	}
	return entries
}
