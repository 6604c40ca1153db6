package domain

import (
	"reflect"
	"testing"
	"time"
)

func TestRankOrdersByScoreThenEarliestThenUID(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	players := []Player{
		scoredPlayer("u3", "Cara", 10, base),
		scoredPlayer("u1", "Alice", 30, base.Add(5*time.Second)),
		scoredPlayer("u2", "Bob", 30, base.Add(2*time.Second)),
	}

	entries := Rank(players)
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	// Bob reached 30 earlier than Alice, so he takes rank 1.
	if entries[0].UID != "u2" || entries[0].Rank != 1 {
		t.Fatalf("expected Bob first, got %+v", entries[0])
	}
	if entries[1].UID != "u1" || entries[1].Rank != 2 {
		t.Fatalf("expected Alice second, got %+v", entries[1])
	}
	if entries[2].UID != "u3" || entries[2].Rank != 3 {
		t.Fatalf("expected Cara third, got %+v", entries[2])
	}
}

func TestRankIsStableAcrossRecomputation(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	players := []Player{
		scoredPlayer("b", "B", 30, at),
		scoredPlayer("a", "A", 30, at),
		scoredPlayer("c", "C", 10, at),
	}

	first := Rank(players)
	for i := 0; i < 10; i++ {
		if got := Rank(players); !reflect.DeepEqual(got, first) {
			t.Fatalf("ranking changed between computations: %+v vs %+v", got, first)
		}
	}
	// Identical score and time falls back to UID order.
	if first[0].UID != "a" || first[1].UID != "b" {
		t.Fatalf("expected UID tie-break, got %+v", first)
	}
}

func TestRankCountsCorrectAnswers(t *testing.T) {
	p := Player{
		UID:         "u1",
		DisplayName: "Alice",
		Answers: []Answer{
			{QuestionIndex: 0, IsCorrect: true, PointsEarned: 100},
			{QuestionIndex: 1, IsCorrect: false, PointsEarned: 50},
			{QuestionIndex: 2, IsCorrect: true, PointsEarned: 100},
		},
	}
	entries := Rank([]Player{p})
	if entries[0].Score != 250 || entries[0].CorrectAnswers != 2 {
		t.Fatalf("expected score 250 with 2 correct, got %+v", entries[0])
	}
}

func scoredPlayer(uid, name string, score int, reachedAt time.Time) Player {
	return Player{
		UID:         uid,
		DisplayName: name,
		Status:      PlayerConnected,
		Answers:     []Answer{{QuestionIndex: 0, IsCorrect: true, PointsEarned: score}},
		LastScoreAt: reachedAt,
	}
}
