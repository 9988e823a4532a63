package analytics

import (
	"testing"
	"time"

	"lookout/internal/model"
)

func TestHourlyVolume(t *testing.T) {
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	posts := []model.Post{
		{Platform: model.Twitter, CreatedAt: base.Add(5 * time.Minute)},
		{Platform: model.Twitter, CreatedAt: base.Add(59 * time.Minute)},
		{Platform: model.YouTube, CreatedAt: base.Add(30 * time.Minute)},
		{Platform: model.Twitter, CreatedAt: base.Add(61 * time.Minute)},
	}
	b := HourlyVolume(posts)
	keys := SortedBucketKeys(b)
	if len(keys) != 2 || !keys[0].Equal(base) {
		t.Fatalf("keys = %v", keys)
	}
	if b[base][model.Twitter] != 2 || b[base][model.YouTube] != 1 {
		t.Fatalf("first bucket = %v", b[base])
	}
	if b[keys[1]][model.Twitter] != 1 {
		t.Fatalf("second bucket = %v", b[keys[1]])
	}
}

func TestSumSkipsMissingScores(t *testing.T) {
	got := Sum([]model.Post{
		{Scores: model.Scores{Likes: model.Int64(3), Views: model.Int64(10)}},
		{Scores: model.Scores{Likes: model.Int64(2)}},
		{},
	})
	if got.Posts != 3 || got.Likes != 5 || got.Views != 10 || got.Shares != 0 {
		t.Fatalf("Sum = %+v", got)
	}
}
