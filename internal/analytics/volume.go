package analytics

import (
	"sort"
	"time"

	"lookout/internal/model"
)

// HourlyVolume aggregates posts into per-hour, per-platform counts.
func HourlyVolume(posts []model.Post) map[time.Time]map[model.Platform]int {
	buckets := make(map[time.Time]map[model.Platform]int)
	for _, p := range posts {
		ts := p.CreatedAt.UTC()
		key := time.Date(ts.Year(), ts.Month(), ts.Day(), ts.Hour(), 0, 0, 0, time.UTC)
		if _, ok := buckets[key]; !ok {
			buckets[key] = make(map[model.Platform]int)
		}
		buckets[key][p.Platform]++
	}
	return buckets
}

// SortedBucketKeys returns sorted hour keys.
func SortedBucketKeys(m map[time.Time]map[model.Platform]int) []time.Time {
	keys := make([]time.Time, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Before(keys[j]) })
	return keys
}

// Totals sums the optional engagement counters of posts; missing values count as zero.
type Totals struct {
	Posts      int
	Likes      int64
	Shares     int64
	Views      int64
	Engagement int64
}

func Sum(posts []model.Post) Totals {
	var t Totals
	add := func(dst *int64, v *int64) {
		if v != nil {
			*dst += *v
		}
	}
	for _, p := range posts {
		t.Posts++
		add(&t.Likes, p.Scores.Likes)
		add(&t.Shares, p.Scores.Shares)
		add(&t.Views, p.Scores.Views)
		add(&t.Engagement, p.Scores.Engagement)
	}
	return t
}
