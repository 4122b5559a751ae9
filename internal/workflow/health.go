package workflow

import (
	"context"

	"github.com/nadmax/creatorq/internal/fetcher"
	"github.com/nadmax/creatorq/internal/task"
)

// HealthScore scores channel statistics produced by the channel_stats stage. It
// runs locally and never fails on well-formed statistics.
var HealthScore = fetcher.FetcherFunc(func(_ context.Context, input task.Payload) (task.Payload, error) {
	subscribers := number(input["subscribers"])
	videos := number(input["video_count"])
	views := number(input["views"])
	likes, hasLikes := input["likes"]

	score := subscriberScore(subscribers) + volumeScore(videos)
	if hasLikes {
		score += likeEngagementScore(number(likes), views)
	} else {
		score += viewEngagementScore(views, videos)
	}

	return task.Payload{
		"health_score":       score,
		"health_rating":      rating(score),
		"monetization_ready": subscribers >= 1000 && videos >= 10,
	}, nil
})

func subscriberScore(subs float64) int {
	switch {
	case subs >= 1_000_000:
		return 40
	case subs >= 100_000:
		return 35
	case subs >= 10_000:
		return 30
	case subs >= 1_000:
		return 25
	case subs >= 100:
		return 15
	default:
		return 5
	}
}

func volumeScore(videos float64) int {
	switch {
	case videos >= 100:
		return 30
	case videos >= 50:
		return 25
	case videos >= 20:
		return 20
	case videos >= 10:
		return 15
	case videos >= 5:
		return 10
	default:
		return 5
	}
}

func likeEngagementScore(likes, views float64) int {
	if views == 0 {
		return 0
	}

	switch rate := likes / views * 100; {
	case rate >= 5:
		return 30
	case rate >= 3:
		return 25
	case rate >= 2:
		return 20
	case rate >= 1:
		return 15
	default:
		return 5
	}
}

func viewEngagementScore(views, videos float64) int {
	if videos == 0 || views == 0 {
		return 0
	}

	switch avg := views / videos; {
	case avg >= 10_000:
		return 30
	case avg >= 1_000:
		return 20
	case avg >= 100:
		return 10
	default:
		return 5
	}
}

func rating(score int) string {
	switch {
	case score >= 85:
		return "Excellent"
	case score >= 70:
		return "Very Good"
	case score >= 55:
		return "Good"
	case score >= 40:
		return "Fair"
	case score >= 25:
		return "Poor"
	default:
		return "Critical"
	}
}

func number(v any) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case float64:
		return n
	case float32:
		return float64(n)
	default:
		return 0
	}
}
