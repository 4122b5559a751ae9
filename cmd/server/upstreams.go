package main

import (
	"github.com/nadmax/creatorq/internal/config"
	"github.com/nadmax/creatorq/internal/fetcher"
	"github.com/nadmax/creatorq/internal/workflow"
	"golang.org/x/time/rate"
)

const (
	strategiesInstruction = `You are an expert in content creator monetization strategies.
Using the video analysis, the affiliate products and the channel context provided,
return a JSON array of specific strategies, each with "title", "description",
"effort" and "expected_impact". Base every strategy on the actual content.`

	playbookInstruction = `You are a YouTube monetization expert. Using the channel statistics
and health analysis provided, write a thirty-day revenue playbook as a JSON object with
"week_1" to "week_4" sections, each holding a "title", a markdown "body_md" and a list
of concrete "actions" tailored to the channel's size and readiness.`
)

func newCatalog(cfg *config.Config) *workflow.Catalog {
	youtube := fetcher.NewHTTPClient(cfg.YouTubeBaseURL, "", cfg.FetchTimeout)
	video := fetcher.NewHTTPClient(cfg.VideoBaseURL, cfg.VideoAPIKey, cfg.VideoTimeout, fetcher.WithHeaderAuth("x-api-key"))
	affiliate := fetcher.NewHTTPClient(cfg.AffiliateBaseURL, cfg.AffiliateAPIKey, cfg.FetchTimeout, fetcher.WithBearerAuth())
	chat := fetcher.NewHTTPClient(cfg.ChatBaseURL, cfg.ChatAPIKey, cfg.FetchTimeout, fetcher.WithBearerAuth())

	chatLimiter := newLimiter(cfg.ChatRPS)

	return workflow.Builtin(workflow.Fetchers{
		ChannelStats:      fetcher.NewChannelStats(youtube, cfg.YouTubeAPIKey),
		VideoIntelligence: fetcher.NewVideoIntelligence(video),
		AffiliateSearch:   fetcher.NewAffiliateSearch(affiliate),
		Strategies:        fetcher.NewChatCompletion(chat, cfg.ChatModel, strategiesInstruction, "strategies"),
		Playbook:          fetcher.NewChatCompletion(chat, cfg.ChatModel, playbookInstruction, "playbook"),
	}, workflow.Options{
		DefaultTTL: cfg.CacheTTL,
		TTL:        cfg.WorkflowTTL,
		Limiters: map[string]*rate.Limiter{
			"channel_stats": newLimiter(cfg.YouTubeRPS),
			"strategies":    chatLimiter,
			"playbook":      chatLimiter,
		},
		VideoTimeout: cfg.VideoTimeout,
	})
}

// newLimiter returns nil, meaning unlimited, for a non-positive rate.
func newLimiter(rps float64) *rate.Limiter {
	if rps <= 0 {
		return nil
	}

	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}
