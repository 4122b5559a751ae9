package workflow

import (
	"time"

	"github.com/nadmax/creatorq/internal/fetcher"
	"github.com/nadmax/creatorq/internal/task"
	"golang.org/x/time/rate"
)

// Fetchers are the upstream capabilities the built-in workflows are composed of.
type Fetchers struct {
	ChannelStats      fetcher.Fetcher
	VideoIntelligence fetcher.Fetcher
	AffiliateSearch   fetcher.Fetcher
	Strategies        fetcher.Fetcher
	Playbook          fetcher.Fetcher
}

type Options struct {
	DefaultTTL time.Duration
	TTL        map[string]time.Duration
	// Limiters are keyed by stage name and shared by every workflow using that stage.
	Limiters map[string]*rate.Limiter
	// VideoTimeout bounds a single video_intelligence call, which may take minutes.
	VideoTimeout time.Duration
}

func (o Options) ttl(name string) time.Duration {
	if d, ok := o.TTL[name]; ok && d > 0 {
		return d
	}
	return o.DefaultTTL
}

func (o Options) stage(name string, f fetcher.Fetcher) Stage {
	return Stage{Name: name, Fetcher: f, Limiter: o.Limiters[name]}
}

// Builtin assembles the enumerated workflows.
func Builtin(f Fetchers, opts Options) *Catalog {
	video := opts.stage("video_intelligence", f.VideoIntelligence)
	video.Timeout = opts.VideoTimeout

	channelContext := opts.stage("channel_stats", f.ChannelStats)
	channelContext.When = func(ctx task.Payload) bool {
		channel, _ := ctx["channel"].(string)
		return channel != ""
	}

	return NewCatalog(
		&Definition{
			Name:        ChannelHealth,
			Description: "Channel statistics scored for health and monetization readiness",
			TTL:         opts.ttl(ChannelHealth),
			Normalize:   normalizeChannelInput,
			Stages: []Stage{
				opts.stage("channel_stats", f.ChannelStats),
				{Name: "health_score", Fetcher: HealthScore},
			},
		},
		&Definition{
			Name:        VideoAnalysis,
			Description: "Video understanding insights: title, topics, hashtags, summary",
			TTL:         opts.ttl(VideoAnalysis),
			Normalize:   normalizeVideoInput,
			Stages:      []Stage{video},
		},
		&Definition{
			Name:        Monetization,
			Description: "Video analysis, affiliate products, optional channel context and monetization strategies",
			TTL:         opts.ttl(Monetization),
			Normalize:   normalizeMonetizationInput,
			Stages: []Stage{
				video,
				opts.stage("affiliate_search", f.AffiliateSearch),
				channelContext,
				opts.stage("strategies", f.Strategies),
			},
		},
		&Definition{
			Name:        RevenuePlaybook,
			Description: "Thirty-day revenue playbook derived from channel statistics and health",
			TTL:         opts.ttl(RevenuePlaybook),
			Normalize:   normalizeChannelInput,
			Stages: []Stage{
				opts.stage("channel_stats", f.ChannelStats),
				{Name: "health_score", Fetcher: HealthScore},
				opts.stage("playbook", f.Playbook),
			},
		},
	)
}
