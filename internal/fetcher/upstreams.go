package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/nadmax/creatorq/internal/task"
)

// ChannelStats reads channel statistics from the YouTube Data API.
type ChannelStats struct {
	client *HTTPClient
	apiKey string
}

func NewChannelStats(client *HTTPClient, apiKey string) *ChannelStats {
	return &ChannelStats{client: client, apiKey: apiKey}
}

// Fetch expects input["channel"] to hold either a raw channel id or a handle
// without the leading "@".
func (f *ChannelStats) Fetch(ctx context.Context, input task.Payload) (task.Payload, error) {
	const op = "channel_stats"

	channel, _ := input["channel"].(string)
	if channel == "" {
		return nil, Permanent(op, errors.New("missing 'channel' field"))
	}

	query := url.Values{}
	query.Set("part", "snippet,statistics")
	query.Set("key", f.apiKey)
	if IsChannelID(channel) {
		query.Set("id", channel)
	} else {
		query.Set("forHandle", "@"+channel)
	}

	resp, err := f.client.Do(ctx, op, http.MethodGet, "/channels", query, nil)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Items []struct {
			ID      string `json:"id"`
			Snippet struct {
				Title     string `json:"title"`
				CustomURL string `json:"customUrl"`
			} `json:"snippet"`
			Statistics struct {
				SubscriberCount string `json:"subscriberCount"`
				ViewCount       string `json:"viewCount"`
				VideoCount      string `json:"videoCount"`
			} `json:"statistics"`
		} `json:"items"`
	}
	if err := remarshal(resp, &parsed); err != nil {
		return nil, Permanent(op, err)
	}
	if len(parsed.Items) == 0 {
		return nil, Permanent(op, fmt.Errorf("channel not found: %s", channel))
	}

	item := parsed.Items[0]
	return task.Payload{
		"channel_id":  item.ID,
		"name":        item.Snippet.Title,
		"handle":      item.Snippet.CustomURL,
		"subscribers": parseCount(item.Statistics.SubscriberCount),
		"views":       parseCount(item.Statistics.ViewCount),
		"video_count": parseCount(item.Statistics.VideoCount),
	}, nil
}

var channelIDPattern = regexp.MustCompile(`^UC[A-Za-z0-9_-]{22}$`)

// IsChannelID reports whether s looks like a raw YouTube channel id.
func IsChannelID(s string) bool {
	return channelIDPattern.MatchString(s)
}

// VideoIntelligence submits a video for understanding and returns its insights
// (title, topics, hashtags, summary, analysis text).
type VideoIntelligence struct {
	client *HTTPClient
}

func NewVideoIntelligence(client *HTTPClient) *VideoIntelligence {
	return &VideoIntelligence{client: client}
}

func (f *VideoIntelligence) Fetch(ctx context.Context, input task.Payload) (task.Payload, error) {
	const op = "video_intelligence"

	videoURL, _ := input["video_url"].(string)
	if videoURL == "" {
		return nil, Permanent(op, errors.New("missing 'video_url' field"))
	}

	resp, err := f.client.Do(ctx, op, http.MethodPost, "/analyze", nil, map[string]any{
		"video_url": videoURL,
		"types":     []string{"title", "topic", "hashtag", "summary"},
	})
	if err != nil {
		return nil, err
	}

	return task.Payload{"video": resp}, nil
}

// AffiliateSearch looks up purchasable products for keywords extracted from a video
// and tags each product link with the caller's affiliate codes.
type AffiliateSearch struct {
	client *HTTPClient
}

func NewAffiliateSearch(client *HTTPClient) *AffiliateSearch {
	return &AffiliateSearch{client: client}
}

func (f *AffiliateSearch) Fetch(ctx context.Context, input task.Payload) (task.Payload, error) {
	const op = "affiliate_search"

	keywords := ProductKeywords(input)
	if len(keywords) == 0 {
		return task.Payload{"products": []any{}, "product_keywords": []any{}}, nil
	}

	codes := AffiliateCodes(input)
	body := map[string]any{
		"keywords":  keywords,
		"platforms": ActivePlatforms(codes),
	}

	resp, err := f.client.Do(ctx, op, http.MethodPost, "/search", nil, body)
	if err != nil {
		return nil, err
	}

	products, _ := resp["products"].([]any)
	products = TagProducts(products, codes)

	kw := make([]any, len(keywords))
	for i, k := range keywords {
		kw[i] = k
	}
	return task.Payload{"products": products, "product_keywords": kw}, nil
}

// ProductKeywords collects the product names the video stage surfaced, either as
// an explicit "products" list or as topics.
func ProductKeywords(input task.Payload) []string {
	video, _ := input["video"].(map[string]any)
	if video == nil {
		return nil
	}

	var out []string
	seen := make(map[string]bool)
	for _, field := range []string{"products", "topics"} {
		items, _ := video[field].([]any)
		for _, item := range items {
			s, ok := item.(string)
			if !ok {
				continue
			}
			s = strings.TrimSpace(s)
			if s == "" || seen[strings.ToLower(s)] {
				continue
			}
			seen[strings.ToLower(s)] = true
			out = append(out, s)
		}
	}
	return out
}

// ChatCompletion calls an OpenAI-compatible chat completion endpoint and stores
// the assistant's reply under Field. The accumulated context is sent as the user
// message; Instruction is the system message.
type ChatCompletion struct {
	client      *HTTPClient
	model       string
	Instruction string
	Field       string
}

func NewChatCompletion(client *HTTPClient, model, instruction, field string) *ChatCompletion {
	return &ChatCompletion{client: client, model: model, Instruction: instruction, Field: field}
}

func (f *ChatCompletion) Fetch(ctx context.Context, input task.Payload) (task.Payload, error) {
	op := "chat_completion:" + f.Field

	contextJSON, err := json.Marshal(input)
	if err != nil {
		return nil, Permanent(op, fmt.Errorf("failed to encode context: %w", err))
	}

	resp, err := f.client.Do(ctx, op, http.MethodPost, "/chat/completions", nil, map[string]any{
		"model": f.model,
		"messages": []map[string]string{
			{"role": "system", "content": f.Instruction},
			{"role": "user", "content": string(contextJSON)},
		},
		"response_format": map[string]string{"type": "json_object"},
	})
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := remarshal(resp, &parsed); err != nil {
		return nil, Permanent(op, err)
	}
	if len(parsed.Choices) == 0 {
		return nil, Transient(op, errors.New("completion returned no choices"))
	}

	content := parsed.Choices[0].Message.Content
	var structured any
	if err := json.Unmarshal([]byte(content), &structured); err != nil {
		structured = content
	}

	return task.Payload{f.Field: structured}, nil
}

func remarshal(in task.Payload, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func parseCount(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
