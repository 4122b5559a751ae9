package workflow

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/nadmax/creatorq/internal/fetcher"
	"github.com/nadmax/creatorq/internal/task"
)

var validate = validator.New()

var youtubeVideoPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?:https?://)?(?:www\.|m\.)?youtube\.com/watch\?(?:.*&)?v=([a-zA-Z0-9_-]{11})`),
	regexp.MustCompile(`(?:https?://)?youtu\.be/([a-zA-Z0-9_-]{11})`),
	regexp.MustCompile(`(?:https?://)?(?:www\.|m\.)?youtube\.com/(?:embed|shorts)/([a-zA-Z0-9_-]{11})`),
}

type ChannelInput struct {
	Handle string `json:"handle" validate:"required,max=256"`
}

type VideoInput struct {
	VideoURL string `json:"video_url" validate:"required,max=2048"`
}

type MonetizationInput struct {
	VideoURL   string `json:"video_url" validate:"required,max=2048"`
	ChannelURL string `json:"channel_url" validate:"omitempty,max=256"`
	// AffiliateCode is shorthand for an Amazon Associates tag.
	AffiliateCode  string         `json:"affiliate_code" validate:"omitempty,max=64,printascii"`
	AffiliateCodes AffiliateCodes `json:"affiliate_codes"`
}

type AffiliateCodes struct {
	Amazon  string `json:"amazon" validate:"omitempty,max=64,printascii"`
	Ebay    string `json:"ebay" validate:"omitempty,max=64,printascii"`
	Walmart string `json:"walmart" validate:"omitempty,max=64,printascii"`
	Target  string `json:"target" validate:"omitempty,max=64,printascii"`
}

func (c AffiliateCodes) payload() task.Payload {
	out := task.Payload{}
	for platform, code := range map[string]string{
		"amazon":  c.Amazon,
		"ebay":    c.Ebay,
		"walmart": c.Walmart,
		"target":  c.Target,
	} {
		if code = strings.TrimSpace(code); code != "" {
			out[platform] = code
		}
	}
	return out
}

func normalizeChannelInput(raw task.Payload) (task.Payload, error) {
	var in ChannelInput
	if err := decodeInput(raw, &in); err != nil {
		return nil, err
	}

	channel, err := NormalizeChannel(in.Handle)
	if err != nil {
		return nil, err
	}
	return task.Payload{"channel": channel}, nil
}

func normalizeVideoInput(raw task.Payload) (task.Payload, error) {
	var in VideoInput
	if err := decodeInput(raw, &in); err != nil {
		return nil, err
	}

	videoURL, err := NormalizeVideoURL(in.VideoURL)
	if err != nil {
		return nil, err
	}
	return task.Payload{"video_url": videoURL}, nil
}

func normalizeMonetizationInput(raw task.Payload) (task.Payload, error) {
	var in MonetizationInput
	if err := decodeInput(raw, &in); err != nil {
		return nil, err
	}

	videoURL, err := NormalizeVideoURL(in.VideoURL)
	if err != nil {
		return nil, err
	}

	out := task.Payload{"video_url": videoURL}
	if strings.TrimSpace(in.ChannelURL) != "" {
		channel, err := NormalizeChannel(in.ChannelURL)
		if err != nil {
			return nil, err
		}
		out["channel"] = channel
	}
	if strings.TrimSpace(in.AffiliateCodes.Amazon) == "" {
		in.AffiliateCodes.Amazon = in.AffiliateCode
	}
	if codes := in.AffiliateCodes.payload(); len(codes) > 0 {
		out["affiliate_codes"] = codes
	}
	return out, nil
}

// NormalizeChannel canonicalizes a channel reference. Handles are case-insensitive
// upstream and are lowercased without the leading "@"; raw channel ids are kept
// verbatim. Host prefixes are only stripped from youtube.com URLs, since a bare
// handle may itself contain dots.
func NormalizeChannel(raw string) (string, error) {
	s := strings.TrimSpace(raw)

	rest, isURL := trimFold(s, "https://")
	if !isURL {
		rest, isURL = trimFold(s, "http://")
	}

	host, path := rest, ""
	if i := strings.IndexAny(rest, "/?#"); i >= 0 {
		host, path = rest[:i], rest[i:]
	}
	switch strings.ToLower(host) {
	case "youtube.com", "www.youtube.com", "m.youtube.com":
		s = strings.TrimPrefix(path, "/")
		for _, prefix := range []string{"channel/", "c/", "user/"} {
			if trimmed, ok := trimFold(s, prefix); ok {
				s = trimmed
				break
			}
		}
	default:
		if isURL {
			return "", fmt.Errorf("%w: not a youtube channel url %q", ErrInvalidInput, raw)
		}
	}

	if i := strings.IndexAny(s, "/?#&"); i >= 0 {
		s = s[:i]
	}
	handle := strings.HasPrefix(s, "@")
	s = strings.TrimPrefix(s, "@")

	if s == "" {
		return "", fmt.Errorf("%w: empty channel reference %q", ErrInvalidInput, raw)
	}
	if !handle && fetcher.IsChannelID(s) {
		return s, nil
	}
	return strings.ToLower(s), nil
}

func trimFold(s, prefix string) (string, bool) {
	if len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix) {
		return s[len(prefix):], true
	}
	return s, false
}

// NormalizeVideoURL rewrites every YouTube URL form to the canonical watch URL and
// trims anything else.
func NormalizeVideoURL(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("%w: empty video url", ErrInvalidInput)
	}

	for _, re := range youtubeVideoPatterns {
		if m := re.FindStringSubmatch(s); m != nil {
			return "https://www.youtube.com/watch?v=" + m[1], nil
		}
	}
	return s, nil
}

func decodeInput(raw task.Payload, out any) error {
	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := validate.Struct(out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}
