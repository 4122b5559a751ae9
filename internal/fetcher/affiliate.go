package fetcher

import (
	"net/url"
	"strings"

	"github.com/nadmax/creatorq/internal/task"
)

// Query parameter each platform reads the partner code from.
var affiliateParams = map[string]string{
	"amazon":  "tag",
	"ebay":    "campid",
	"walmart": "wmlspartner",
	"target":  "u1",
}

var (
	affiliatePlatforms = []string{"amazon", "ebay", "walmart", "target"}
	defaultPlatforms   = []string{"amazon", "ebay", "walmart"}
)

// AffiliateURL tags productURL with the partner code registered for platform.
// The URL is returned untouched when there is no code for it, and Amazon codes
// are only applied to amazon.com links.
func AffiliateURL(productURL, platform string, codes map[string]string) string {
	if productURL == "" {
		return ""
	}

	platform = strings.ToLower(platform)
	param, ok := affiliateParams[platform]
	code := codes[platform]
	if !ok || code == "" {
		return productURL
	}
	if platform == "amazon" && !strings.Contains(productURL, "amazon.com") {
		return productURL
	}

	sep := "?"
	if strings.Contains(productURL, "?") {
		sep = "&"
	}
	return productURL + sep + param + "=" + url.QueryEscape(code)
}

// AffiliateCodes reads the per-platform codes the monetization input carries.
func AffiliateCodes(input task.Payload) map[string]string {
	codes := make(map[string]string)
	switch raw := input["affiliate_codes"].(type) {
	case map[string]string:
		for k, v := range raw {
			codes[k] = v
		}
	case map[string]any:
		for k, v := range raw {
			if s, ok := v.(string); ok && s != "" {
				codes[k] = s
			}
		}
	}
	return codes
}

// ActivePlatforms lists the platforms that have a code, falling back to the
// major marketplaces when none do.
func ActivePlatforms(codes map[string]string) []string {
	var out []string
	for _, p := range affiliatePlatforms {
		if codes[p] != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return append([]string(nil), defaultPlatforms...)
	}
	return out
}

// TagProducts returns copies of products with "affiliate_url" set from each
// product's URL and platform.
func TagProducts(products []any, codes map[string]string) []any {
	out := make([]any, len(products))
	for i, item := range products {
		product, ok := item.(map[string]any)
		if !ok {
			out[i] = item
			continue
		}

		tagged := make(map[string]any, len(product)+1)
		for k, v := range product {
			tagged[k] = v
		}
		productURL, _ := product["product_url"].(string)
		platform, _ := product["platform"].(string)
		tagged["affiliate_url"] = AffiliateURL(productURL, platform, codes)
		out[i] = tagged
	}
	return out
}
