package events

import (
	"fmt"
	"net/url"
	"strings"
)

// UTM holds campaign attribution parameters.
type UTM struct {
	Source   string
	Medium   string
	Campaign string
	Term     string
	Content  string
}

// IsPageView reports whether an event counts as a page view.
func IsPageView(eventType, eventName string) bool {
	if eventType == EventTypePage {
		return true
	}
	switch strings.ToLower(eventName) {
	case "page_view", "pageview":
		return true
	}
	return false
}

// NormalizeChannel returns the channel an event belongs to. Unset means web.
func NormalizeChannel(channel string) string {
	channel = strings.ToLower(strings.TrimSpace(channel))
	if channel == "" {
		return ChannelWeb
	}
	return channel
}

// ExtractUTM reads UTM parameters from event properties, falling back to the
// query string of the page URL for any parameter the properties lack.
func ExtractUTM(properties map[string]any, pageURL string) UTM {
	var query url.Values
	if pageURL != "" {
		if parsed, err := url.Parse(pageURL); err == nil {
			query = parsed.Query()
		}
	}

	get := func(key string) string {
		if v := propertyString(properties, key); v != "" {
			return v
		}
		return getUTMParam(query, key)
	}

	return UTM{
		Source:   get(UTMSourceKey),
		Medium:   get(UTMMediumKey),
		Campaign: get(UTMCampaignKey),
		Term:     get(UTMTermKey),
		Content:  get(UTMContentKey),
	}
}

func getUTMParam(query url.Values, param string) string {
	if query == nil {
		return ""
	}
	return strings.TrimSpace(query.Get(param))
}

func propertyString(properties map[string]any, key string) string {
	v, ok := properties[key]
	if !ok || v == nil {
		return ""
	}
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case fmt.Stringer:
		return strings.TrimSpace(val.String())
	case bool, float64, int, int64:
		return fmt.Sprint(val)
	}
	return ""
}
