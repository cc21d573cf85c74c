package events

// Event types accepted on the wire.
const (
	EventTypePage     = "page"
	EventTypeTrack    = "track"
	EventTypeIdentify = "identify"
)

// Channels. An event without a channel is treated as web.
const (
	ChannelWeb      = "web"
	ChannelWhatsApp = "whatsapp"
)

// UTM property keys read from event properties and page URLs.
const (
	UTMSourceKey   = "utm_source"
	UTMMediumKey   = "utm_medium"
	UTMCampaignKey = "utm_campaign"
	UTMTermKey     = "utm_term"
	UTMContentKey  = "utm_content"
)

// ValidEventType reports whether t is one of the accepted event types.
func ValidEventType(t string) bool {
	switch t {
	case EventTypePage, EventTypeTrack, EventTypeIdentify:
		return true
	}
	return false
}
