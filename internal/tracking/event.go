package tracking

import (
	"strings"
	"time"
)

type EventType string

const (
	EventOpen        EventType = "opened"
	EventClick       EventType = "clicked"
	EventBounce      EventType = "bounced"
	EventUnsubscribe EventType = "unsubscribed"
	EventComplaint   EventType = "complained"
)

// Event is the engagement record flowing from the request handlers through
// SQS into the durable store. Privacy scrubbing (recipient hashing, IP
// truncation, header allow-listing) happens before construction; nothing
// downstream ever sees raw identifiers.
type Event struct {
	ID            string            `json:"id"` // stamped at build time; dedup key across queue redeliveries
	EventType     EventType         `json:"event_type"`
	TenantID      string            `json:"tenant_id"`
	CampaignID    string            `json:"campaign_id"`
	MessageID     string            `json:"message_id"`
	RecipientHash string            `json:"recipient_hash"`
	LinkURL       string            `json:"link_url,omitempty"` // CLICK only
	SourceIP      string            `json:"source_ip"`          // truncated
	UserAgent     string            `json:"user_agent"`
	DeviceType    string            `json:"device_type"`
	ClientLabel   Label             `json:"client_label"`
	Confidence    Confidence        `json:"confidence"`
	IsAutomated   bool              `json:"is_automated"`
	Headers       map[string]string `json:"headers,omitempty"` // sanitized subset
	OccurredAt    time.Time         `json:"occurred_at"`
}

// detectDevice buckets a user agent into mobile/tablet/desktop.
func detectDevice(ua string) string {
	ua = strings.ToLower(ua)
	if strings.Contains(ua, "mobile") || strings.Contains(ua, "android") || strings.Contains(ua, "iphone") {
		return "mobile"
	}
	if strings.Contains(ua, "tablet") || strings.Contains(ua, "ipad") {
		return "tablet"
	}
	return "desktop"
}
