package store

import (
	"context"
	"fmt"
	"time"
)

// StoredEvent is one row of the event log as served to the dashboard
// collaborator. Recipient identifiers are hashed at rest, so this is safe to
// return as-is.
type StoredEvent struct {
	ID            string    `json:"id"`
	EventType     string    `json:"event_type"`
	CampaignID    string    `json:"campaign_id"`
	MessageID     string    `json:"message_id"`
	RecipientHash string    `json:"recipient_hash"`
	LinkURL       string    `json:"link_url,omitempty"`
	DeviceType    string    `json:"device_type,omitempty"`
	ClientLabel   string    `json:"client_label"`
	IsAutomated   bool      `json:"is_automated"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// CampaignEvents lists a campaign's events, newest first, optionally
// filtered by event type.
func (s *Store) CampaignEvents(ctx context.Context, campaignID, eventType string, limit, offset int) ([]StoredEvent, int, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	var total int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tracking_events
		WHERE campaign_id = $1 AND ($2 = '' OR event_type = $2)
	`, campaignID, eventType).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("event count: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_type, campaign_id, message_id, recipient_hash,
		       COALESCE(link_url, ''), device_type, client_label, is_automated, occurred_at
		FROM tracking_events
		WHERE campaign_id = $1 AND ($2 = '' OR event_type = $2)
		ORDER BY occurred_at DESC
		LIMIT $3 OFFSET $4
	`, campaignID, eventType, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("event list: %w", err)
	}
	defer rows.Close()

	var events []StoredEvent
	for rows.Next() {
		var e StoredEvent
		if err := rows.Scan(&e.ID, &e.EventType, &e.CampaignID, &e.MessageID, &e.RecipientHash,
			&e.LinkURL, &e.DeviceType, &e.ClientLabel, &e.IsAutomated, &e.OccurredAt); err != nil {
			return nil, 0, fmt.Errorf("event scan: %w", err)
		}
		events = append(events, e)
	}
	return events, total, rows.Err()
}
