// Package store is the postgres persistence layer for the tracking engine:
// the append-only event log, opt-out records, campaign rollups and the
// read-only message/campaign metadata owned by the campaign-management
// collaborator.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/ignite/engagement-tracker/internal/tracking"
)

// Open connects to postgres with the pool settings the hot path needs.
func Open(url string, maxOpen, maxIdle int) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// Store wraps the database for the read/query paths. The consumer writes the
// event log directly; everything else goes through here.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// MessageMeta resolves the campaign, tenant, recipient hash and send time
// for a message. Returns (nil, nil) when the message is unknown.
func (s *Store) MessageMeta(ctx context.Context, messageID string) (*tracking.MessageMeta, error) {
	var meta tracking.MessageMeta
	err := s.db.QueryRowContext(ctx, `
		SELECT m.id, m.campaign_id, c.tenant_id, m.recipient_hash, m.sent_at,
		       c.open_tracking_enabled, c.click_tracking_enabled
		FROM campaign_messages m
		JOIN campaigns c ON c.id = m.campaign_id
		WHERE m.id = $1
	`, messageID).Scan(&meta.MessageID, &meta.CampaignID, &meta.TenantID,
		&meta.RecipientHash, &meta.SentAt, &meta.OpenTrackingEnabled, &meta.ClickTrackingEnabled)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("message meta: %w", err)
	}
	return &meta, nil
}

// Suppressed reports whether the recipient has opted out of eventType.
func (s *Store) Suppressed(ctx context.Context, recipientHash string, eventType tracking.EventType) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM tracking_optouts
			WHERE recipient_hash = $1 AND $2 = ANY(suppressed_event_types)
		)
	`, recipientHash, string(eventType)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("optout check: %w", err)
	}
	return exists, nil
}

// Suppress writes a permanent opt-out record, merging with any existing
// suppressed event types. Opt-outs are never deleted.
func (s *Store) Suppress(ctx context.Context, recipientHash string, types []tracking.EventType) error {
	strs := make([]string, len(types))
	for i, t := range types {
		strs[i] = string(t)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tracking_optouts (recipient_hash, suppressed_event_types, opted_out_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (recipient_hash) DO UPDATE SET
			suppressed_event_types = (
				SELECT ARRAY(SELECT DISTINCT unnest(tracking_optouts.suppressed_event_types || EXCLUDED.suppressed_event_types))
			)
	`, recipientHash, pq.Array(strs))
	if err != nil {
		return fmt.Errorf("optout write: %w", err)
	}
	return nil
}

// TenantForCampaign resolves a campaign's owning tenant, used by the
// broadcast hub's publish-time authorization check.
func (s *Store) TenantForCampaign(ctx context.Context, campaignID string) (string, error) {
	var tenantID string
	err := s.db.QueryRowContext(ctx,
		`SELECT tenant_id FROM campaigns WHERE id = $1`, campaignID).Scan(&tenantID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("campaign tenant: %w", err)
	}
	return tenantID, nil
}
