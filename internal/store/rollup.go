package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CampaignStats is the aggregate view of one campaign. Raw counts include
// automated traffic; the human variants exclude bot and privacy-proxy events
// so both can be reported side by side. Rollups are derived and always
// rebuildable from the event log, which stays the single source of truth.
type CampaignStats struct {
	CampaignID        string    `json:"campaign_id"`
	TenantID          string    `json:"tenant_id"`
	Sent              int       `json:"sent"`
	Opens             int       `json:"opens"`
	UniqueOpens       int       `json:"unique_opens"`
	HumanUniqueOpens  int       `json:"human_unique_opens"`
	Clicks            int       `json:"clicks"`
	UniqueClicks      int       `json:"unique_clicks"`
	HumanUniqueClicks int       `json:"human_unique_clicks"`
	OpenRate          float64   `json:"open_rate"`
	ClickRate         float64   `json:"click_rate"`
	HumanOpenRate     float64   `json:"human_open_rate"`
	HumanClickRate    float64   `json:"human_click_rate"`
	RefreshedAt       time.Time `json:"refreshed_at"`
}

func (cs *CampaignStats) computeRates() {
	if cs.Sent <= 0 {
		return
	}
	cs.OpenRate = float64(cs.UniqueOpens) / float64(cs.Sent) * 100
	cs.ClickRate = float64(cs.UniqueClicks) / float64(cs.Sent) * 100
	cs.HumanOpenRate = float64(cs.HumanUniqueOpens) / float64(cs.Sent) * 100
	cs.HumanClickRate = float64(cs.HumanUniqueClicks) / float64(cs.Sent) * 100
}

// ComputeCampaignStats aggregates the event log on demand.
func (s *Store) ComputeCampaignStats(ctx context.Context, campaignID string) (*CampaignStats, error) {
	stats := CampaignStats{CampaignID: campaignID, RefreshedAt: time.Now().UTC()}

	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE event_type = 'opened'),
			COUNT(DISTINCT message_id) FILTER (WHERE event_type = 'opened'),
			COUNT(DISTINCT message_id) FILTER (WHERE event_type = 'opened' AND NOT is_automated),
			COUNT(*) FILTER (WHERE event_type = 'clicked'),
			COUNT(DISTINCT message_id) FILTER (WHERE event_type = 'clicked'),
			COUNT(DISTINCT message_id) FILTER (WHERE event_type = 'clicked' AND NOT is_automated)
		FROM tracking_events
		WHERE campaign_id = $1
	`, campaignID).Scan(&stats.Opens, &stats.UniqueOpens, &stats.HumanUniqueOpens,
		&stats.Clicks, &stats.UniqueClicks, &stats.HumanUniqueClicks)
	if err != nil {
		return nil, fmt.Errorf("stats aggregate: %w", err)
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM campaign_messages WHERE campaign_id = $1`, campaignID).Scan(&stats.Sent)
	if err != nil {
		return nil, fmt.Errorf("sent count: %w", err)
	}
	s.fillTenant(ctx, &stats)

	stats.computeRates()
	return &stats, nil
}

// RollupStats reads the materialized rollup. Returns (nil, nil) when no
// refresh has covered this campaign yet; callers fall back to the live
// aggregate.
func (s *Store) RollupStats(ctx context.Context, campaignID string) (*CampaignStats, error) {
	stats := CampaignStats{CampaignID: campaignID}
	err := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, sent, opens, unique_opens, human_unique_opens,
		       clicks, unique_clicks, human_unique_clicks, refreshed_at
		FROM tracking_campaign_rollups
		WHERE campaign_id = $1
	`, campaignID).Scan(&stats.TenantID, &stats.Sent, &stats.Opens, &stats.UniqueOpens,
		&stats.HumanUniqueOpens, &stats.Clicks, &stats.UniqueClicks,
		&stats.HumanUniqueClicks, &stats.RefreshedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("rollup read: %w", err)
	}
	stats.computeRates()
	return &stats, nil
}

// RefreshRollups rebuilds the rollup table from the event log in one
// statement. Safe to run on a timer while ingestion continues; the rollup is
// a materialization, not a real-time guarantee.
func (s *Store) RefreshRollups(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tracking_campaign_rollups
			(campaign_id, tenant_id, sent, opens, unique_opens, human_unique_opens,
			 clicks, unique_clicks, human_unique_clicks, refreshed_at)
		SELECT
			e.campaign_id,
			c.tenant_id,
			(SELECT COUNT(*) FROM campaign_messages m WHERE m.campaign_id = e.campaign_id),
			COUNT(*) FILTER (WHERE e.event_type = 'opened'),
			COUNT(DISTINCT e.message_id) FILTER (WHERE e.event_type = 'opened'),
			COUNT(DISTINCT e.message_id) FILTER (WHERE e.event_type = 'opened' AND NOT e.is_automated),
			COUNT(*) FILTER (WHERE e.event_type = 'clicked'),
			COUNT(DISTINCT e.message_id) FILTER (WHERE e.event_type = 'clicked'),
			COUNT(DISTINCT e.message_id) FILTER (WHERE e.event_type = 'clicked' AND NOT e.is_automated),
			NOW()
		FROM tracking_events e
		JOIN campaigns c ON c.id = e.campaign_id
		GROUP BY e.campaign_id, c.tenant_id
		ON CONFLICT (campaign_id) DO UPDATE SET
			sent = EXCLUDED.sent,
			opens = EXCLUDED.opens,
			unique_opens = EXCLUDED.unique_opens,
			human_unique_opens = EXCLUDED.human_unique_opens,
			clicks = EXCLUDED.clicks,
			unique_clicks = EXCLUDED.unique_clicks,
			human_unique_clicks = EXCLUDED.human_unique_clicks,
			refreshed_at = EXCLUDED.refreshed_at
	`)
	if err != nil {
		return 0, fmt.Errorf("rollup refresh: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) fillTenant(ctx context.Context, stats *CampaignStats) {
	tenantID, err := s.TenantForCampaign(ctx, stats.CampaignID)
	if err == nil {
		stats.TenantID = tenantID
	}
}
