package retention

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"
)

// Manager enforces the raw-retention window: events past it are exported to
// cold storage, then deleted from the primary store. It runs on a fixed
// schedule, processes whole UTC days strictly older than now minus the
// retention window minus a safety margin (so it never touches events still
// inside the handlers' coalescing window), and records per-day run rows that
// make re-runs no-ops and crash-resume cheap. Opt-out records are exempt
// from any expiry.
type Manager struct {
	db       *sql.DB
	archiver *Archiver

	retention    time.Duration
	safetyMargin time.Duration
	interval     time.Duration
	batchSize    int
}

func NewManager(db *sql.DB, archiver *Archiver, retentionDays int, safetyMargin, interval time.Duration, batchSize int) *Manager {
	return &Manager{
		db:           db,
		archiver:     archiver,
		retention:    time.Duration(retentionDays) * 24 * time.Hour,
		safetyMargin: safetyMargin,
		interval:     interval,
		batchSize:    batchSize,
	}
}

// Start runs the retention loop. It blocks until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	log.Printf("[Retention] Starting (retention=%s, interval=%s, batch_size=%d)", m.retention, m.interval, m.batchSize)

	m.runPass(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[Retention] Stopping")
			return
		case <-ticker.C:
			m.runPass(ctx)
		}
	}
}

// runPass archives and deletes every eligible day. The cancellation signal
// is checked between days and between delete batches, not only at start, so
// shutdown stays bounded during deployments.
func (m *Manager) runPass(ctx context.Context) {
	start := time.Now()
	cutoff := time.Now().UTC().Add(-m.retention - m.safetyMargin).Truncate(24 * time.Hour)

	first, ok, err := m.oldestEventDay(ctx)
	if err != nil {
		log.Printf("[Retention] oldest-event lookup error: %v", err)
		return
	}
	if !ok || !first.Before(cutoff) {
		return
	}

	days := 0
	for day := first; day.Before(cutoff); day = day.Add(24 * time.Hour) {
		if ctx.Err() != nil {
			return
		}
		if err := m.ProcessDay(ctx, day); err != nil {
			// Logged and retried on the next scheduled run; partial progress
			// within the day is preserved by the run row.
			log.Printf("[Retention] day %s failed: %v", day.Format("2006-01-02"), err)
			return
		}
		days++
	}
	if days > 0 {
		log.Printf("[Retention] Pass completed: %d day(s) in %s", days, time.Since(start).Round(time.Millisecond))
	}
}

// ProcessDay archives then deletes one day's events. Re-entrant: a completed
// day is a no-op, and a day that archived but crashed mid-delete resumes
// deleting without re-exporting (the archive already holds the full day).
func (m *Manager) ProcessDay(ctx context.Context, day time.Time) error {
	day = day.UTC().Truncate(24 * time.Hour)

	var archivedCount int
	var completed sql.NullTime
	err := m.db.QueryRowContext(ctx, `
		SELECT archived_count, completed_at FROM tracking_retention_runs WHERE day = $1
	`, day).Scan(&archivedCount, &completed)
	switch {
	case err == sql.ErrNoRows:
		n, aerr := m.archiveDay(ctx, day)
		if aerr != nil {
			return aerr
		}
		if _, err := m.db.ExecContext(ctx, `
			INSERT INTO tracking_retention_runs (day, archived_count, archived_at)
			VALUES ($1, $2, NOW())
		`, day, n); err != nil {
			return fmt.Errorf("record run: %w", err)
		}
	case err != nil:
		return fmt.Errorf("run lookup: %w", err)
	case completed.Valid:
		return nil
	}

	if err := m.deleteDay(ctx, day); err != nil {
		return err
	}

	if _, err := m.db.ExecContext(ctx, `
		UPDATE tracking_retention_runs SET completed_at = NOW() WHERE day = $1
	`, day); err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	return nil
}

// archiveDay streams the day's rows straight into the compressed archive
// object; nothing but the compressed stream is held in memory.
func (m *Manager) archiveDay(ctx context.Context, day time.Time) (int, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, event_type, tenant_id, campaign_id, message_id, recipient_hash,
		       COALESCE(link_url, ''), source_ip, user_agent, device_type,
		       client_label, is_automated, headers, occurred_at
		FROM tracking_events
		WHERE occurred_at >= $1 AND occurred_at < $2
	`, day, day.Add(24*time.Hour))
	if err != nil {
		return 0, fmt.Errorf("select day: %w", err)
	}
	defer rows.Close()

	w := m.archiver.BeginDay(day)
	for rows.Next() {
		var e ArchivedEvent
		if err := rows.Scan(&e.ID, &e.EventType, &e.TenantID, &e.CampaignID, &e.MessageID,
			&e.RecipientHash, &e.LinkURL, &e.SourceIP, &e.UserAgent, &e.DeviceType,
			&e.ClientLabel, &e.IsAutomated, &e.Headers, &e.OccurredAt); err != nil {
			return 0, fmt.Errorf("scan day row: %w", err)
		}
		if err := w.Add(e); err != nil {
			return 0, err
		}
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	if err := w.Upload(ctx); err != nil {
		return 0, err
	}
	return w.Count(), nil
}

// deleteDay removes a day's rows in bounded batches so a long-retained day
// never holds a table-level lock across one giant transaction.
func (m *Manager) deleteDay(ctx context.Context, day time.Time) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		res, err := m.db.ExecContext(ctx, `
			DELETE FROM tracking_events
			WHERE id IN (
				SELECT id FROM tracking_events
				WHERE occurred_at >= $1 AND occurred_at < $2
				LIMIT $3
			)
		`, day, day.Add(24*time.Hour), m.batchSize)
		if err != nil {
			return fmt.Errorf("delete batch: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return nil
		}
	}
}

func (m *Manager) oldestEventDay(ctx context.Context) (time.Time, bool, error) {
	var oldest sql.NullTime
	err := m.db.QueryRowContext(ctx, `SELECT MIN(occurred_at) FROM tracking_events`).Scan(&oldest)
	if err != nil {
		return time.Time{}, false, err
	}
	if !oldest.Valid {
		return time.Time{}, false, nil
	}
	return oldest.Time.UTC().Truncate(24 * time.Hour), true, nil
}
