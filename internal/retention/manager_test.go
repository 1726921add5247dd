package retention

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func newTestManager(t *testing.T) (*Manager, sqlmock.Sqlmock, *fakeS3) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	s3c := newFakeS3()
	archiver := NewArchiver(s3c, "archive-bucket", "tracking/")
	m := NewManager(db, archiver, 90, 24*time.Hour, 6*time.Hour, 2)
	return m, mock, s3c
}

func dayRows(events ...string) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{
		"id", "event_type", "tenant_id", "campaign_id", "message_id", "recipient_hash",
		"link_url", "source_ip", "user_agent", "device_type",
		"client_label", "is_automated", "headers", "occurred_at",
	})
	for _, id := range events {
		rows.AddRow(id, "opened", "tenant-1", "camp-1", "msg-1", "h1",
			"", "203.0.113.0", "Mozilla/5.0", "desktop",
			"human", false, []byte(`{}`), time.Now().Add(-100*24*time.Hour))
	}
	return rows
}

func TestProcessDay_ArchivesThenDeletes(t *testing.T) {
	m, mock, s3c := newTestManager(t)
	day := time.Date(2026, 5, 17, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("FROM tracking_retention_runs").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("FROM tracking_events").
		WillReturnRows(dayRows("evt-1", "evt-2", "evt-3"))
	mock.ExpectExec("INSERT INTO tracking_retention_runs").
		WithArgs(day, 3).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM tracking_events").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("DELETE FROM tracking_events").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM tracking_events").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("UPDATE tracking_retention_runs").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := m.ProcessDay(context.Background(), day); err != nil {
		t.Fatalf("ProcessDay: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
	if _, ok := s3c.objects["tracking/2026/05/17.jsonl.gz"]; !ok {
		t.Error("day not archived before deletion")
	}
}

func TestProcessDay_CompletedIsNoOp(t *testing.T) {
	m, mock, s3c := newTestManager(t)
	day := time.Date(2026, 5, 17, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("FROM tracking_retention_runs").
		WillReturnRows(sqlmock.NewRows([]string{"archived_count", "completed_at"}).
			AddRow(3, time.Now()))
	// No select, no delete, no upload.

	if err := m.ProcessDay(context.Background(), day); err != nil {
		t.Fatalf("ProcessDay: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
	if len(s3c.objects) != 0 {
		t.Error("completed day re-archived")
	}
}

func TestProcessDay_ResumesDeleteWithoutReArchiving(t *testing.T) {
	// Crashed after archiving: the run row exists without completed_at, so the
	// retry deletes but does not export again.
	m, mock, s3c := newTestManager(t)
	day := time.Date(2026, 5, 17, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("FROM tracking_retention_runs").
		WillReturnRows(sqlmock.NewRows([]string{"archived_count", "completed_at"}).
			AddRow(3, nil))
	mock.ExpectExec("DELETE FROM tracking_events").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("UPDATE tracking_retention_runs").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := m.ProcessDay(context.Background(), day); err != nil {
		t.Fatalf("ProcessDay: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
	if len(s3c.objects) != 0 {
		t.Error("resume re-exported the archive")
	}
}

func TestProcessDay_EmptyDay(t *testing.T) {
	m, mock, s3c := newTestManager(t)
	day := time.Date(2026, 5, 17, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("FROM tracking_retention_runs").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("FROM tracking_events").
		WillReturnRows(dayRows())
	mock.ExpectExec("INSERT INTO tracking_retention_runs").
		WithArgs(day, 0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM tracking_events").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("UPDATE tracking_retention_runs").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := m.ProcessDay(context.Background(), day); err != nil {
		t.Fatalf("ProcessDay: %v", err)
	}
	if len(s3c.objects) != 0 {
		t.Error("empty day produced an archive object")
	}
}

func TestProcessDay_ArchiveFailureBlocksDelete(t *testing.T) {
	m, mock, s3c := newTestManager(t)
	s3c.err = errTestUpload
	day := time.Date(2026, 5, 17, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("FROM tracking_retention_runs").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("FROM tracking_events").
		WillReturnRows(dayRows("evt-1"))
	// Upload fails: no run row, no delete.

	if err := m.ProcessDay(context.Background(), day); err == nil {
		t.Fatal("archive failure did not abort the day")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

var errTestUpload = errors.New("upload failed")
