package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/ignite/engagement-tracker/internal/privacy"
	"github.com/ignite/engagement-tracker/internal/store"
	"github.com/ignite/engagement-tracker/internal/tracking"
)

func setupWebhook(t *testing.T) (*WebhookHandler, sqlmock.Sqlmock, *captureSink) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	sink := &captureSink{}
	wh := NewWebhookHandler(store.New(db), privacy.NewHasher("test-hash-key"), sink)
	return wh, mock, sink
}

func metaRow(messageID string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "campaign_id", "tenant_id", "recipient_hash", "sent_at",
		"open_tracking_enabled", "click_tracking_enabled",
	}).AddRow(messageID, "camp-1", "tenant-1", "rcpt-hash-1", time.Now(), true, true)
}

func postWebhook(wh *WebhookHandler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/sparkpost", strings.NewReader(body))
	w := httptest.NewRecorder()
	wh.HandleSparkPost(w, req)
	return w
}

func TestHandleSparkPost_HardBounce(t *testing.T) {
	wh, mock, sink := setupWebhook(t)

	mock.ExpectQuery("FROM campaign_messages m").
		WithArgs("msg-123").
		WillReturnRows(metaRow("msg-123"))
	mock.ExpectExec("INSERT INTO tracking_optouts").
		WillReturnResult(sqlmock.NewResult(0, 1))

	w := postWebhook(wh, `[{"msys":{"message_event":{
		"type":"bounce","bounce_class":"10","reason":"550 user unknown",
		"message_id":"msg-123","rcpt_to":"user@example.com"}}}]`)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	events := sink.all()
	if len(events) != 1 || events[0].EventType != tracking.EventBounce {
		t.Fatalf("events = %+v", events)
	}
	if !events[0].IsAutomated {
		t.Error("provider event not flagged automated")
	}
	if events[0].ID == "" {
		t.Error("webhook event published without an id")
	}
	if events[0].RecipientHash != "rcpt-hash-1" {
		t.Errorf("recipient hash = %q", events[0].RecipientHash)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestHandleSparkPost_SoftBounceDoesNotSuppress(t *testing.T) {
	wh, mock, sink := setupWebhook(t)

	mock.ExpectQuery("FROM campaign_messages m").
		WithArgs("msg-123").
		WillReturnRows(metaRow("msg-123"))
	// Class 20 (soft): bounce recorded, no opt-out write.

	postWebhook(wh, `[{"msys":{"message_event":{
		"type":"bounce","bounce_class":"20","reason":"mailbox full",
		"message_id":"msg-123","rcpt_to":"user@example.com"}}}]`)

	if len(sink.all()) != 1 {
		t.Fatalf("events = %+v", sink.all())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestHandleSparkPost_SpamComplaint(t *testing.T) {
	wh, mock, sink := setupWebhook(t)

	mock.ExpectQuery("FROM campaign_messages m").
		WithArgs("msg-123").
		WillReturnRows(metaRow("msg-123"))
	mock.ExpectExec("INSERT INTO tracking_optouts").
		WillReturnResult(sqlmock.NewResult(0, 1))

	postWebhook(wh, `[{"msys":{"message_event":{
		"type":"spam_complaint","message_id":"msg-123","rcpt_to":"user@example.com"}}}]`)

	events := sink.all()
	if len(events) != 1 || events[0].EventType != tracking.EventComplaint {
		t.Fatalf("events = %+v", events)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestHandleSparkPost_UnknownMessageDropped(t *testing.T) {
	wh, mock, sink := setupWebhook(t)

	mock.ExpectQuery("FROM campaign_messages m").
		WithArgs("no-such").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	w := postWebhook(wh, `[{"msys":{"message_event":{
		"type":"bounce","bounce_class":"20","message_id":"no-such","rcpt_to":"user@example.com"}}}]`)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if n := len(sink.all()); n != 0 {
		t.Errorf("published %d events for unknown message", n)
	}
}

func TestHandleSparkPost_MalformedPayloadAcknowledged(t *testing.T) {
	wh, _, sink := setupWebhook(t)

	tests := []struct {
		name string
		body string
	}{
		{"not json", `{{{`},
		{"not a batch", `{"msys":{}}`},
		{"empty batch", `[]`},
		{"irrelevant event", `[{"msys":{"track_event":{"type":"open"}}}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postWebhook(wh, tt.body)
			if w.Code != http.StatusOK {
				t.Errorf("status = %d, want 200 (provider retries on anything else)", w.Code)
			}
		})
	}
	if n := len(sink.all()); n != 0 {
		t.Errorf("published %d events from malformed payloads", n)
	}
}
