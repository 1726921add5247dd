package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/engagement-tracker/internal/privacy"
	"github.com/ignite/engagement-tracker/internal/store"
	"github.com/ignite/engagement-tracker/internal/tracking"
)

// WebhookHandler ingests ESP delivery events (bounces, spam complaints) and
// folds them into the tracking event log. The provider retries on its own
// schedule, so malformed entries are logged and acknowledged rather than
// erroring — a 5xx here only causes duplicate redelivery.
type WebhookHandler struct {
	store  *store.Store
	hasher *privacy.Hasher
	sink   tracking.EventSink
}

func NewWebhookHandler(st *store.Store, hasher *privacy.Hasher, sink tracking.EventSink) *WebhookHandler {
	return &WebhookHandler{store: st, hasher: hasher, sink: sink}
}

// HandleSparkPost processes a SparkPost webhook batch.
func (wh *WebhookHandler) HandleSparkPost(w http.ResponseWriter, r *http.Request) {
	var events []map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&events); err != nil {
		log.Printf("[Webhook] bad sparkpost payload: %v", err)
		w.WriteHeader(http.StatusOK)
		return
	}

	for _, event := range events {
		msys, ok := event["msys"].(map[string]interface{})
		if !ok {
			continue
		}
		for kind, data := range msys {
			eventData, ok := data.(map[string]interface{})
			if !ok {
				continue
			}
			if kind == "message_event" {
				wh.processMessageEvent(r.Context(), eventData)
			}
		}
	}

	w.WriteHeader(http.StatusOK)
}

func (wh *WebhookHandler) processMessageEvent(ctx context.Context, data map[string]interface{}) {
	eventType, _ := data["type"].(string)
	rcptTo, _ := data["rcpt_to"].(string)
	messageID, _ := data["message_id"].(string)

	switch eventType {
	case "bounce":
		bounceClass, _ := data["bounce_class"].(string)
		reason, _ := data["reason"].(string)
		wh.record(ctx, tracking.EventBounce, messageID, rcptTo)
		if bounceClass == "10" || bounceClass == "30" || bounceClass == "90" {
			// Hard bounce: address is gone, stop tracking it.
			wh.suppress(ctx, rcptTo)
		}
		log.Printf("[Webhook] bounce message=%s class=%s reason=%q", messageID, bounceClass, reason)
	case "spam_complaint":
		wh.record(ctx, tracking.EventComplaint, messageID, rcptTo)
		wh.suppress(ctx, rcptTo)
		log.Printf("[Webhook] complaint message=%s", messageID)
	}
}

func (wh *WebhookHandler) record(ctx context.Context, et tracking.EventType, messageID, rcptTo string) {
	meta, err := wh.store.MessageMeta(ctx, messageID)
	if err != nil {
		log.Printf("[Webhook] metadata lookup error (message=%s): %v", messageID, err)
		return
	}
	if meta == nil {
		log.Printf("[Webhook] unknown message %s, dropping %s", messageID, et)
		return
	}

	recipientHash := meta.RecipientHash
	if recipientHash == "" && rcptTo != "" {
		recipientHash = wh.hasher.HashRecipient(rcptTo)
	}

	wh.sink.Publish(ctx, tracking.Event{
		ID:            uuid.NewString(),
		EventType:     et,
		TenantID:      meta.TenantID,
		CampaignID:    meta.CampaignID,
		MessageID:     meta.MessageID,
		RecipientHash: recipientHash,
		ClientLabel:   tracking.LabelUnknown,
		Confidence:    tracking.ConfidenceDefault,
		IsAutomated:   true, // provider-originated, never a recipient action
		OccurredAt:    time.Now().UTC(),
	})
}

func (wh *WebhookHandler) suppress(ctx context.Context, rcptTo string) {
	if rcptTo == "" {
		return
	}
	hash := wh.hasher.HashRecipient(rcptTo)
	if err := wh.store.Suppress(ctx, hash, []tracking.EventType{tracking.EventOpen, tracking.EventClick}); err != nil {
		log.Printf("[Webhook] suppress error: %v", err)
	}
}
