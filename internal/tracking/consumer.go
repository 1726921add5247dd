package tracking

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

// ConsumerAPI is the slice of the SQS client the consumer uses.
type ConsumerAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Consumer drains the tracking queue into the durable event log. The write
// is append-only and idempotent per event id; a processing error leaves the
// message on the queue for redelivery instead of dropping the event.
type Consumer struct {
	sqsClient ConsumerAPI
	queueURL  string
	db        *sql.DB
	done      chan struct{}
}

func NewConsumer(sqsClient ConsumerAPI, queueURL string, db *sql.DB) *Consumer {
	return &Consumer{
		sqsClient: sqsClient,
		queueURL:  queueURL,
		db:        db,
		done:      make(chan struct{}),
	}
}

func (c *Consumer) Start(ctx context.Context) {
	log.Printf("SQS tracking consumer started (queue=%s)", c.queueURL)
	go c.poll(ctx)
}

func (c *Consumer) Stop() {
	close(c.done)
}

func (c *Consumer) poll(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		out, err := c.sqsClient.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(c.queueURL),
			MaxNumberOfMessages: 10,
			WaitTimeSeconds:     20,
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("SQS receive error: %v", err)
			time.Sleep(5 * time.Second)
			continue
		}

		for _, msg := range out.Messages {
			var evt Event
			if err := json.Unmarshal([]byte(*msg.Body), &evt); err != nil {
				log.Printf("SQS bad message: %v", err)
				c.deleteMessage(ctx, msg.ReceiptHandle)
				continue
			}

			if err := c.ProcessEvent(ctx, evt); err != nil {
				log.Printf("SQS process error (%s): %v", evt.EventType, err)
				continue
			}

			c.deleteMessage(ctx, msg.ReceiptHandle)
		}
	}
}

func (c *Consumer) deleteMessage(ctx context.Context, handle *string) {
	c.sqsClient.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: handle,
	})
}

// ProcessEvent records one event. The opt-out check here is authoritative:
// the handler-side check runs against a cache and a suppression written
// moments ago must still win by the time the event reaches the log.
func (c *Consumer) ProcessEvent(ctx context.Context, evt Event) error {
	suppressed, err := c.isSuppressed(ctx, evt.RecipientHash, evt.EventType)
	if err != nil {
		return err
	}
	if suppressed {
		log.Printf("DROPPED %s (suppressed): campaign=%s message=%s", evt.EventType, evt.CampaignID, evt.MessageID)
		return nil
	}

	headers, _ := json.Marshal(evt.Headers)

	// Producers stamp the id at build time, so an SQS redelivery of the same
	// logical event carries the same id and lands on the primary-key conflict.
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	res, err := c.db.ExecContext(ctx, `
		INSERT INTO tracking_events
			(id, tenant_id, campaign_id, message_id, recipient_hash, event_type,
			 link_url, source_ip, user_agent, device_type, client_label,
			 confidence, is_automated, headers, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO NOTHING
	`, evt.ID, evt.TenantID, evt.CampaignID, evt.MessageID, evt.RecipientHash, evt.EventType,
		evt.LinkURL, evt.SourceIP, evt.UserAgent, evt.DeviceType, evt.ClientLabel,
		evt.Confidence, evt.IsAutomated, headers, evt.OccurredAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Redelivery: the first delivery already recorded, suppressed and
		// notified. Acknowledge without a second fan-out.
		log.Printf("DUPLICATE %s: campaign=%s message=%s id=%s", evt.EventType, evt.CampaignID, evt.MessageID, evt.ID)
		return nil
	}

	switch evt.EventType {
	case EventUnsubscribe:
		c.upsertOptOut(ctx, evt.RecipientHash, []string{string(EventOpen), string(EventClick)})
	case EventComplaint:
		// Complaints suppress everything going forward.
		c.upsertOptOut(ctx, evt.RecipientHash, []string{string(EventOpen), string(EventClick), string(EventUnsubscribe)})
	}

	c.notify(ctx, evt)

	log.Printf("PROCESSED %s: campaign=%s message=%s label=%s", evt.EventType, evt.CampaignID, evt.MessageID, evt.ClientLabel)
	return nil
}

func (c *Consumer) isSuppressed(ctx context.Context, recipientHash string, et EventType) (bool, error) {
	if recipientHash == "" {
		return false, nil
	}
	var exists bool
	err := c.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM tracking_optouts
			WHERE recipient_hash = $1 AND $2 = ANY(suppressed_event_types)
		)
	`, recipientHash, string(et)).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

func (c *Consumer) upsertOptOut(ctx context.Context, recipientHash string, types []string) {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO tracking_optouts (recipient_hash, suppressed_event_types, opted_out_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (recipient_hash) DO UPDATE SET
			suppressed_event_types = (
				SELECT ARRAY(SELECT DISTINCT unnest(tracking_optouts.suppressed_event_types || EXCLUDED.suppressed_event_types))
			)
	`, recipientHash, pq.Array(types))
	if err != nil {
		log.Printf("ERROR optout upsert (recipient=%s): %v", recipientHash, err)
	}
}

// notify fans the freshly recorded event out to the live broadcast hub via
// pg_notify. The payload carries the same privacy posture as the row: hashed
// recipient, truncated IP already applied upstream.
func (c *Consumer) notify(ctx context.Context, evt Event) {
	payload, err := json.Marshal(map[string]interface{}{
		"id":           evt.ID,
		"event_type":   evt.EventType,
		"tenant_id":    evt.TenantID,
		"campaign_id":  evt.CampaignID,
		"message_id":   evt.MessageID,
		"link_url":     evt.LinkURL,
		"occurred_at":  evt.OccurredAt,
		"is_automated": evt.IsAutomated,
	})
	if err != nil {
		return
	}
	if _, err := c.db.ExecContext(ctx, `SELECT pg_notify('tracking_events', $1)`, string(payload)); err != nil {
		log.Printf("ERROR pg_notify: %v", err)
	}
}
