package retention

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ArchivedEvent is the cold-storage export row: the full event record as it
// stood in the primary store, already anonymized at write time.
type ArchivedEvent struct {
	ID            string          `json:"id"`
	EventType     string          `json:"event_type"`
	TenantID      string          `json:"tenant_id"`
	CampaignID    string          `json:"campaign_id"`
	MessageID     string          `json:"message_id"`
	RecipientHash string          `json:"recipient_hash"`
	LinkURL       string          `json:"link_url,omitempty"`
	SourceIP      string          `json:"source_ip,omitempty"`
	UserAgent     string          `json:"user_agent,omitempty"`
	DeviceType    string          `json:"device_type,omitempty"`
	ClientLabel   string          `json:"client_label"`
	IsAutomated   bool            `json:"is_automated"`
	Headers       json.RawMessage `json:"headers,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// S3API is the slice of the S3 client the archiver uses.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archiver writes one gzip-compressed JSON-lines object per archived day.
// The key is deterministic per day, so re-archiving the same day overwrites
// rather than duplicating.
type Archiver struct {
	client S3API
	bucket string
	prefix string
}

func NewArchiver(client S3API, bucket, prefix string) *Archiver {
	return &Archiver{client: client, bucket: bucket, prefix: prefix}
}

// DayWriter streams one day's rows into the compressed day object. Rows are
// encoded as they arrive, so a heavy day never materializes as a slice; only
// the compressed stream is buffered, because PutObject wants a seekable body
// for transport retries.
type DayWriter struct {
	archiver *Archiver
	day      time.Time
	buf      bytes.Buffer
	gz       *gzip.Writer
	enc      *json.Encoder
	count    int
}

// BeginDay opens a streaming archive for one day.
func (a *Archiver) BeginDay(day time.Time) *DayWriter {
	w := &DayWriter{archiver: a, day: day}
	w.gz = gzip.NewWriter(&w.buf)
	w.enc = json.NewEncoder(w.gz)
	return w
}

func (w *DayWriter) Add(evt ArchivedEvent) error {
	if err := w.enc.Encode(evt); err != nil {
		return fmt.Errorf("encode archive row: %w", err)
	}
	w.count++
	return nil
}

func (w *DayWriter) Count() int { return w.count }

// Upload finalizes the stream and writes the day object. An empty day writes
// nothing.
func (w *DayWriter) Upload(ctx context.Context) error {
	if w.count == 0 {
		return nil
	}
	if err := w.gz.Close(); err != nil {
		return fmt.Errorf("compress archive: %w", err)
	}

	a := w.archiver
	key := fmt.Sprintf("%s%s.jsonl.gz", a.prefix, w.day.UTC().Format("2006/01/02"))
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(w.buf.Bytes()),
		ContentType: aws.String("application/gzip"),
		Metadata: map[string]string{
			"event_count": fmt.Sprintf("%d", w.count),
			"archived_at": time.Now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return fmt.Errorf("upload archive %s: %w", key, err)
	}
	return nil
}

// ArchiveDay exports an in-memory batch of a day's events to cold storage.
func (a *Archiver) ArchiveDay(ctx context.Context, day time.Time, events []ArchivedEvent) error {
	w := a.BeginDay(day)
	for _, evt := range events {
		if err := w.Add(evt); err != nil {
			return err
		}
	}
	return w.Upload(ctx)
}
