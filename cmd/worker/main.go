package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/ignite/engagement-tracker/internal/config"
	"github.com/ignite/engagement-tracker/internal/retention"
	"github.com/ignite/engagement-tracker/internal/store"
	"github.com/ignite/engagement-tracker/internal/tracking"
)

func main() {
	log.Println("Starting engagement worker...")

	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Queue.TrackingQueueURL == "" {
		log.Fatal("queue.tracking_queue_url (SQS_TRACKING_QUEUE_URL) is required")
	}

	db, err := store.Open(cfg.Database.URL, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Connected to database")

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		log.Fatalf("aws config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	consumer := tracking.NewConsumer(sqs.NewFromConfig(awsCfg), cfg.Queue.TrackingQueueURL, db)
	go consumer.Start(ctx)
	log.Println("Event consumer started")

	if cfg.Retention.Enabled && cfg.Retention.S3Bucket != "" {
		archiver := retention.NewArchiver(s3.NewFromConfig(awsCfg), cfg.Retention.S3Bucket, cfg.Retention.S3Prefix)
		manager := retention.NewManager(db, archiver, cfg.Retention.RawRetentionDays,
			cfg.Retention.SafetyMargin(), cfg.Retention.Interval(), cfg.Retention.BatchSize)
		go manager.Start(ctx)
	} else {
		log.Println("[Retention] Disabled (no bucket configured)")
	}

	st := store.New(db)
	go refreshRollups(ctx, st, cfg.Rollup.RefreshInterval())

	log.Println("Worker running...")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down worker...")
	cancel()
	consumer.Stop()
}

// refreshRollups periodically rebuilds the campaign aggregate table from the
// raw event log. The rollups are fully derived, so a missed tick only delays
// freshness; it never loses data.
func refreshRollups(ctx context.Context, st *store.Store, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := st.RefreshRollups(ctx)
			if err != nil {
				log.Printf("[Rollup] refresh error: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("[Rollup] refreshed %d campaign(s)", n)
			}
		}
	}
}
