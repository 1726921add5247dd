package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/engagement-tracker/internal/api"
	"github.com/ignite/engagement-tracker/internal/broadcast"
	"github.com/ignite/engagement-tracker/internal/config"
	"github.com/ignite/engagement-tracker/internal/privacy"
	"github.com/ignite/engagement-tracker/internal/store"
	"github.com/ignite/engagement-tracker/internal/tracking"
)

func main() {
	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Tracking.SigningKey == "" {
		log.Fatal("tracking.signing_key (SIGNING_KEY) is required")
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

	st := store.New(db)

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.Fatalf("Invalid redis URL: %v", err)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		cancelPing()
		log.Fatalf("Redis connection failed: %v", err)
	}
	cancelPing()
	log.Println("Connected to redis")

	windows := tracking.NewWindows(redisClient)
	meta := tracking.NewMetadataCache(redisClient, st, cfg.Tracking.MetadataCacheTTL())

	signer := tracking.NewSigner(cfg.Tracking.SigningKey, cfg.Tracking.PriorSigningKey)
	hasher := privacy.NewHasher(cfg.Tracking.RecipientHashKey)

	rules := tracking.DefaultRules(cfg.Classifier.MinHumanOpenLatency(), cfg.Classifier.RateBurstMax)
	if cfg.Classifier.RulesPath != "" {
		rules, err = tracking.LoadRules(cfg.Classifier.RulesPath)
		if err != nil {
			log.Fatalf("Failed to load classifier rules: %v", err)
		}
		log.Printf("Loaded %d classifier rules from %s", len(rules), cfg.Classifier.RulesPath)
	}
	classifier := tracking.NewClassifier(rules)

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		log.Fatalf("aws config: %v", err)
	}
	pub := tracking.NewPublisher(sqs.NewFromConfig(awsCfg), cfg.Queue.TrackingQueueURL)

	tracker := tracking.NewHandler(signer, classifier, windows, meta, pub, st, tracking.HandlerConfig{
		CoalescingWindow: cfg.Tracking.CoalescingWindow(),
		RateWindow:       cfg.Classifier.RateWindow(),
	})

	roster := broadcast.NewRoster()
	loadStreamGrants(roster)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := broadcast.NewHub(cfg.Database.URL, roster)
	go hub.Start(ctx)

	server := api.NewServer(st, hub, tracker, meta, hasher, pub)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.GetHost(), cfg.Server.Port),
		Handler:      server.Routes(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("tracking service listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down tracking service...")
	cancel()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	srv.Shutdown(shutdownCtx)
}

// loadStreamGrants seeds the SSE authorization roster from the
// STREAM_GRANTS env var: "token=tenantID,token=tenantID". Grants issued at
// runtime (token rotation, revocation) go through the roster directly; this
// only covers static service credentials.
func loadStreamGrants(roster *broadcast.Roster) {
	raw := os.Getenv("STREAM_GRANTS")
	if raw == "" {
		return
	}
	n := 0
	for _, pair := range strings.Split(raw, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			continue
		}
		roster.Grant(parts[0], parts[1])
		n++
	}
	if n > 0 {
		log.Printf("Loaded %d stream grant(s)", n)
	}
}
