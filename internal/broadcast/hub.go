// Package broadcast pushes freshly recorded tracking events to live
// dashboard subscribers. Events arrive over postgres NOTIFY so every server
// instance sees records written by any worker, and leave over Server-Sent
// Events streams scoped to a tenant (and optionally one campaign).
package broadcast

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/lib/pq"
)

// Event is the live-feed payload. It carries the same privacy posture as the
// at-rest record: no recipient identifiers beyond what the log itself holds.
type Event struct {
	ID          string    `json:"id"`
	EventType   string    `json:"event_type"`
	TenantID    string    `json:"tenant_id"`
	CampaignID  string    `json:"campaign_id"`
	MessageID   string    `json:"message_id"`
	LinkURL     string    `json:"link_url,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
	IsAutomated bool      `json:"is_automated"`
}

// Authorizer is consulted per delivered event, against the current roster —
// never cached at subscription time — so a revoked permission stops delivery
// on the next event without forcing a disconnect.
type Authorizer interface {
	Authorized(subject, tenantID string) bool
}

// subscriberQueueLen bounds each subscriber's queue. On overflow the oldest
// pending event is dropped; a slow subscriber only ever loses its own
// events.
const subscriberQueueLen = 64

type subscriber struct {
	id         uint64
	subject    string
	tenantID   string
	campaignID string // empty subscribes to the whole tenant
	ch         chan []byte
}

// Hub fans events out to subscribers. A fixed table indexed by subscriber
// id, not a linked structure; registration and publish touch it under a
// short lock and delivery itself is lock-free channel sends.
type Hub struct {
	connStr string
	auth    Authorizer

	mu          sync.RWMutex
	subscribers map[uint64]*subscriber
	nextID      uint64

	broadcast chan []byte
}

func NewHub(connStr string, auth Authorizer) *Hub {
	return &Hub{
		connStr:     connStr,
		auth:        auth,
		subscribers: make(map[uint64]*subscriber),
		broadcast:   make(chan []byte, 256),
	}
}

// Start begins the pg listener and the dispatch loop.
func (hub *Hub) Start(ctx context.Context) {
	go hub.listen(ctx)
	go hub.dispatch(ctx)
}

func (hub *Hub) listen(ctx context.Context) {
	minReconn := 10 * time.Second
	maxReconn := time.Minute
	reportProblem := func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Printf("[BroadcastHub] pg listener error: %v", err)
		}
	}

	listener := pq.NewListener(hub.connStr, minReconn, maxReconn, reportProblem)
	if err := listener.Listen("tracking_events"); err != nil {
		log.Printf("[BroadcastHub] listen error: %v", err)
		return
	}
	log.Println("[BroadcastHub] Listening on pg_notify channel 'tracking_events'")

	for {
		select {
		case <-ctx.Done():
			listener.Close()
			return
		case n := <-listener.Notify:
			if n != nil {
				hub.Publish([]byte(n.Extra))
			}
		case <-time.After(90 * time.Second):
			go listener.Ping()
		}
	}
}

// Publish queues a raw event payload for dispatch. Exposed so the worker can
// also feed the hub directly in-process.
func (hub *Hub) Publish(payload []byte) {
	select {
	case hub.broadcast <- payload:
	default:
		// hub saturated — drop rather than back-pressure ingestion
	}
}

func (hub *Hub) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-hub.broadcast:
			var evt Event
			if err := json.Unmarshal(msg, &evt); err != nil {
				continue
			}

			hub.mu.RLock()
			for _, sub := range hub.subscribers {
				if sub.tenantID != evt.TenantID {
					continue
				}
				if sub.campaignID != "" && sub.campaignID != evt.CampaignID {
					continue
				}
				if !hub.auth.Authorized(sub.subject, evt.TenantID) {
					continue
				}
				select {
				case sub.ch <- msg:
				default:
					// full — drop the oldest so the stream stays current
					select {
					case <-sub.ch:
					default:
					}
					select {
					case sub.ch <- msg:
					default:
					}
				}
			}
			hub.mu.RUnlock()
		}
	}
}

func (hub *Hub) subscribe(subject, tenantID, campaignID string) *subscriber {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	hub.nextID++
	sub := &subscriber{
		id:         hub.nextID,
		subject:    subject,
		tenantID:   tenantID,
		campaignID: campaignID,
		ch:         make(chan []byte, subscriberQueueLen),
	}
	hub.subscribers[sub.id] = sub
	return sub
}

func (hub *Hub) unsubscribe(id uint64) {
	hub.mu.Lock()
	delete(hub.subscribers, id)
	hub.mu.Unlock()
}

// SubscriberCount reports the current roster size.
func (hub *Hub) SubscriberCount() int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return len(hub.subscribers)
}

// HandleSSE serves GET /events/stream as a Server-Sent Events stream. The
// subject must already be authenticated by middleware; scope comes from
// query parameters and is enforced again on every delivered event.
func (hub *Hub) HandleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	subject := SubjectFromContext(r.Context())
	tenantID := r.URL.Query().Get("tenantId")
	if tenantID == "" || !hub.auth.Authorized(subject, tenantID) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	campaignID := r.URL.Query().Get("campaignId")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sub := hub.subscribe(subject, tenantID, campaignID)
	defer hub.unsubscribe(sub.id)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-sub.ch:
			w.Write([]byte("data: "))
			w.Write(msg)
			w.Write([]byte("\n\n"))
			flusher.Flush()
		}
	}
}
