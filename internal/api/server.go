package api

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/ignite/engagement-tracker/internal/broadcast"
	"github.com/ignite/engagement-tracker/internal/privacy"
	"github.com/ignite/engagement-tracker/internal/store"
	"github.com/ignite/engagement-tracker/internal/tracking"
)

// Server assembles the tracking engine's HTTP surface: the hot-path
// beacon/redirect routes, the live SSE feed, the aggregate query surface,
// the opt-out API and ESP webhook ingestion.
type Server struct {
	store    *store.Store
	hub      *broadcast.Hub
	tracker  *tracking.Handler
	meta     *tracking.MetadataCache
	hasher   *privacy.Hasher
	sink     tracking.EventSink
	webhooks *WebhookHandler
}

func NewServer(st *store.Store, hub *broadcast.Hub, tracker *tracking.Handler, meta *tracking.MetadataCache, hasher *privacy.Hasher, sink tracking.EventSink) *Server {
	return &Server{
		store:    st,
		hub:      hub,
		tracker:  tracker,
		meta:     meta,
		hasher:   hasher,
		sink:     sink,
		webhooks: NewWebhookHandler(st, hasher, sink),
	}
}

func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()

	// Hot path first: no middleware between the mail client and the pixel.
	r.Mount("/", s.tracker.Routes())

	r.Group(func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"https://*", "http://*"},
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: true,
		}))
		r.Use(bearerSubject)

		r.Get("/events/stream", s.hub.HandleSSE)
		r.Get("/campaigns/{campaignID}/stats", s.HandleCampaignStats)
		r.Get("/campaigns/{campaignID}/events", s.HandleCampaignEvents)
		r.Post("/optout", s.HandleOptOut)
	})

	r.Post("/webhooks/sparkpost", s.webhooks.HandleSparkPost)
	r.Get("/health", s.HandleHealth)

	return r
}

func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// bearerSubject lifts the bearer token into the request context as the
// subscriber principal. Session/credential issuance belongs to the auth
// collaborator; here the token only names who is asking.
func bearerSubject(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if strings.HasPrefix(auth, "Bearer ") {
			r = r.WithContext(broadcast.WithSubject(r.Context(), strings.TrimPrefix(auth, "Bearer ")))
		}
		next.ServeHTTP(w, r)
	})
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[API] response encode error: %v", err)
	}
}
