package tracking

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ignite/engagement-tracker/internal/privacy"
)

// 1x1 transparent PNG, served identically on every beacon branch.
var pixelPNG = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a,
	0x00, 0x00, 0x00, 0x0d, 0x49, 0x48, 0x44, 0x52,
	0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4,
	0x89, 0x00, 0x00, 0x00, 0x0d, 0x49, 0x44, 0x41,
	0x54, 0x78, 0x9c, 0x62, 0x00, 0x01, 0x00, 0x00,
	0x05, 0x00, 0x01, 0x0d, 0x0a, 0x2d, 0xb4, 0x00,
	0x00, 0x00, 0x00, 0x49, 0x45, 0x4e, 0x44, 0xae,
	0x42, 0x60, 0x82,
}

// OptOutWriter persists an explicit recipient suppression. Opt-out records
// are permanent; there is no delete path.
type OptOutWriter interface {
	Suppress(ctx context.Context, recipientHash string, types []EventType) error
}

// Handler serves the beacon, redirect and unsubscribe endpoints. Everything
// here is on the critical latency path of every recipient interaction:
// lookups go through the metadata cache, counters through Redis, and the
// durable write is decoupled behind the event sink.
type Handler struct {
	signer     *Signer
	classifier *Classifier
	windows    *Windows
	meta       *MetadataCache
	sink       EventSink
	optouts    OptOutWriter

	coalescingWindow time.Duration
	rateWindow       time.Duration
}

type HandlerConfig struct {
	CoalescingWindow time.Duration
	RateWindow       time.Duration
}

func NewHandler(signer *Signer, classifier *Classifier, windows *Windows, meta *MetadataCache, sink EventSink, optouts OptOutWriter, cfg HandlerConfig) *Handler {
	return &Handler{
		signer:           signer,
		classifier:       classifier,
		windows:          windows,
		meta:             meta,
		sink:             sink,
		optouts:          optouts,
		coalescingWindow: cfg.CoalescingWindow,
		rateWindow:       cfg.RateWindow,
	}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/tracking/open", h.HandleOpen)
	r.Get("/tracking/click", h.HandleClick)
	r.Get("/tracking/unsubscribe", h.HandleUnsubscribe)
	r.Post("/tracking/unsubscribe", h.HandleUnsubscribe)
	return r
}

// HandleOpen serves the open beacon. Every branch returns the identical
// pixel: the response must never reveal whether tracking was recorded.
func (h *Handler) HandleOpen(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	messageID := r.URL.Query().Get("messageId")
	if messageID == "" {
		h.servePixel(w)
		return
	}

	meta, err := h.meta.Message(ctx, messageID)
	if err != nil || meta == nil {
		if err != nil {
			log.Printf("[Beacon] metadata lookup error (message=%s): %v", messageID, err)
		}
		h.servePixel(w)
		return
	}
	if !meta.OpenTrackingEnabled {
		h.servePixel(w)
		return
	}

	if suppressed, err := h.meta.Suppressed(ctx, meta.RecipientHash, EventOpen); err != nil || suppressed {
		if err != nil {
			log.Printf("[Beacon] optout lookup error (message=%s): %v", messageID, err)
		}
		h.servePixel(w)
		return
	}

	verdict := h.classify(ctx, r, meta.SentAt)

	if !h.windows.FirstOpenInWindow(ctx, messageID, h.coalescingWindow) {
		h.servePixel(w)
		return
	}

	h.sink.Publish(ctx, h.buildEvent(r, EventOpen, meta, "", verdict))
	h.servePixel(w)
}

// HandleClick verifies the signature and redirects. An invalid signature is
// terminal — redirecting on a forged token would turn this endpoint into an
// open proxy. Past that boundary navigation is guaranteed: tracking errors
// are logged, never surfaced.
func (h *Handler) HandleClick(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	messageID := q.Get("messageId")
	dest := q.Get("url")
	sig := q.Get("sig")

	if messageID == "" || dest == "" || sig == "" {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if !h.signer.Verify(messageID, dest, sig) {
		// Response is identical whether or not the messageId exists.
		log.Printf("[Redirect] signature mismatch (message=%s, ip=%s)", messageID, privacy.TruncateIP(realIP(r)))
		w.WriteHeader(http.StatusForbidden)
		return
	}

	if meta, err := h.meta.Message(ctx, messageID); err == nil && meta != nil && meta.ClickTrackingEnabled {
		if suppressed, serr := h.meta.Suppressed(ctx, meta.RecipientHash, EventClick); serr == nil && !suppressed {
			verdict := h.classify(ctx, r, meta.SentAt)
			h.sink.Publish(ctx, h.buildEvent(r, EventClick, meta, dest, verdict))
		} else if serr != nil {
			log.Printf("[Redirect] optout lookup error (message=%s): %v", messageID, serr)
		}
	} else if err != nil {
		log.Printf("[Redirect] metadata lookup error (message=%s): %v", messageID, err)
	}

	http.Redirect(w, r, dest, http.StatusFound)
}

// HandleUnsubscribe verifies the signed unsubscribe link, records the event,
// writes the permanent opt-out and renders the confirmation page.
func (h *Handler) HandleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	messageID := r.URL.Query().Get("messageId")
	sig := r.URL.Query().Get("sig")

	if messageID == "" || sig == "" || !h.signer.Verify(messageID, "unsubscribe", sig) {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	meta, err := h.meta.Message(ctx, messageID)
	if err != nil || meta == nil {
		if err != nil {
			log.Printf("[Unsubscribe] metadata lookup error (message=%s): %v", messageID, err)
		}
		// Still confirm: the recipient asked to stop hearing from us.
		h.serveUnsubscribePage(w)
		return
	}

	verdict := h.classify(ctx, r, meta.SentAt)
	h.sink.Publish(ctx, h.buildEvent(r, EventUnsubscribe, meta, "", verdict))

	if err := h.optouts.Suppress(ctx, meta.RecipientHash, []EventType{EventOpen, EventClick}); err != nil {
		log.Printf("[Unsubscribe] optout write error (message=%s): %v", messageID, err)
	} else {
		h.meta.MarkSuppressed(ctx, meta.RecipientHash, EventOpen, EventClick)
	}

	h.serveUnsubscribePage(w)
}

func (h *Handler) classify(ctx context.Context, r *http.Request, sentAt time.Time) Verdict {
	ip := realIP(r)
	return h.classifier.Classify(RequestContext{
		UserAgent:      r.UserAgent(),
		Referer:        r.Referer(),
		SentAt:         sentAt,
		ReceivedAt:     time.Now().UTC(),
		RecentRequests: h.windows.CountSourceHit(ctx, ip, h.rateWindow),
	})
}

func (h *Handler) buildEvent(r *http.Request, et EventType, meta *MessageMeta, linkURL string, verdict Verdict) Event {
	return Event{
		ID:            uuid.NewString(),
		EventType:     et,
		TenantID:      meta.TenantID,
		CampaignID:    meta.CampaignID,
		MessageID:     meta.MessageID,
		RecipientHash: meta.RecipientHash,
		LinkURL:       linkURL,
		SourceIP:      privacy.TruncateIP(realIP(r)),
		UserAgent:     r.UserAgent(),
		DeviceType:    detectDevice(r.UserAgent()),
		ClientLabel:   verdict.Label,
		Confidence:    verdict.Confidence,
		IsAutomated:   verdict.Automated(),
		Headers:       privacy.SanitizeHeaders(r.Header),
		OccurredAt:    time.Now().UTC(),
	}
}

func (h *Handler) servePixel(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.Write(pixelPNG)
}

func (h *Handler) serveUnsubscribePage(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(`<!DOCTYPE html><html><body style="font-family:Arial,sans-serif;text-align:center;padding:50px;">
		<h1>You have been unsubscribed</h1>
		<p>You will no longer receive emails from us.</p>
	</body></html>`))
}

func realIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx > 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return xff
	}
	if xri := r.Header.Get("X-Real-Ip"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}
