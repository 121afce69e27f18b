package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/leadpulse/leadpulse/internal/ingest"
	"github.com/leadpulse/leadpulse/internal/store"
)

// maxWebhookBody caps inbound webhook payloads.
const maxWebhookBody = 1 << 20 // 1 MiB

// Ingestor is the inbound pipeline surface the webhook handler needs.
type Ingestor interface {
	IngestInbound(ctx context.Context, workspaceID uuid.UUID, kind store.ProviderKind, body []byte) error
}

// WebhookHandler receives provider webhooks and hands them to the ingest
// pipeline. Replies are fast 2xx acks; processing continues via the queue.
type WebhookHandler struct {
	ingestor    Ingestor
	verifyToken string
	limiter     *WebhookRateLimiter
}

func NewWebhookHandler(ingestor Ingestor, verifyToken string) *WebhookHandler {
	return &WebhookHandler{
		ingestor:    ingestor,
		verifyToken: verifyToken,
		limiter:     NewWebhookRateLimiter(),
	}
}

// RegisterRoutes registers the webhook routes on the given mux.
func (h *WebhookHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/webhooks/{provider}/{workspace_id}", h.handleInbound)
	mux.HandleFunc("GET /v1/webhooks/{provider}/{workspace_id}", h.handleVerify)
}

// handleInbound accepts one webhook delivery. Providers retry non-2xx
// responses, so only transport-level problems return errors: a payload the
// normalizer rejects is acked and dropped, because redelivering it cannot
// fix it.
func (h *WebhookHandler) handleInbound(w http.ResponseWriter, r *http.Request) {
	kind := store.ProviderKind(r.PathValue("provider"))
	if !kind.Valid() {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown provider"})
		return
	}

	workspaceID, err := uuid.Parse(r.PathValue("workspace_id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "invalid workspace id"})
		return
	}

	if !h.limiter.Allow(workspaceID.String() + ":" + string(kind)) {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limited"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}

	if err := h.ingestor.IngestInbound(r.Context(), workspaceID, kind, body); err != nil {
		if ingest.IsValidationError(err) {
			slog.Warn("webhook payload rejected",
				"provider", kind, "workspace", workspaceID, "error", err)
			writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
			return
		}
		slog.Error("webhook ingest failed",
			"provider", kind, "workspace", workspaceID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "ingest failed"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// handleVerify answers the WhatsApp Cloud webhook subscription handshake:
// Graph sends hub.mode=subscribe with a challenge to echo back.
func (h *WebhookHandler) handleVerify(w http.ResponseWriter, r *http.Request) {
	kind := store.ProviderKind(r.PathValue("provider"))
	if kind != store.ProviderWACloud {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown provider"})
		return
	}

	q := r.URL.Query()
	if q.Get("hub.mode") != "subscribe" || q.Get("hub.verify_token") != h.verifyToken {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "verification failed"})
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, q.Get("hub.challenge"))
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
