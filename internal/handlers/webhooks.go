package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/greenbasket/api/internal/platform/httpx"
)

const maxWebhookBodySize = 256 * 1024

// WebhookHandlers ingests signed server-to-server callbacks from the payment
// gateway. Signature validation happens in the group middleware; handlers only
// see verified payloads.
type WebhookHandlers struct {
	logger *zap.Logger
}

// NewWebhookHandlers constructs webhook handlers.
func NewWebhookHandlers(logger *zap.Logger) *WebhookHandlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookHandlers{logger: logger}
}

// Routes registers the /webhooks endpoints.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/gateway", h.gatewayEvent)
}

type gatewayWebhookEvent struct {
	Event   string `json:"event"`
	Payload struct {
		Payment struct {
			Entity struct {
				ID      string `json:"id"`
				OrderID string `json:"order_id"`
				Status  string `json:"status"`
			} `json:"entity"`
		} `json:"payment"`
	} `json:"payload"`
}

// gatewayEvent records gateway payment events for reconciliation. Settlement
// state changes flow through the client-side verify endpoint; the webhook is an
// audit trail, so unknown event kinds are acknowledged rather than rejected.
func (h *WebhookHandlers) gatewayEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := readLimitedBody(r, maxWebhookBodySize)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unable to read webhook body", http.StatusBadRequest))
		return
	}

	var event gatewayWebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return
	}
	if strings.TrimSpace(event.Event) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "event type is required", http.StatusBadRequest))
		return
	}

	h.logger.Info("gateway webhook received",
		zap.String("event", event.Event),
		zap.String("gateway_payment_id", event.Payload.Payment.Entity.ID),
		zap.String("gateway_order_id", event.Payload.Payment.Entity.OrderID),
		zap.String("gateway_status", event.Payload.Payment.Entity.Status))

	writeJSONResponse(w, http.StatusOK, map[string]any{"ok": true})
}
