package handlers

import (
	"context"

	"github.com/blastline/campaign-engine/internal/model"
	xhttp "github.com/blastline/campaign-engine/pkg/http"
	"github.com/fasthttp/router"
)

// WebhookQueue is where accepted events go; the reconciler consumes them
// asynchronously.
type WebhookQueue interface {
	Publish(ctx context.Context, event *model.WebhookEvent) (string, error)
}

type WebhookHandler struct {
	queue WebhookQueue
}

func NewWebhookHandler(queue WebhookQueue) *WebhookHandler {
	return &WebhookHandler{queue: queue}
}

func RegisterWebhookRoutes(e *router.Group, h *WebhookHandler) {
	e.POST("/webhooks/events", h.ReceiveEvent)
}

// ReceiveEvent accepts one provider callback. The provider only needs a fast
// 202; reconciliation happens off the stream.
func (h *WebhookHandler) ReceiveEvent(ctx *xhttp.RequestCtx) {
	var ev model.WebhookEvent
	if err := readJSON(ctx, &ev); err != nil {
		writeError(ctx, 400, "invalid JSON: "+err.Error())
		return
	}
	if err := ev.Validate(); err != nil {
		writeError(ctx, 400, err.Error())
		return
	}

	id, err := h.queue.Publish(ctx, &ev)
	if err != nil {
		writeError(ctx, 503, "failed to enqueue event")
		return
	}
	writeJSON(ctx, 202, map[string]string{"accepted": id})
}
