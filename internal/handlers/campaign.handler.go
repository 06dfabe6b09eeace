package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/blastline/campaign-engine/internal/model"
	"github.com/blastline/campaign-engine/internal/repository"
	"github.com/blastline/campaign-engine/internal/services"
	xhttp "github.com/blastline/campaign-engine/pkg/http"
	"github.com/fasthttp/router"
)

type CampaignService interface {
	Create(ctx context.Context, p services.CampaignCreateRequest) (*model.Campaign, error)
	Get(ctx context.Context, id int64) (*model.Campaign, error)
	List(ctx context.Context, f model.CampaignFilter) ([]*model.Campaign, int64, error)
	AttachContacts(ctx context.Context, campaignID int64, contactIDs []int64) error
	AddBinding(ctx context.Context, campaignID, accountID, templateID int64) (*model.CampaignTemplate, error)
	Schedule(ctx context.Context, id int64, at time.Time) error
	Pause(ctx context.Context, id int64) error
	Resume(ctx context.Context, id int64) error
	Cancel(ctx context.Context, id int64) error
	UpdateSettings(ctx context.Context, id int64, u model.CampaignSettingsUpdate) error
}

type CampaignHandler struct {
	svc CampaignService
}

func NewCampaignHandler(svc CampaignService) *CampaignHandler {
	return &CampaignHandler{svc: svc}
}

func RegisterCampaignRoutes(e *router.Group, h *CampaignHandler) {
	e.POST("/campaigns", h.CreateCampaign)
	e.GET("/campaigns", h.ListCampaigns)
	e.GET("/campaigns/{id}", h.GetCampaign)
	e.POST("/campaigns/{id}/contacts", h.AttachContacts)
	e.POST("/campaigns/{id}/bindings", h.AddBinding)
	e.POST("/campaigns/{id}/schedule", h.ScheduleCampaign)
	e.POST("/campaigns/{id}/pause", h.PauseCampaign)
	e.POST("/campaigns/{id}/resume", h.ResumeCampaign)
	e.POST("/campaigns/{id}/cancel", h.CancelCampaign)
	e.PATCH("/campaigns/{id}/settings", h.UpdateSettings)
}

type listCampaignsResponse struct {
	Items []*model.Campaign `json:"items"`
	Total int64             `json:"total"`
}

/* --------------------------------- Routes ----------------------------------- */

func (h *CampaignHandler) CreateCampaign(ctx *xhttp.RequestCtx) {
	var req services.CampaignCreateRequest
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, 400, "invalid JSON: "+err.Error())
		return
	}
	c, err := h.svc.Create(ctx, req)
	if err != nil {
		writeError(ctx, 400, err.Error())
		return
	}
	writeJSON(ctx, 201, c)
}

func (h *CampaignHandler) GetCampaign(ctx *xhttp.RequestCtx) {
	id, err := pathID(ctx)
	if err != nil {
		writeError(ctx, 400, "invalid campaign id")
		return
	}
	c, err := h.svc.Get(ctx, id)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, 200, c)
}

func (h *CampaignHandler) ListCampaigns(ctx *xhttp.RequestCtx) {
	var f model.CampaignFilter

	if v := query(ctx, "tenant_id"); v != "" {
		if id, e := strconv.ParseInt(v, 10, 64); e == nil {
			f.TenantID = &id
		}
	}
	if v := query(ctx, "status"); v != "" {
		parts := strings.Split(v, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
			if parts[i] != "" {
				f.Statuses = append(f.Statuses, model.CampaignStatus(parts[i]))
			}
		}
	}
	if v := query(ctx, "limit"); v != "" {
		if n, e := strconv.Atoi(v); e == nil {
			f.Limit = n
		}
	}
	if v := query(ctx, "offset"); v != "" {
		if n, e := strconv.Atoi(v); e == nil {
			f.Offset = n
		}
	}
	if strings.EqualFold(query(ctx, "order"), "desc") {
		f.Desc = true
	}

	items, total, err := h.svc.List(ctx, f)
	if err != nil {
		writeError(ctx, 400, err.Error())
		return
	}
	writeJSON(ctx, 200, listCampaignsResponse{Items: items, Total: total})
}

func (h *CampaignHandler) AttachContacts(ctx *xhttp.RequestCtx) {
	id, err := pathID(ctx)
	if err != nil {
		writeError(ctx, 400, "invalid campaign id")
		return
	}
	var req struct {
		ContactIDs []int64 `json:"contact_ids"`
	}
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, 400, "invalid JSON: "+err.Error())
		return
	}
	if err := h.svc.AttachContacts(ctx, id, req.ContactIDs); err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, 200, map[string]int{"attached": len(req.ContactIDs)})
}

func (h *CampaignHandler) AddBinding(ctx *xhttp.RequestCtx) {
	id, err := pathID(ctx)
	if err != nil {
		writeError(ctx, 400, "invalid campaign id")
		return
	}
	var req struct {
		AccountID  int64 `json:"account_id"`
		TemplateID int64 `json:"template_id"`
	}
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, 400, "invalid JSON: "+err.Error())
		return
	}
	ct, err := h.svc.AddBinding(ctx, id, req.AccountID, req.TemplateID)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, 201, ct)
}

func (h *CampaignHandler) ScheduleCampaign(ctx *xhttp.RequestCtx) {
	id, err := pathID(ctx)
	if err != nil {
		writeError(ctx, 400, "invalid campaign id")
		return
	}
	var req struct {
		ScheduledAt string `json:"scheduled_at"`
	}
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, 400, "invalid JSON: "+err.Error())
		return
	}
	at, err := parseTime(req.ScheduledAt)
	if err != nil {
		writeError(ctx, 400, "invalid scheduled_at: "+err.Error())
		return
	}
	if err := h.svc.Schedule(ctx, id, at); err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, 200, map[string]string{"status": string(model.CampaignStatusScheduled)})
}

func (h *CampaignHandler) PauseCampaign(ctx *xhttp.RequestCtx) {
	h.action(ctx, h.svc.Pause, model.CampaignStatusPaused)
}

func (h *CampaignHandler) ResumeCampaign(ctx *xhttp.RequestCtx) {
	h.action(ctx, h.svc.Resume, model.CampaignStatusRunning)
}

func (h *CampaignHandler) CancelCampaign(ctx *xhttp.RequestCtx) {
	h.action(ctx, h.svc.Cancel, model.CampaignStatusCancelled)
}

func (h *CampaignHandler) action(ctx *xhttp.RequestCtx, fn func(context.Context, int64) error, result model.CampaignStatus) {
	id, err := pathID(ctx)
	if err != nil {
		writeError(ctx, 400, "invalid campaign id")
		return
	}
	if err := fn(ctx, id); err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, 200, map[string]string{"status": string(result)})
}

func (h *CampaignHandler) UpdateSettings(ctx *xhttp.RequestCtx) {
	id, err := pathID(ctx)
	if err != nil {
		writeError(ctx, 400, "invalid campaign id")
		return
	}
	var req struct {
		AutoRemoveAccountFailures *bool `json:"auto_remove_account_failures"`
		MaxRetries                *int  `json:"max_retries"`
		FailureThreshold          *int  `json:"failure_threshold"`
		RemovalThreshold          *int  `json:"removal_threshold"`
	}
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, 400, "invalid JSON: "+err.Error())
		return
	}
	u := model.CampaignSettingsUpdate{
		AutoRemoveAccountFailures: req.AutoRemoveAccountFailures,
		MaxRetries:                req.MaxRetries,
		FailureThreshold:          req.FailureThreshold,
		RemovalThreshold:          req.RemovalThreshold,
	}
	if err := h.svc.UpdateSettings(ctx, id, u); err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, 200, map[string]string{"status": "updated"})
}

/* -------------------------------- Helpers ----------------------------------- */

func writeServiceError(ctx *xhttp.RequestCtx, err error) {
	switch {
	case errors.Is(err, services.ErrNotFound):
		writeError(ctx, 404, err.Error())
	case errors.Is(err, model.ErrInvalidTransition),
		errors.Is(err, repository.ErrStaleTransition),
		errors.Is(err, services.ErrAlreadyTerminal),
		errors.Is(err, services.ErrConcurrencyLimit),
		errors.Is(err, services.ErrNotYetDue):
		writeError(ctx, 409, err.Error())
	default:
		writeError(ctx, 400, err.Error())
	}
}

func readJSON(ctx *xhttp.RequestCtx, dst any) error {
	body := ctx.PostBody()
	return json.Unmarshal(body, dst)
}

func writeJSON(ctx *xhttp.RequestCtx, status int, v any) {
	b, _ := json.Marshal(v)
	ctx.Response.Header.Set("Content-Type", "application/json; charset=utf-8")
	ctx.Response.SetStatusCode(status)
	ctx.Response.SetBodyRaw(b)
}

func writeError(ctx *xhttp.RequestCtx, status int, msg string) {
	writeJSON(ctx, status, map[string]string{"error": msg})
}

func pathID(ctx *xhttp.RequestCtx) (int64, error) {
	idStr, _ := ctx.UserValue("id").(string)
	return strconv.ParseInt(idStr, 10, 64)
}

func query(ctx *xhttp.RequestCtx, key string) string {
	return string(ctx.QueryArgs().Peek(key))
}

func parseTime(s string) (time.Time, error) {
	// Accept RFC3339 or YYYY-MM-DD
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}
