package interfaces

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"trafficflow/internal/pkg/logger"
	"trafficflow/internal/service/order/application"
	"trafficflow/internal/service/order/domain"
	"trafficflow/internal/service/order/fraud"
	"trafficflow/internal/service/order/statemachine"
)

const (
	serviceName = "order-service"

	headerActorID   = "X-Actor-ID"
	headerActorRole = "X-Actor-Role"
	roleAdmin       = "admin"
)

// OrderHandler 订单服务的 HTTP 入口。调用方身份由网关通过 X-Actor-ID / X-Actor-Role 传入。
type OrderHandler struct {
	service *application.OrderService
}

func NewOrderHandler(service *application.OrderService) *OrderHandler {
	return &OrderHandler{service: service}
}

// RegisterRoutes 在 ServeMux 上注册所有路由
func (h *OrderHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("POST /orders", h.placeOrder)
	mux.HandleFunc("GET /orders/{id}", h.getOrder)
	mux.HandleFunc("POST /orders/{id}/pause", h.pause)
	mux.HandleFunc("POST /orders/{id}/resume", h.resume)
	mux.HandleFunc("POST /orders/{id}/cancel", h.cancel)

	mux.HandleFunc("GET /admin/orders/{id}", h.admin(h.adminGetOrder))
	mux.HandleFunc("POST /admin/orders/{id}/complete", h.admin(h.markCompleted))
	mux.HandleFunc("POST /admin/orders/{id}/partial", h.admin(h.markPartial))
	mux.HandleFunc("POST /admin/orders/{id}/retry", h.admin(h.retry))
	mux.HandleFunc("POST /admin/orders/{id}/intervention", h.admin(h.intervention))
	mux.HandleFunc("POST /admin/orders/{id}/resolve", h.admin(h.resolve))
	mux.HandleFunc("POST /admin/orders/{id}/suspend", h.admin(h.suspend))
	mux.HandleFunc("POST /admin/orders/{id}/reactivate", h.admin(h.reactivate))
	mux.HandleFunc("POST /admin/orders/{id}/override", h.admin(h.override))
}

// placeOrderBody 下单人以 X-Actor-ID 为准, userId 仅用于与其核对
type placeOrderBody struct {
	UserID           int64  `json:"userId"`
	ServiceID        int64  `json:"serviceId"`
	Link             string `json:"link"`
	Quantity         int64  `json:"quantity"`
	Charge           string `json:"charge"`
	PaymentConfirmed bool   `json:"paymentConfirmed"`
}

func (h *OrderHandler) placeOrder(w http.ResponseWriter, r *http.Request) {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	ctx, span := otel.Tracer(serviceName).Start(ctx, "http.PlaceOrder")
	defer span.End()

	userID, err := strconv.ParseInt(r.Header.Get(headerActorID), 10, 64)
	if err != nil || userID <= 0 {
		writeError(w, http.StatusUnauthorized, "missing or invalid actor")
		return
	}
	var body placeOrderBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if body.UserID != 0 && body.UserID != userID {
		writeError(w, http.StatusForbidden, "userId does not match the caller")
		return
	}
	charge, err := decimal.NewFromString(body.Charge)
	if err != nil {
		writeError(w, http.StatusBadRequest, "charge must be a decimal string")
		return
	}
	span.SetAttributes(attribute.Int64("user.id", userID))

	resp, err := h.service.PlaceOrder(ctx, application.PlaceOrderRequest{
		UserID:           userID,
		ServiceID:        body.ServiceID,
		Link:             body.Link,
		Quantity:         body.Quantity,
		Charge:           charge,
		PaymentConfirmed: body.PaymentConfirmed,
	})
	if err != nil {
		var rejected *fraud.AdmissionError
		if errors.As(err, &rejected) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": "order rejected", "rules": rejected.Rules})
			return
		}
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"orderId": resp.OrderID,
		"status":  resp.Status,
		"message": resp.Message,
	})
}

func (h *OrderHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	view, err := h.service.PublicStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *OrderHandler) pause(w http.ResponseWriter, r *http.Request) {
	o, err := h.service.Pause(r.Context(), r.PathValue("id"), actorFrom(r))
	h.respond(w, r, o, err)
}

func (h *OrderHandler) resume(w http.ResponseWriter, r *http.Request) {
	o, err := h.service.Resume(r.Context(), r.PathValue("id"), actorFrom(r))
	h.respond(w, r, o, err)
}

func (h *OrderHandler) cancel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if !decodeOptional(w, r, &body) {
		return
	}
	o, err := h.service.Cancel(r.Context(), r.PathValue("id"), actorFrom(r), body.Reason)
	h.respond(w, r, o, err)
}

// admin 只允许管理员角色访问
func (h *OrderHandler) admin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(headerActorRole) != roleAdmin {
			writeError(w, http.StatusForbidden, "admin role required")
			return
		}
		next(w, r)
	}
}

func (h *OrderHandler) adminGetOrder(w http.ResponseWriter, r *http.Request) {
	view, err := h.service.GetOrder(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := toAdminView(view.Order)
	for _, c := range view.Campaigns {
		out.Campaigns = append(out.Campaigns, campaignView{
			ID:             c.ID,
			ExternalID:     c.ExternalID,
			TargetURL:      c.TargetURL,
			ClicksRequired: c.ClicksRequired,
			Status:         string(c.Status),
			CreatedAt:      c.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type deliveryBody struct {
	Delivered int64 `json:"delivered"`
}

func (h *OrderHandler) markCompleted(w http.ResponseWriter, r *http.Request) {
	var body deliveryBody
	if !decodeOptional(w, r, &body) {
		return
	}
	o, err := h.service.MarkCompleted(r.Context(), r.PathValue("id"), actorFrom(r), body.Delivered)
	h.respond(w, r, o, err)
}

func (h *OrderHandler) markPartial(w http.ResponseWriter, r *http.Request) {
	var body deliveryBody
	if !decodeOptional(w, r, &body) {
		return
	}
	o, err := h.service.MarkPartial(r.Context(), r.PathValue("id"), actorFrom(r), body.Delivered)
	h.respond(w, r, o, err)
}

func (h *OrderHandler) retry(w http.ResponseWriter, r *http.Request) {
	o, err := h.service.RetryProcessing(r.Context(), r.PathValue("id"), actorFrom(r))
	h.respond(w, r, o, err)
}

type notesBody struct {
	Notes      string `json:"notes"`
	MarkFailed bool   `json:"markFailed"`
}

func (h *OrderHandler) intervention(w http.ResponseWriter, r *http.Request) {
	var body notesBody
	if !decodeOptional(w, r, &body) {
		return
	}
	o, err := h.service.RequestManualIntervention(r.Context(), r.PathValue("id"), actorFrom(r), body.Notes)
	h.respond(w, r, o, err)
}

func (h *OrderHandler) resolve(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Notes              string `json:"notes"`
		Supersede          bool   `json:"supersede"`
		ExternalCampaignID string `json:"externalCampaignId"`
	}
	if !decodeOptional(w, r, &body) {
		return
	}
	o, err := h.service.ResolveError(r.Context(), r.PathValue("id"), actorFrom(r), application.ResolveRequest{
		Notes:              body.Notes,
		Supersede:          body.Supersede,
		ExternalCampaignID: body.ExternalCampaignID,
	})
	h.respond(w, r, o, err)
}

func (h *OrderHandler) suspend(w http.ResponseWriter, r *http.Request) {
	var body notesBody
	if !decodeOptional(w, r, &body) {
		return
	}
	o, err := h.service.AdminSuspend(r.Context(), r.PathValue("id"), actorFrom(r), body.Notes)
	h.respond(w, r, o, err)
}

func (h *OrderHandler) reactivate(w http.ResponseWriter, r *http.Request) {
	var body notesBody
	if !decodeOptional(w, r, &body) {
		return
	}
	o, err := h.service.AdminReactivate(r.Context(), r.PathValue("id"), actorFrom(r), body.Notes)
	h.respond(w, r, o, err)
}

func (h *OrderHandler) override(w http.ResponseWriter, r *http.Request) {
	var body notesBody
	if !decodeOptional(w, r, &body) {
		return
	}
	o, err := h.service.AdminOverride(r.Context(), r.PathValue("id"), actorFrom(r), body.Notes, body.MarkFailed)
	h.respond(w, r, o, err)
}

func (h *OrderHandler) respond(w http.ResponseWriter, r *http.Request, o *domain.Order, err error) {
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if r.Header.Get(headerActorRole) == roleAdmin {
		writeJSON(w, http.StatusOK, toAdminView(o))
		return
	}
	writeJSON(w, http.StatusOK, application.ToPublicView(o))
}

func (h *OrderHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, application.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, statemachine.ErrIllegalTransition),
		errors.Is(err, statemachine.ErrGuardRejected),
		errors.Is(err, domain.ErrVersionConflict),
		errors.Is(err, domain.ErrCampaignImmutable):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func actorFrom(r *http.Request) statemachine.Actor {
	id := r.Header.Get(headerActorID)
	if id == "" {
		id = "anonymous"
	}
	return statemachine.Actor{ID: id, Admin: r.Header.Get(headerActorRole) == roleAdmin}
}

// decodeOptional 空 body 视为零值
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type campaignView struct {
	ID             string    `json:"id"`
	ExternalID     string    `json:"externalId,omitempty"`
	TargetURL      string    `json:"targetUrl"`
	ClicksRequired int64     `json:"clicksRequired"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"createdAt"`
}

// adminView 运营可见的完整状态, 包括错误信息与退款进度
type adminView struct {
	ID               string         `json:"id"`
	UserID           int64          `json:"userId"`
	ServiceID        int64          `json:"serviceId"`
	Link             string         `json:"link"`
	Quantity         int64          `json:"quantity"`
	Charge           string         `json:"charge"`
	Status           domain.Status  `json:"status"`
	StartCount       int64          `json:"startCount"`
	Remains          int64          `json:"remains"`
	UseClip          bool           `json:"useClip"`
	Coefficient      string         `json:"coefficient"`
	TargetClicks     int64          `json:"targetClicks"`
	RetryCount       int            `json:"retryCount"`
	MaxRetries       int            `json:"maxRetries"`
	LastErrorType    string         `json:"lastErrorType,omitempty"`
	ErrorMessage     string         `json:"errorMessage,omitempty"`
	FailedPhase      string         `json:"failedPhase,omitempty"`
	IsManuallyFailed bool           `json:"isManuallyFailed"`
	OperatorNotes    string         `json:"operatorNotes,omitempty"`
	RefundState      string         `json:"refundState,omitempty"`
	Version          int64          `json:"version"`
	UpdatedAt        time.Time      `json:"updatedAt"`
	Campaigns        []campaignView `json:"campaigns,omitempty"`
}

func toAdminView(o *domain.Order) adminView {
	return adminView{
		ID:               o.ID,
		UserID:           o.UserID,
		ServiceID:        o.ServiceID,
		Link:             o.Link,
		Quantity:         o.Quantity,
		Charge:           o.Charge.StringFixed(2),
		Status:           o.Status,
		StartCount:       o.StartCount,
		Remains:          o.Remains,
		UseClip:          o.UseClip,
		Coefficient:      o.Coefficient.String(),
		TargetClicks:     o.TargetClicks,
		RetryCount:       o.RetryCount,
		MaxRetries:       o.MaxRetries,
		LastErrorType:    o.LastErrorType,
		ErrorMessage:     o.ErrorMessage,
		FailedPhase:      o.FailedPhase,
		IsManuallyFailed: o.IsManuallyFailed,
		OperatorNotes:    o.OperatorNotes,
		RefundState:      string(o.RefundState),
		Version:          o.Version,
		UpdatedAt:        o.UpdatedAt,
	}
}
