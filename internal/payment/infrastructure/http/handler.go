package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/cloudgames/payment-engine/internal/payment/application"
	"github.com/cloudgames/payment-engine/internal/payment/domain"
)

// userHeader carries the authenticated caller identity, supplied by the
// auth layer in front of this service.
const userHeader = "X-User-ID"

type Handler struct {
	log    *slog.Logger
	orch   *application.Orchestrator
	tracer trace.Tracer
}

func NewHandler(log *slog.Logger, orch *application.Orchestrator) *Handler {
	return &Handler{
		log:    log,
		orch:   orch,
		tracer: otel.Tracer("payment-http"),
	}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Post("/payments", h.createPayment)
	r.Get("/payments", h.listPayments)
	r.Get("/payments/{id}", h.getPayment)
	r.Post("/payments/{id}/process", h.processPayment)
	r.Post("/payments/{id}/cancel", h.cancelPayment)
	r.Get("/payments/{id}/events", h.getEvents)
	r.Get("/users/games", h.listLibrary)
	r.Get("/analytics/revenue", h.revenue)
	r.Get("/healthz", h.health)
	return r
}

type createPaymentReq struct {
	GameID string `json:"game_id"`
	Method string `json:"method"`
}

type paymentResponse struct {
	ID            string  `json:"id"`
	UserID        string  `json:"user_id"`
	GameID        string  `json:"game_id"`
	Amount        string  `json:"amount"`
	Method        string  `json:"method"`
	Status        string  `json:"status"`
	TransactionID string  `json:"transaction_id,omitempty"`
	FailureReason string  `json:"failure_reason,omitempty"`
	CreatedAt     string  `json:"created_at"`
	ProcessedAt   *string `json:"processed_at,omitempty"`
}

func toResponse(p *domain.Payment) paymentResponse {
	resp := paymentResponse{
		ID:            p.ID,
		UserID:        p.UserID,
		GameID:        p.GameID,
		Amount:        p.Amount.StringFixed(2),
		Method:        string(p.Method),
		Status:        string(p.Status),
		TransactionID: p.TransactionID,
		FailureReason: p.FailureReason,
		CreatedAt:     p.CreatedAt.Format(time.RFC3339),
	}
	if p.ProcessedAt != nil {
		t := p.ProcessedAt.Format(time.RFC3339)
		resp.ProcessedAt = &t
	}
	return resp
}

func (h *Handler) createPayment(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "CreatePayment")
	defer span.End()

	userID := r.Header.Get(userHeader)
	if userID == "" {
		writeError(w, http.StatusBadRequest, "missing "+userHeader+" header")
		return
	}

	var req createPaymentReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.GameID == "" {
		writeError(w, http.StatusBadRequest, "game_id is required")
		return
	}
	method, err := domain.ParseMethod(req.Method)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	p, err := h.orch.CreatePayment(ctx, userID, req.GameID, method)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toResponse(p))
}

func (h *Handler) processPayment(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "ProcessPayment")
	defer span.End()

	p, err := h.orch.ProcessPayment(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(p))
}

func (h *Handler) cancelPayment(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "CancelPayment")
	defer span.End()

	p, err := h.orch.CancelPayment(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(p))
}

func (h *Handler) getPayment(w http.ResponseWriter, r *http.Request) {
	p, err := h.orch.GetPayment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(p))
}

func (h *Handler) listPayments(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		userID = r.Header.Get(userHeader)
	}
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	payments, err := h.orch.ListPayments(r.Context(), userID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	out := make([]paymentResponse, 0, len(payments))
	for _, p := range payments {
		out = append(out, toResponse(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) getEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.orch.GetEvents(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

type grantResponse struct {
	GameID        string `json:"game_id"`
	PaymentID     string `json:"payment_id"`
	PurchasePrice string `json:"purchase_price"`
	GrantedAt     string `json:"granted_at"`
}

func (h *Handler) listLibrary(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(userHeader)
	if userID == "" {
		writeError(w, http.StatusBadRequest, "missing "+userHeader+" header")
		return
	}

	grants, err := h.orch.ListLibrary(r.Context(), userID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	out := make([]grantResponse, 0, len(grants))
	for _, g := range grants {
		out = append(out, grantResponse{
			GameID:        g.GameID,
			PaymentID:     g.PaymentID,
			PurchasePrice: g.PurchasePrice.StringFixed(2),
			GrantedAt:     g.GrantedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type revenueResponse struct {
	TotalRevenue string            `json:"total_revenue"`
	ByStatus     map[string]int    `json:"by_status"`
	ByMethod     map[string]string `json:"by_method"`
}

func (h *Handler) revenue(w http.ResponseWriter, r *http.Request) {
	report, err := h.orch.RevenueAnalytics(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	resp := revenueResponse{
		TotalRevenue: report.TotalRevenue.StringFixed(2),
		ByStatus:     make(map[string]int, len(report.ByStatus)),
		ByMethod:     make(map[string]string, len(report.ByMethod)),
	}
	for status, count := range report.ByStatus {
		resp.ByStatus[string(status)] = count
	}
	for method, sum := range report.ByMethod {
		resp.ByMethod[string(method)] = sum.StringFixed(2)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if err := h.orch.HealthCheck(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "unhealthy")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, application.ErrPaymentNotFound), errors.Is(err, application.ErrGameNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, application.ErrAlreadyOwned), errors.Is(err, application.ErrAlreadyProcessed):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrNegativeAmount):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, application.ErrStoreUnavailable):
		writeError(w, http.StatusServiceUnavailable, "temporarily unavailable, retry later")
	default:
		// Internal details stay in the log, not the response.
		h.log.Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
