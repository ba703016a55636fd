package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/dmehra2102/Travel-Booking-System/internal/booking/domain"
	inventory "github.com/dmehra2102/Travel-Booking-System/internal/inventory/domain"
	"github.com/dmehra2102/Travel-Booking-System/pkg/outbox"
)

// HeaderUserID carries the authenticated caller, set by the gateway.
const HeaderUserID = "X-User-ID"

type Bookings interface {
	Reserve(ctx context.Context, req domain.ReservationRequest) (domain.Booking, error)
	Get(ctx context.Context, id string) (domain.Booking, error)
	Confirm(ctx context.Context, id, actorID string) (domain.Booking, error)
	Cancel(ctx context.Context, id, actorID, reason string) (domain.Booking, domain.RefundDecision, error)
	CheckAvailability(ctx context.Context, listingID string, start, end time.Time, qty int) (bool, error)
}

type OutboxAdmin interface {
	ReplayFailed(ctx context.Context, ids []int64) (int64, error)
	ListFailed(ctx context.Context, limit int) ([]outbox.Entry, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	log    *slog.Logger
	svc    Bookings
	outbox OutboxAdmin
	db     Pinger
	idem   func(http.Handler) http.Handler
	tracer trace.Tracer
}

// NewHandler wires the booking API. idem guards POST /bookings and may be nil.
func NewHandler(log *slog.Logger, svc Bookings, admin OutboxAdmin, db Pinger, idem func(http.Handler) http.Handler) *Handler {
	if idem == nil {
		idem = func(next http.Handler) http.Handler { return next }
	}
	return &Handler{
		log:    log,
		svc:    svc,
		outbox: admin,
		db:     db,
		idem:   idem,
		tracer: otel.Tracer("booking-http"),
	}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer, h.traced)

	r.Get("/healthz", h.health)
	r.With(h.idem).Post("/bookings", h.reserve)
	r.Get("/bookings/{id}", h.getBooking)
	r.Post("/bookings/{id}/confirm", h.confirm)
	r.Post("/bookings/{id}/cancel", h.cancel)
	r.Get("/listings/{id}/availability", h.availability)
	r.Post("/admin/outbox/replay", h.replayOutbox)
	r.Get("/admin/outbox/failed", h.failedOutbox)
	return r
}

// traced continues an upstream trace and opens a server span per request.
func (h *Handler) traced(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := h.tracer.Start(ctx, r.Method+" "+r.URL.Path, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type reserveReq struct {
	ListingID       string `json:"listingId"`
	StartDate       string `json:"startDate"`
	EndDate         string `json:"endDate"`
	Guests          int    `json:"guests"`
	TotalCents      int64  `json:"totalCents"`
	SpecialRequests string `json:"specialRequests"`
}

type cancelReq struct {
	Reason string `json:"reason"`
}

type bookingResp struct {
	ID                 string         `json:"id"`
	ListingID          string         `json:"listingId"`
	UserID             string         `json:"userId"`
	StartDate          string         `json:"startDate"`
	EndDate            string         `json:"endDate"`
	Guests             int            `json:"guests"`
	TotalCents         int64          `json:"totalCents"`
	Status             domain.Status  `json:"status"`
	CancellationReason *string        `json:"cancellationReason,omitempty"`
	SpecialRequests    string         `json:"specialRequests,omitempty"`
	Metadata           map[string]any `json:"metadata"`
	CreatedAt          time.Time      `json:"createdAt"`
	UpdatedAt          time.Time      `json:"updatedAt"`
}

type cancelResp struct {
	Booking     bookingResp        `json:"booking"`
	RefundClass domain.RefundClass `json:"refundClass"`
	RefundCents int64              `json:"refundCents"`
}

func toResp(b domain.Booking) bookingResp {
	meta := b.Metadata
	if meta == nil {
		meta = domain.Metadata{}
	}
	return bookingResp{
		ID:                 b.ID,
		ListingID:          b.ListingID,
		UserID:             b.UserID,
		StartDate:          b.StartDate.Format(time.DateOnly),
		EndDate:            b.EndDate.Format(time.DateOnly),
		Guests:             b.Guests,
		TotalCents:         b.TotalCents,
		Status:             b.Status,
		CancellationReason: b.CancellationReason,
		SpecialRequests:    b.SpecialRequests,
		Metadata:           meta,
		CreatedAt:          b.CreatedAt,
		UpdatedAt:          b.UpdatedAt,
	}
}

func (h *Handler) reserve(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var req reserveReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid body"))
		return
	}
	start, err1 := time.Parse(time.DateOnly, req.StartDate)
	end, err2 := time.Parse(time.DateOnly, req.EndDate)
	if err := errors.Join(err1, err2); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("dates must be YYYY-MM-DD"))
		return
	}

	b, err := h.svc.Reserve(r.Context(), domain.ReservationRequest{
		ListingID:       req.ListingID,
		UserID:          actor,
		StartDate:       start,
		EndDate:         end,
		Guests:          req.Guests,
		TotalCents:      req.TotalCents,
		SpecialRequests: req.SpecialRequests,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toResp(b))
}

func (h *Handler) getBooking(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	b, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if b.UserID != actor {
		// vendors read through their own tooling
		h.writeError(w, r, domain.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, toResp(b))
}

func (h *Handler) confirm(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	b, err := h.svc.Confirm(r.Context(), chi.URLParam(r, "id"), actor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResp(b))
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var req cancelReq
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody("invalid body"))
			return
		}
	}
	b, decision, err := h.svc.Cancel(r.Context(), chi.URLParam(r, "id"), actor, req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cancelResp{Booking: toResp(b), RefundClass: decision.Class, RefundCents: decision.AmountCents})
}

func (h *Handler) availability(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start, err1 := time.Parse(time.DateOnly, q.Get("start"))
	end, err2 := time.Parse(time.DateOnly, q.Get("end"))
	if err := errors.Join(err1, err2); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("start and end must be YYYY-MM-DD"))
		return
	}
	qty := 1
	if raw := q.Get("qty"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody("qty must be an integer"))
			return
		}
		qty = n
	}
	listingID := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("listing.id", listingID))

	ok, err := h.svc.CheckAvailability(r.Context(), listingID, start, end, qty)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"listingId": listingID, "available": ok})
}

type replayReq struct {
	IDs []int64 `json:"ids"`
}

func (h *Handler) replayOutbox(w http.ResponseWriter, r *http.Request) {
	var req replayReq
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody("invalid body"))
			return
		}
	}
	n, err := h.outbox.ReplayFailed(r.Context(), req.IDs)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.log.InfoContext(r.Context(), "outbox entries replayed", "count", n, "ids", req.IDs)
	writeJSON(w, http.StatusOK, map[string]int64{"replayed": n})
}

type failedEntry struct {
	ID            int64           `json:"id"`
	AggregateType string          `json:"aggregateType"`
	AggregateID   string          `json:"aggregateId"`
	EventType     string          `json:"eventType"`
	Payload       json.RawMessage `json:"payload"`
	Attempts      int             `json:"attempts"`
	LastError     *string         `json:"lastError,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

func (h *Handler) failedOutbox(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorBody("limit must be a positive integer"))
			return
		}
		limit = n
	}
	entries, err := h.outbox.ListFailed(r.Context(), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]failedEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, failedEntry{
			ID:            e.ID,
			AggregateType: e.AggregateType,
			AggregateID:   e.AggregateID,
			EventType:     e.EventType,
			Payload:       e.Payload,
			Attempts:      e.Attempts,
			LastError:     e.LastError,
			CreatedAt:     e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.db.Ping(ctx); err != nil {
		h.log.WarnContext(ctx, "health check failed", "err", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func actorFrom(w http.ResponseWriter, r *http.Request) (string, bool) {
	actor := r.Header.Get(HeaderUserID)
	if actor == "" {
		writeJSON(w, http.StatusUnauthorized, errorBody("missing "+HeaderUserID))
		return "", false
	}
	return actor, true
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	ctx := r.Context()
	switch {
	case status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable:
		h.log.ErrorContext(ctx, "request failed", "path", r.URL.Path, "err", err)
		writeJSON(w, status, errorBody("internal error"))
		return
	case status == http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", "1")
		h.log.WarnContext(ctx, "request contended", "path", r.URL.Path, "err", err)
	default:
		h.log.InfoContext(ctx, "request rejected", "path", r.URL.Path, "status", status, "err", err)
	}
	writeJSON(w, status, errorBody(err.Error()))
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, inventory.ErrInvalidRange),
		errors.Is(err, inventory.ErrInvalidQuantity):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrListingNotFound):
		return http.StatusNotFound
	case errors.Is(err, inventory.ErrInsufficientInventory), errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, inventory.ErrResourceBusy):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
