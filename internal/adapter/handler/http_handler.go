package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/core/service"
)

const maxBodyBytes = 1 << 20

type HTTPHandler struct {
	products     *service.ProductService
	reservations *service.ReservationService
	query        *service.QueryService
	orders       *service.OrderService
	logger       zerolog.Logger
}

func NewHTTPHandler(
	products *service.ProductService,
	reservations *service.ReservationService,
	query *service.QueryService,
	orders *service.OrderService,
	logger zerolog.Logger,
) *HTTPHandler {
	return &HTTPHandler{
		products:     products,
		reservations: reservations,
		query:        query,
		orders:       orders,
		logger:       logger,
	}
}

// Register adds the inventory routes to mux.
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.HealthCheck)

	mux.HandleFunc("POST /products", h.CreateProduct)
	mux.HandleFunc("GET /products", h.ListProducts)
	mux.HandleFunc("GET /products/{id}", h.GetProduct)
	mux.HandleFunc("PATCH /products/{id}", h.UpdateProduct)
	mux.HandleFunc("POST /products/{id}/restock", h.Restock)
	mux.HandleFunc("GET /products/{id}/availability", h.Availability)
	mux.HandleFunc("GET /products/{id}/events", h.Events)

	mux.HandleFunc("POST /reservations", h.Reserve)
	mux.HandleFunc("GET /reservations/{id}", h.GetReservation)
	mux.HandleFunc("POST /reservations/{id}/commit", h.Commit)
	mux.HandleFunc("POST /reservations/{id}/release", h.Release)

	mux.HandleFunc("POST /purchase", h.Purchase)
	mux.HandleFunc("POST /admin/sweep", h.Sweep)
}

type productRequest struct {
	Name        string          `json:"name"`
	Brand       string          `json:"brand"`
	Description string          `json:"description"`
	Price       decimal.Decimal `json:"price"`
}

type productPatchRequest struct {
	Name        *string          `json:"name"`
	Brand       *string          `json:"brand"`
	Description *string          `json:"description"`
	Price       *decimal.Decimal `json:"price"`
}

type productResponse struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Brand       string          `json:"brand"`
	Description string          `json:"description"`
	Price       decimal.Decimal `json:"price"`
	Inventory   int             `json:"inventory"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

func toProductResponse(p domain.Product) productResponse {
	return productResponse{
		ID:          p.ID,
		Name:        p.Name,
		Brand:       p.Brand,
		Description: p.Description,
		Price:       p.Price,
		Inventory:   p.Inventory,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

type quantityRequest struct {
	Quantity int `json:"quantity"`
}

type restockResponse struct {
	ProductID string `json:"product_id"`
	Seq       uint64 `json:"seq"`
}

type availabilityResponse struct {
	ProductID string `json:"product_id"`
	Restocked int    `json:"restocked"`
	Reserved  int    `json:"reserved"`
	Committed int    `json:"committed"`
	Available int    `json:"available"`
	OnHand    int    `json:"on_hand"`
	Version   uint64 `json:"version"`
}

func toAvailabilityResponse(a domain.Availability) availabilityResponse {
	return availabilityResponse{
		ProductID: a.ProductID,
		Restocked: a.Restocked,
		Reserved:  a.Reserved,
		Committed: a.Committed,
		Available: a.Available,
		OnHand:    a.OnHand(),
		Version:   a.Version,
	}
}

type eventResponse struct {
	Seq           uint64    `json:"seq"`
	Kind          string    `json:"kind"`
	Quantity      int       `json:"quantity"`
	ReservationID string    `json:"reservation_id,omitempty"`
	RecordedAt    time.Time `json:"recorded_at"`
}

type reserveRequest struct {
	ProductID  string `json:"product_id"`
	Quantity   int    `json:"quantity"`
	TTLSeconds int    `json:"ttl_seconds"`
	RequestID  string `json:"request_id"`
}

type reservationResponse struct {
	ID        string    `json:"id"`
	RequestID string    `json:"request_id,omitempty"`
	ProductID string    `json:"product_id"`
	Quantity  int       `json:"quantity"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func toReservationResponse(r domain.Reservation) reservationResponse {
	return reservationResponse{
		ID:        r.ID,
		RequestID: r.RequestID,
		ProductID: r.ProductID,
		Quantity:  r.Quantity,
		State:     string(r.State),
		CreatedAt: r.CreatedAt,
		ExpiresAt: r.ExpiresAt,
		UpdatedAt: r.UpdatedAt,
	}
}

type PurchaseHTTPRequest struct {
	RequestID string `json:"request_id"`
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type PurchaseHTTPResponse struct {
	Success       bool   `json:"success"`
	Message       string `json:"message"`
	ReservationID string `json:"reservation_id,omitempty"`
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	var req productRequest
	if !decodeBody(w, r, &req) {
		return
	}

	p, err := h.products.Create(r.Context(), service.NewProduct{
		Name:        req.Name,
		Brand:       req.Brand,
		Description: req.Description,
		Price:       req.Price,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toProductResponse(p))
}

func (h *HTTPHandler) ListProducts(w http.ResponseWriter, r *http.Request) {
	offset, okOffset := queryInt(r, "offset")
	limit, okLimit := queryInt(r, "limit")
	if !okOffset || !okLimit {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "offset and limit must be integers")
		return
	}

	products, err := h.products.List(r.Context(), offset, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	resp := make([]productResponse, len(products))
	for i, p := range products {
		resp[i] = toProductResponse(p)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *HTTPHandler) GetProduct(w http.ResponseWriter, r *http.Request) {
	p, err := h.products.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toProductResponse(p))
}

func (h *HTTPHandler) UpdateProduct(w http.ResponseWriter, r *http.Request) {
	var req productPatchRequest
	if !decodeBody(w, r, &req) {
		return
	}

	p, err := h.products.Update(r.Context(), r.PathValue("id"), service.ProductUpdate{
		Name:        req.Name,
		Brand:       req.Brand,
		Description: req.Description,
		Price:       req.Price,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toProductResponse(p))
}

func (h *HTTPHandler) Restock(w http.ResponseWriter, r *http.Request) {
	var req quantityRequest
	if !decodeBody(w, r, &req) {
		return
	}

	id := r.PathValue("id")
	seq, err := h.reservations.Restock(r.Context(), id, req.Quantity)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, restockResponse{ProductID: id, Seq: seq})
}

// Availability serves from the snapshot cache when ?cached=true.
func (h *HTTPHandler) Availability(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var (
		snap domain.Availability
		err  error
	)
	if r.URL.Query().Get("cached") == "true" {
		snap, err = h.query.CachedAvailability(r.Context(), id)
	} else {
		snap, err = h.query.Availability(r.Context(), id)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAvailabilityResponse(snap))
}

func (h *HTTPHandler) Events(w http.ResponseWriter, r *http.Request) {
	resp := []eventResponse{}
	for ev, err := range h.query.EventsFor(r.Context(), r.PathValue("id")) {
		if err != nil {
			h.fail(w, r, err)
			return
		}
		resp = append(resp, eventResponse{
			Seq:           ev.Seq,
			Kind:          string(ev.Kind),
			Quantity:      ev.Quantity,
			ReservationID: ev.ReservationID,
			RecordedAt:    ev.RecordedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *HTTPHandler) Reserve(w http.ResponseWriter, r *http.Request) {
	var req reserveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ttl, err := reservationTTL(int64(req.TTLSeconds))
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}

	res, err := h.reservations.Reserve(r.Context(), service.ReserveInput{
		ProductID: req.ProductID,
		Quantity:  req.Quantity,
		TTL:       ttl,
		RequestID: req.RequestID,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toReservationResponse(res))
}

// reservationTTL converts ttl_seconds, rejecting values the service would
// refuse before they can overflow a time.Duration.
func reservationTTL(seconds int64) (time.Duration, error) {
	if seconds < 0 {
		return 0, errors.New("ttl_seconds must not be negative")
	}
	if seconds > int64(service.MaxReservationTTL/time.Second) {
		return 0, fmt.Errorf("ttl_seconds must not exceed %d", int64(service.MaxReservationTTL/time.Second))
	}
	return time.Duration(seconds) * time.Second, nil
}

func (h *HTTPHandler) GetReservation(w http.ResponseWriter, r *http.Request) {
	res, err := h.reservations.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReservationResponse(res))
}

func (h *HTTPHandler) Commit(w http.ResponseWriter, r *http.Request) {
	h.finish(w, r, h.reservations.Commit)
}

func (h *HTTPHandler) Release(w http.ResponseWriter, r *http.Request) {
	h.finish(w, r, h.reservations.Release)
}

func (h *HTTPHandler) Purchase(w http.ResponseWriter, r *http.Request) {
	var req PurchaseHTTPRequest
	if !decodeBody(w, r, &req) {
		return
	}

	res, err := h.orders.Purchase(r.Context(), service.PurchaseInput{
		RequestID: req.RequestID,
		ProductID: req.ProductID,
		Quantity:  req.Quantity,
	}, nil)
	if err != nil {
		if m, ok := lookupError(err); ok {
			writeJSON(w, m.status, PurchaseHTTPResponse{Success: false, Message: err.Error()})
			return
		}
		h.logger.Error().Err(err).Str("request_id", req.RequestID).Msg("purchase failed")
		writeJSON(w, http.StatusInternalServerError, PurchaseHTTPResponse{Success: false, Message: "internal error"})
		return
	}

	writeJSON(w, http.StatusOK, PurchaseHTTPResponse{
		Success:       true,
		Message:       "order placed successfully",
		ReservationID: res.ID,
	})
}

func (h *HTTPHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	n, err := h.reservations.SweepExpired(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"expired": n})
}

func (h *HTTPHandler) finish(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id string) error) {
	id := r.PathValue("id")
	if err := op(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}

	res, err := h.reservations.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReservationResponse(res))
}

func (h *HTTPHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if _, ok := lookupError(err); !ok {
		h.logger.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
	}
	writeServiceError(w, err)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
		return false
	}
	return true
}

// queryInt returns 0 for a missing parameter and false for a malformed one.
func queryInt(r *http.Request, key string) (int, bool) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	return n, err == nil
}
