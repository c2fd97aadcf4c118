package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"fabric-store/model"
	"fabric-store/service"
	"fabric-store/store"

	"github.com/gorilla/mux"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"

	maxBodyBytes = 1 << 20
)

// Handler is the HTTP layer that talks to service.Service
type Handler struct {
	svc service.ServiceInterface
}

// NewHandler returns a Handler instance
func NewHandler(s service.ServiceInterface) *Handler {
	return &Handler{svc: s}
}

// RegisterRoutes registers all routes on the provided router
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.Use(RequestID, Recoverer, RequestLogger)

	r.HandleFunc("/healthz", h.Health).Methods(http.MethodGet)

	// Products
	r.HandleFunc("/products", h.ListProducts).Methods(http.MethodGet)
	r.HandleFunc("/products", h.CreateProduct).Methods(http.MethodPost)
	r.HandleFunc("/products/{id}", h.GetProduct).Methods(http.MethodGet)
	r.HandleFunc("/products/{id}", h.UpdateProduct).Methods(http.MethodPut)
	r.HandleFunc("/products/{id}", h.DeleteProduct).Methods(http.MethodDelete)
	r.HandleFunc("/products/{id}/stock", h.UpdateStock).Methods(http.MethodPatch)

	// Cart
	r.HandleFunc("/cart/{userId}/add", h.AddToCart).Methods(http.MethodPost)
	r.HandleFunc("/cart/{userId}", h.GetCart).Methods(http.MethodGet)
	r.HandleFunc("/cart/{userId}/remove/{itemId}", h.RemoveFromCart).Methods(http.MethodDelete)
	r.HandleFunc("/cart/{userId}/update/{itemId}", h.UpdateCartItem).Methods(http.MethodPatch)

	// Orders
	r.HandleFunc("/orders/create", h.CreateOrder).Methods(http.MethodPost)
	// keeps "create" from being read as a userId by the routes below
	r.HandleFunc("/orders/create", methodNotAllowed(http.MethodPost))
	r.HandleFunc("/orders/{orderId}/status", h.UpdateOrderStatus).Methods(http.MethodPatch)
	r.HandleFunc("/orders/{userId}", h.ListOrders).Methods(http.MethodGet)
	r.HandleFunc("/orders/{userId}/{orderId}", h.GetOrder).Methods(http.MethodGet)
}

// --- request shapes ---

type updateStockReq struct {
	Stock *int `json:"stock"`
}

type updateStatusReq struct {
	Status string `json:"status"`
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"message": msg})
}

func decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidInput),
		errors.Is(err, model.ErrInvalidUnit),
		errors.Is(err, model.ErrOutOfRange),
		errors.Is(err, model.ErrCartEmpty),
		errors.Is(err, store.ErrNegativeStock):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrConflict), errors.Is(err, model.ErrInvalidTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err as a 4xx {"message"} or, logged, a 5xx {"error"}.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "request failed",
			"request_id", RequestIDFrom(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"err", err,
		)
		writeJSON(w, code, map[string]string{"error": err.Error()})
		return
	}
	writeErr(w, code, err.Error())
}

func methodNotAllowed(allow string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Allow", allow)
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// --- Handler ---

// Health handles GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ListProducts handles GET /products?category=...&featured=true
func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	f := model.ProductFilter{Category: r.URL.Query().Get("category")}
	if v := r.URL.Query().Get("featured"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeErr(w, http.StatusBadRequest, "featured must be true or false")
			return
		}
		f.Featured = &b
	}

	ps, err := h.svc.ListProducts(r.Context(), f)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ps)
}

// CreateProduct handles POST /products
func (h *Handler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	var req service.ProductInput
	if !decode(w, r, &req) {
		return
	}
	p, err := h.svc.CreateProduct(r.Context(), req)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *Handler) GetProduct(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.GetProduct(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// UpdateProduct handles PUT /products/{id}; the body replaces every editable field.
func (h *Handler) UpdateProduct(w http.ResponseWriter, r *http.Request) {
	var req service.ProductInput
	if !decode(w, r, &req) {
		return
	}
	p, err := h.svc.UpdateProduct(r.Context(), mux.Vars(r)["id"], req)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) DeleteProduct(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteProduct(r.Context(), mux.Vars(r)["id"]); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UpdateStock handles PATCH /products/{id}/stock
// body: { "stock": 12 }
func (h *Handler) UpdateStock(w http.ResponseWriter, r *http.Request) {
	var req updateStockReq
	if !decode(w, r, &req) {
		return
	}
	if req.Stock == nil {
		writeErr(w, http.StatusBadRequest, "stock required")
		return
	}
	if err := h.svc.UpdateStock(r.Context(), mux.Vars(r)["id"], *req.Stock); err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// AddToCart handles POST /cart/{userId}/add
// body: { "productId": "...", "quantity": 2, "unit": "yard" }
func (h *Handler) AddToCart(w http.ResponseWriter, r *http.Request) {
	var req service.AddItemRequest
	if !decode(w, r, &req) {
		return
	}
	cart, err := h.svc.AddToCart(r.Context(), mux.Vars(r)["userId"], req)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cart)
}

// GetCart handles GET /cart/{userId}
func (h *Handler) GetCart(w http.ResponseWriter, r *http.Request) {
	cart, err := h.svc.GetCart(r.Context(), mux.Vars(r)["userId"])
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cart)
}

// RemoveFromCart handles DELETE /cart/{userId}/remove/{itemId}
func (h *Handler) RemoveFromCart(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	cart, err := h.svc.RemoveFromCart(r.Context(), vars["userId"], vars["itemId"])
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cart)
}

// UpdateCartItem handles PATCH /cart/{userId}/update/{itemId}
// body: { "quantity": 3 } and/or { "unit": "feet" }
func (h *Handler) UpdateCartItem(w http.ResponseWriter, r *http.Request) {
	var req service.UpdateItemRequest
	if !decode(w, r, &req) {
		return
	}
	vars := mux.Vars(r)
	cart, err := h.svc.UpdateCartItem(r.Context(), vars["userId"], vars["itemId"], req)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cart)
}

// CreateOrder handles POST /orders/create
// body: { "userId": "...", "shippingAddress": "...", "paymentMethod": "..." }
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req service.CreateOrderRequest
	if !decode(w, r, &req) {
		return
	}
	req.IdempotencyKey = r.Header.Get(HeaderIdempotencyKey)

	o, err := h.svc.CreateOrder(r.Context(), req)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

// ListOrders handles GET /orders/{userId}
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.svc.ListOrders(r.Context(), mux.Vars(r)["userId"])
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

// GetOrder handles GET /orders/{userId}/{orderId}
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	o, err := h.svc.GetOrder(r.Context(), vars["userId"], vars["orderId"])
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// UpdateOrderStatus handles PATCH /orders/{orderId}/status
// body: { "status": "Shipped" }
func (h *Handler) UpdateOrderStatus(w http.ResponseWriter, r *http.Request) {
	var req updateStatusReq
	if !decode(w, r, &req) {
		return
	}
	o, err := h.svc.UpdateOrderStatus(r.Context(), mux.Vars(r)["orderId"], req.Status)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}
