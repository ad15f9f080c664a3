package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/attribute"

	"bookwarehouse/pkg/otel"
	"bookwarehouse/pkg/session"
	"bookwarehouse/pkg/warehouse"
)

// loginRequest represents login credentials.
type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// placeRequest is the body of a shelf placement.
type placeRequest struct {
	Number *int `json:"number" example:"5"`
}

// orderRequest lists one book id per copy wanted.
type orderRequest struct {
	BookIDs []warehouse.BookID `json:"bookIds"`
}

type orderResponse struct {
	OrderID warehouse.OrderID `json:"orderId"`
}

type fulfilRequest struct {
	Lines []warehouse.FulfilmentLine `json:"lines"`
}

// login handles user login and session creation.
// @Summary Login
// @Description Authenticates user and sets session cookie
// @Tags auth
// @Accept json
// @Produce json
// @Param creds body loginRequest true "Credentials"
// @Success 200
// @Failure 400 {object} errorResponse
// @Router /login [post]
func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.AddSpan(r.Context(), "api.login")
	defer span.End()

	var req loginRequest
	if err := decode(w, r, &req); err != nil || req.Username == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid credentials")
		return
	}
	sid, err := h.sessions.Create(ctx, req.Username)
	if err != nil {
		h.log.Error(ctx, "create session", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "session error")
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     session.CookieName,
		Value:    sid,
		Path:     "/",
		Expires:  time.Now().Add(h.sessions.TTL()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	w.WriteHeader(http.StatusOK)
}

// healthz reports whether the store answers.
// @Summary Health check
// @Tags ops
// @Success 200
// @Failure 503 {object} errorResponse
// @Router /healthz [get]
func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Ping(r.Context()); err != nil {
		h.log.Warn(r.Context(), "health check failed", "error", err)
		writeJSONError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// bookInfo returns the shelves holding a book.
// @Summary Book info
// @Description Shelves holding at least one copy, with their counts
// @Tags books
// @Produce json
// @Param bookId path string true "Book ID"
// @Success 200 {object} map[string]int
// @Failure 400 {object} errorResponse
// @Security ApiKeyAuth
// @Router /books/{bookId}/info [get]
func (h *Handler) bookInfo(w http.ResponseWriter, r *http.Request) {
	book := warehouse.BookID(mux.Vars(r)["bookId"])
	ctx, span := otel.AddSpan(r.Context(), "api.bookInfo", attribute.String("book.id", string(book)))
	defer span.End()

	info, err := h.svc.BookInfo(ctx, book)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// placeBooksOnShelf adds copies of a book to a shelf.
// @Summary Place books on shelf
// @Tags books
// @Accept json
// @Param bookId path string true "Book ID"
// @Param shelf path string true "Shelf ID"
// @Param body body placeRequest true "Copies to add"
// @Success 204
// @Failure 400 {object} errorResponse
// @Security ApiKeyAuth
// @Router /books/{bookId}/shelves/{shelf} [put]
func (h *Handler) placeBooksOnShelf(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	book, shelf := warehouse.BookID(vars["bookId"]), warehouse.ShelfID(vars["shelf"])
	ctx, span := otel.AddSpan(r.Context(), "api.placeBooksOnShelf",
		attribute.String("book.id", string(book)),
		attribute.String("shelf.id", string(shelf)),
	)
	defer span.End()

	var req placeRequest
	if err := decode(w, r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Number == nil {
		writeJSONError(w, http.StatusBadRequest, "number is required")
		return
	}

	if err := h.svc.PlaceBooksOnShelf(ctx, book, shelf, *req.Number); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// placeOrder records a new order.
// @Summary Place order
// @Description One book id per copy; repeats are tallied
// @Tags orders
// @Accept json
// @Produce json
// @Param order body orderRequest true "Books"
// @Success 201 {object} orderResponse
// @Failure 400 {object} errorResponse
// @Security ApiKeyAuth
// @Router /orders [post]
func (h *Handler) placeOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.AddSpan(r.Context(), "api.placeOrder")
	defer span.End()

	var req orderRequest
	if err := decode(w, r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := h.svc.PlaceOrder(ctx, req.BookIDs)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/orders/"+string(id))
	writeJSON(w, http.StatusCreated, orderResponse{OrderID: id})
}

// listOrders lists pending orders.
// @Summary List orders
// @Tags orders
// @Produce json
// @Success 200 {array} warehouse.Order
// @Security ApiKeyAuth
// @Router /orders [get]
func (h *Handler) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.AddSpan(r.Context(), "api.listOrders")
	defer span.End()

	orders, err := h.svc.ListOrders(ctx)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

// fulfilOrder ships an order from the given shelves.
// @Summary Fulfil order
// @Description All or nothing: the lines must cover the order exactly and every shelf must hold enough copies
// @Tags orders
// @Accept json
// @Param orderId path string true "Order ID"
// @Param body body fulfilRequest true "Fulfilment lines"
// @Success 204
// @Failure 400 {object} errorResponse
// @Failure 404 {object} errorResponse
// @Failure 409 {object} errorResponse
// @Security ApiKeyAuth
// @Router /orders/{orderId}/fulfil [put]
func (h *Handler) fulfilOrder(w http.ResponseWriter, r *http.Request) {
	id := warehouse.OrderID(mux.Vars(r)["orderId"])
	ctx, span := otel.AddSpan(r.Context(), "api.fulfilOrder", attribute.String("order.id", string(id)))
	defer span.End()

	var req fulfilRequest
	if err := decode(w, r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.svc.FulfilOrder(ctx, id, req.Lines); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
