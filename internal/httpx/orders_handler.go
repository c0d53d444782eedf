package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/ariefcatur/go-canteen-wallet/internal/menu"
	"github.com/ariefcatur/go-canteen-wallet/internal/orders"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type OrdersHandler struct {
	Service *orders.Service
}

type PlaceOrderReq struct {
	IdempotencyKey string             `json:"idempotencyKey"`
	ParentID       string             `json:"parentId"`
	StudentID      string             `json:"studentId"`
	ServiceDate    string             `json:"serviceDate"` // YYYY-MM-DD
	LineItems      []orders.LineInput `json:"lineItems"`
}

type MenuResp struct {
	Date      string      `json:"date"`
	Orderable bool        `json:"orderable"`
	Cutoff    time.Time   `json:"cutoff"`
	Items     []menu.Item `json:"items"`
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Post("/orders", h.placeOrder)
	r.Get("/orders/{id}", h.getOrder)
	r.Get("/orders/by-key/{key}", h.getOrderByKey)
	r.Post("/orders/{id}/cancel", h.cancelOrder)
	r.With(RequireRole(RoleAdmin, RoleCanteen)).Post("/orders/{id}/complete", h.completeOrder)
	r.Get("/parents/{parentId}/orders", h.listOrders)
	r.Get("/menu", h.getMenu)
}

// traced carries the chi request id into published events.
func traced(r *http.Request) context.Context {
	return orders.WithTraceID(r.Context(), middleware.GetReqID(r.Context()))
}

func (h *OrdersHandler) placeOrder(w http.ResponseWriter, r *http.Request) {
	var req PlaceOrderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid json")
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}
	date, err := menu.ParseDate(req.ServiceDate)
	if err != nil {
		writeError(w, r, &orders.ValidationError{Detail: err.Error()})
		return
	}
	if !canActFor(r, req.ParentID) {
		writeError(w, r, orders.ErrForbidden)
		return
	}

	p, err := h.Service.PlaceOrder(traced(r), orders.PlaceRequest{
		IdempotencyKey: req.IdempotencyKey,
		ParentID:       req.ParentID,
		StudentID:      req.StudentID,
		ServiceDate:    date,
		LineItems:      req.LineItems,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	code := http.StatusCreated
	if p.Replayed {
		code = http.StatusOK
	}
	writeJSON(w, code, p)
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.Service.Order(r.Context(), chi.URLParam(r, "id"))
	h.writeOrder(w, r, o, err)
}

// getOrderByKey lets a client that timed out learn whether its order committed.
func (h *OrdersHandler) getOrderByKey(w http.ResponseWriter, r *http.Request) {
	o, err := h.Service.OrderByKey(r.Context(), chi.URLParam(r, "key"))
	h.writeOrder(w, r, o, err)
}

func (h *OrdersHandler) writeOrder(w http.ResponseWriter, r *http.Request, o orders.Order, err error) {
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !canActFor(r, o.ParentID) {
		// do not reveal other parents' orders
		writeError(w, r, orders.ErrOrderNotFound)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	c, err := h.Service.CancelOrder(traced(r), actingParent(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *OrdersHandler) completeOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.Service.CompleteOrder(traced(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) listOrders(w http.ResponseWriter, r *http.Request) {
	parentID := chi.URLParam(r, "parentId")
	if !canActFor(r, parentID) {
		writeError(w, r, orders.ErrForbidden)
		return
	}
	today := menu.DateOf(time.Now())
	from, ok := dateParam(w, r, "from", today.AddDate(0, 0, -30))
	if !ok {
		return
	}
	to, ok := dateParam(w, r, "to", today.AddDate(0, 0, 30))
	if !ok {
		return
	}

	list, err := h.Service.Orders(r.Context(), parentID, from, to)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if list == nil {
		list = []orders.Order{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *OrdersHandler) getMenu(w http.ResponseWriter, r *http.Request) {
	date, ok := dateParam(w, r, "date", menu.DateOf(time.Now()))
	if !ok {
		return
	}
	m, err := h.Service.Menu.Menu(r.Context(), date)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, MenuResp{
		Date:      menu.FormatDate(date),
		Orderable: m.CheckOrderable(date, time.Now()) == nil,
		Cutoff:    m.Cutoff(date),
		Items:     m.On(date),
	})
}

func dateParam(w http.ResponseWriter, r *http.Request, name string, def time.Time) (time.Time, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, true
	}
	d, err := menu.ParseDate(v)
	if err != nil {
		badRequest(w, err.Error())
		return time.Time{}, false
	}
	return d, true
}
