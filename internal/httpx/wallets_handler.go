package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/ariefcatur/go-canteen-wallet/internal/orders"
	"github.com/ariefcatur/go-canteen-wallet/internal/redisx"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = (streamPongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // cors already guards the API
}

type WalletsHandler struct {
	Service   *orders.Service
	Snapshots *redisx.Snapshots
}

type TopupReq struct {
	Amount    int64  `json:"amount"` // minor units
	Reference string `json:"reference"`
}

func (h *WalletsHandler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.ownWallet)
		r.Put("/wallets/{parentId}", h.provision)
		r.Get("/wallets/{parentId}", h.getWallet)
		r.With(RequireRole(RoleAdmin, RoleCanteen)).Post("/wallets/{parentId}/topups", h.topup)
		r.Get("/wallets/{parentId}/entries", h.listEntries)
		r.Get("/wallets/{parentId}/reconcile", h.reconcile)
	})
}

func (h *WalletsHandler) ownWallet(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !canActFor(r, chi.URLParam(r, "parentId")) {
			writeError(w, r, orders.ErrForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *WalletsHandler) provision(w http.ResponseWriter, r *http.Request) {
	wl, err := h.Service.EnsureWallet(r.Context(), chi.URLParam(r, "parentId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wl)
}

func (h *WalletsHandler) getWallet(w http.ResponseWriter, r *http.Request) {
	wl, err := h.Service.Wallet(r.Context(), chi.URLParam(r, "parentId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wl)
}

func (h *WalletsHandler) topup(w http.ResponseWriter, r *http.Request) {
	var req TopupReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid json")
		return
	}
	c, err := h.Service.Topup(traced(r), chi.URLParam(r, "parentId"), req.Amount, req.Reference)
	if err != nil {
		writeError(w, r, err)
		return
	}
	code := http.StatusCreated
	if c.Replayed {
		code = http.StatusOK
	}
	writeJSON(w, code, c)
}

func (h *WalletsHandler) listEntries(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			badRequest(w, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	entries, err := h.Service.Entries(r.Context(), chi.URLParam(r, "parentId"), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []orders.WalletEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *WalletsHandler) reconcile(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Service.Reconcile(r.Context(), chi.URLParam(r, "parentId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// stream pushes balance snapshots to a parent's app as they change. The
// first frame is the authoritative balance read from the ledger.
func (h *WalletsHandler) stream(w http.ResponseWriter, r *http.Request) {
	parentID := chi.URLParam(r, "parentId")
	if !canActFor(r, parentID) {
		writeError(w, r, orders.ErrForbidden)
		return
	}
	wl, err := h.Service.Wallet(r.Context(), parentID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := h.Snapshots.Subscribe(ctx, parentID)
	defer sub.Close()
	// wait for the subscription so no update after the first frame is lost
	if _, err := sub.Receive(ctx); err != nil {
		zap.L().Warn("Balance subscription failed", zap.String("parent_id", parentID), zap.Error(err))
		return
	}

	first, _ := json.Marshal(redisx.Snapshot{ParentID: wl.ParentID, Balance: wl.Balance, Revision: wl.Revision, UpdatedAt: wl.UpdatedAt})
	go readPump(conn, cancel)
	writePump(ctx, conn, first, sub.Channel())
	zap.L().Debug("Balance stream closed", zap.String("parent_id", parentID))
}

// writePump copies snapshot messages to the connection and keeps it alive.
func writePump(ctx context.Context, conn *websocket.Conn, first []byte, updates <-chan *redis.Message) {
	ticker := time.NewTicker(streamPingPeriod)
	defer ticker.Stop()

	_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	if err := conn.WriteMessage(websocket.TextMessage, first); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(streamWriteWait))
			return
		case msg, ok := <-updates:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg.Payload)); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains client frames so pongs and close frames are processed.
func readPump(conn *websocket.Conn, done context.CancelFunc) {
	defer done()
	_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
