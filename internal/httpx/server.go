package httpx

import (
	"net/http"
	"time"

	"github.com/ariefcatur/go-canteen-wallet/internal/orders"
	"github.com/ariefcatur/go-canteen-wallet/internal/redisx"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

const requestTimeout = 15 * time.Second

func NewRouter(corsOrigins []string) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r
}

// API wires the order and wallet handlers onto a router.
type API struct {
	Service     *orders.Service
	Snapshots   *redisx.Snapshots // optional; enables the balance stream
	Auth        *Auth             // optional; nil disables the capability check
	CORSOrigins []string
}

func (a *API) Handler() http.Handler {
	r := NewRouter(a.CORSOrigins)
	oh := &OrdersHandler{Service: a.Service}
	wh := &WalletsHandler{Service: a.Service, Snapshots: a.Snapshots}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(requestTimeout))
		r.Use(a.Auth.Middleware)
		oh.Register(r)
		wh.Register(r)
	})
	if a.Snapshots != nil {
		// long-lived, so outside the request timeout
		r.Group(func(r chi.Router) {
			r.Use(a.Auth.Middleware)
			r.Get("/wallets/{parentId}/stream", wh.stream)
		})
	}
	return r
}
