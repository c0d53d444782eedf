package httpx

import (
	"encoding/json"
	"net/http"

	"github.com/ariefcatur/go-canteen-wallet/internal/orders"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

const kindUnauthorized = "Unauthorized"

type errorBody struct {
	ErrorKind string `json:"errorKind"`
	Detail    string `json:"detail"`
	Shortfall *int64 `json:"shortfall,omitempty"`
}

var statusByKind = map[orders.ErrorKind]int{
	orders.KindInsufficientBalance:  http.StatusPaymentRequired,
	orders.KindInvalidMenuSelection: http.StatusUnprocessableEntity,
	orders.KindConflict:             http.StatusServiceUnavailable,
	orders.KindInternal:             http.StatusInternalServerError,
	orders.KindNotFound:             http.StatusNotFound,
	orders.KindInvalidTransition:    http.StatusConflict,
	orders.KindForbidden:            http.StatusForbidden,
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, code int, kind, detail string) {
	writeJSON(w, code, errorBody{ErrorKind: kind, Detail: detail})
}

// writeError maps a service error to its status code. Internal details
// stay in the log.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := orders.KindOf(err)
	body := errorBody{ErrorKind: string(kind), Detail: err.Error()}
	if sf, ok := orders.Shortfall(err); ok {
		body.Shortfall = &sf
	}
	if kind == orders.KindInternal {
		zap.L().Error("Request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
		body.Detail = "internal error"
	}
	writeJSON(w, statusByKind[kind], body)
}

func badRequest(w http.ResponseWriter, detail string) {
	writeProblem(w, http.StatusBadRequest, string(orders.KindInvalidMenuSelection), detail)
}
