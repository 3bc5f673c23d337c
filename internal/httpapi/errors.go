package httpapi

import (
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/nebulachat/sync-api/internal/service/syncservice"
	"github.com/nebulachat/sync-api/internal/store"
)

// errorBody is the uniform error payload.
type errorBody struct {
	Detail string `json:"detail"`
}

// writeError writes an error response as {"detail": message}.
func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	if code >= 500 {
		log.Ctx(r.Context()).Error().Int("status", code).Str("path", r.URL.Path).Msg(msg)
	}
	writeJSON(w, code, errorBody{Detail: msg})
}

// serviceError maps service and store failures onto HTTP responses:
// validation errors become 400, missing rows 404, everything else 500.
// what names the resource for the 404 message.
func serviceError(w http.ResponseWriter, r *http.Request, err error, what string) {
	var verr *syncservice.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, r, http.StatusBadRequest, verr.Message)
	case errors.Is(err, store.ErrNotFound):
		msg := "not found"
		if what != "" {
			msg = what + " not found"
		}
		writeError(w, r, http.StatusNotFound, msg)
	default:
		log.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, r, http.StatusInternalServerError, "internal server error")
	}
}
