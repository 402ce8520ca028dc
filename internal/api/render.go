package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-lesson/internal/core"
	"github.com/isqad/livelook-lesson/internal/service"
)

type errorResponse struct {
	Error string `json:"error"`
}

func lessonID(r *http.Request) core.SessionID {
	return core.SessionID(chi.URLParam(r, "lessonID"))
}

func userID(r *http.Request) core.UserID {
	return core.UserID(chi.URLParam(r, "userID"))
}

func renderJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Str("service", "api").Msg("can't encode response")
	}
}

func renderError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("service", "api").Str("path", r.URL.Path).Msg("request failed")
	} else {
		log.Debug().Err(err).Str("service", "api").Str("path", r.URL.Path).Int("status", status).Msg("request rejected")
	}

	renderJSON(w, status, errorResponse{Error: err.Error()})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, core.ErrSessionNotFound), errors.Is(err, core.ErrParticipantNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrLessonEnded):
		return http.StatusConflict
	case errors.Is(err, service.ErrInvalidRole), errors.Is(err, service.ErrInvalidSignal), errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
