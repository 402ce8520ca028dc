package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/isqad/livelook-lesson/internal/core"
)

func PendingSignalsHandler(lessons LessonService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		recipient := core.UserID(r.URL.Query().Get("recipient"))
		if recipient == "" {
			renderError(w, r, fmt.Errorf("%w: recipient is required", errBadRequest))
			return
		}

		pending, err := lessons.PendingSignals(r.Context(), lessonID(r), recipient)
		if err != nil {
			renderError(w, r, err)
			return
		}

		renderJSON(w, http.StatusOK, pending)
	}
}

func SignalCreateHandler(lessons LessonService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		msg := &core.SignalMessage{}
		if err := decode(r, msg); err != nil {
			renderError(w, r, err)
			return
		}
		msg.SessionID = lessonID(r)

		stored, err := lessons.SendSignal(r.Context(), msg)
		if err != nil {
			renderError(w, r, err)
			return
		}

		renderJSON(w, http.StatusCreated, stored)
	}
}

func SignalDeleteHandler(lessons LessonService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := lessons.DeleteSignal(r.Context(), chi.URLParam(r, "messageID")); err != nil {
			renderError(w, r, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func SignalsDeleteBySenderHandler(lessons LessonService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sender := core.UserID(r.URL.Query().Get("sender"))
		if sender == "" {
			renderError(w, r, fmt.Errorf("%w: sender is required", errBadRequest))
			return
		}

		if err := lessons.DeleteSignalsBySender(r.Context(), lessonID(r), sender); err != nil {
			renderError(w, r, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}
