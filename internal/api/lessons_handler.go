package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/isqad/livelook-lesson/internal/core"
)

var errBadRequest = errors.New("bad request")

type LessonRequest struct {
	ClassroomID string      `json:"classroom_id"`
	TeacherID   core.UserID `json:"teacher_id"`
}

type JoinRequest struct {
	DisplayName string    `json:"display_name"`
	Role        core.Role `json:"role"`
}

type HandRequest struct {
	Raised bool `json:"raised"`
}

func decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func LessonCreateHandler(lessons LessonService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := &LessonRequest{}
		if err := decode(r, req); err != nil {
			renderError(w, r, err)
			return
		}
		if req.ClassroomID == "" || req.TeacherID == "" {
			renderError(w, r, fmt.Errorf("%w: classroom_id and teacher_id are required", errBadRequest))
			return
		}

		session, err := lessons.StartLesson(r.Context(), req.ClassroomID, req.TeacherID)
		if err != nil {
			renderError(w, r, err)
			return
		}

		renderJSON(w, http.StatusCreated, session)
	}
}

func LessonShowHandler(lessons LessonService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session, err := lessons.Lesson(r.Context(), lessonID(r))
		if err != nil {
			renderError(w, r, err)
			return
		}

		renderJSON(w, http.StatusOK, session)
	}
}

func LessonEndHandler(lessons LessonService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session, err := lessons.EndLesson(r.Context(), lessonID(r))
		if err != nil {
			renderError(w, r, err)
			return
		}

		renderJSON(w, http.StatusOK, session)
	}
}

func RosterHandler(lessons LessonService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roster, err := lessons.Roster(r.Context(), lessonID(r))
		if err != nil {
			renderError(w, r, err)
			return
		}

		renderJSON(w, http.StatusOK, roster)
	}
}

func JoinHandler(lessons LessonService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := &JoinRequest{}
		if err := decode(r, req); err != nil {
			renderError(w, r, err)
			return
		}

		participant, err := lessons.Join(r.Context(), lessonID(r), userID(r), req.DisplayName, req.Role)
		if err != nil {
			renderError(w, r, err)
			return
		}

		renderJSON(w, http.StatusOK, participant)
	}
}

func LeaveHandler(lessons LessonService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		participant, err := lessons.Leave(r.Context(), lessonID(r), userID(r))
		if err != nil {
			renderError(w, r, err)
			return
		}

		renderJSON(w, http.StatusOK, participant)
	}
}

func HandHandler(lessons LessonService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := &HandRequest{}
		if err := decode(r, req); err != nil {
			renderError(w, r, err)
			return
		}

		participant, err := lessons.SetHandRaised(r.Context(), lessonID(r), userID(r), req.Raised)
		if err != nil {
			renderError(w, r, err)
			return
		}

		renderJSON(w, http.StatusOK, participant)
	}
}
