package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/isqad/livelook-lesson/internal/core"
)

// LessonService is the lesson persistence consumed by the handlers
type LessonService interface {
	StartLesson(ctx context.Context, classroomID string, teacherID core.UserID) (*core.Session, error)
	Lesson(ctx context.Context, sessionID core.SessionID) (*core.Session, error)
	EndLesson(ctx context.Context, sessionID core.SessionID) (*core.Session, error)
	Join(ctx context.Context, sessionID core.SessionID, userID core.UserID, displayName string, role core.Role) (*core.Participant, error)
	Leave(ctx context.Context, sessionID core.SessionID, userID core.UserID) (*core.Participant, error)
	SetHandRaised(ctx context.Context, sessionID core.SessionID, userID core.UserID, raised bool) (*core.Participant, error)
	Roster(ctx context.Context, sessionID core.SessionID) ([]*core.Participant, error)
	SendSignal(ctx context.Context, msg *core.SignalMessage) (*core.SignalMessage, error)
	PendingSignals(ctx context.Context, sessionID core.SessionID, recipientID core.UserID) ([]*core.SignalMessage, error)
	DeleteSignal(ctx context.Context, id string) error
	DeleteSignalsBySender(ctx context.Context, sessionID core.SessionID, senderID core.UserID) error
}

// AppOptions is options of the application
type AppOptions struct {
	Lessons LessonService
	// Websocket serves GET /ws when set
	Websocket http.HandlerFunc
}

// App is application for API
type App struct {
	AppOptions
}

// NewApp creates a new API application
func NewApp(options AppOptions) *App {
	return &App{
		options,
	}
}

// Router is function for construct http router
func (app *App) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/lessons", func(r chi.Router) {
		r.Post("/", LessonCreateHandler(app.Lessons))

		r.Route("/{lessonID}", func(r chi.Router) {
			r.Get("/", LessonShowHandler(app.Lessons))
			r.Post("/end", LessonEndHandler(app.Lessons))

			r.Get("/participants", RosterHandler(app.Lessons))
			r.Put("/participants/{userID}", JoinHandler(app.Lessons))
			r.Delete("/participants/{userID}", LeaveHandler(app.Lessons))
			r.Put("/participants/{userID}/hand", HandHandler(app.Lessons))

			r.Get("/signals", PendingSignalsHandler(app.Lessons))
			r.Post("/signals", SignalCreateHandler(app.Lessons))
			r.Delete("/signals", SignalsDeleteBySenderHandler(app.Lessons))
			r.Delete("/signals/{messageID}", SignalDeleteHandler(app.Lessons))
		})
	})

	if app.Websocket != nil {
		r.Get("/ws", app.Websocket)
	}
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return r
}
