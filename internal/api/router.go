package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/soaringjerry/Renova/internal/middleware"
	"github.com/soaringjerry/Renova/internal/notify"
	"github.com/soaringjerry/Renova/internal/services"
)

// Deps are the collaborators the HTTP surface is built from.
type Deps struct {
	Assessments *services.AssessmentService
	Plans       *services.PlanService
	Progress    *services.ProgressService
	Auth        *middleware.Authenticator
	Notifier    notify.Notifier
	// CallbackSecret enables X-Signature checks on the oracle callbacks.
	CallbackSecret string
	Log            *zap.Logger
}

type Router struct {
	assessments *services.AssessmentService
	plans       *services.PlanService
	progress    *services.ProgressService
	auth        *middleware.Authenticator
	notifier    notify.Notifier
	secret      string
	log         *zap.Logger
}

func NewRouter(d Deps) *Router {
	rt := &Router{
		assessments: d.Assessments,
		plans:       d.Plans,
		progress:    d.Progress,
		auth:        d.Auth,
		notifier:    d.Notifier,
		secret:      d.CallbackSecret,
		log:         d.Log,
	}
	if rt.notifier == nil {
		rt.notifier = notify.Nop{}
	}
	if rt.log == nil {
		rt.log = zap.NewNop()
	}
	return rt
}

func (rt *Router) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(rt.log))
	r.Use(chimw.Recoverer)
	r.Use(middleware.SecureHeaders)
	r.Use(middleware.CORS)

	r.Get("/health", rt.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(rt.auth.WithAuth)
			r.Use(middleware.RequireAuth)

			r.Post("/assessments", rt.handleSubmitAssessment)
			r.Get("/assessments/me", rt.handleGetAssessment)

			r.Post("/plans", rt.handleRequestPlan)
			r.Get("/plans/me", rt.handleGetPlan)
			r.Get("/plans/me/state", rt.handleGetState)
			r.Post("/plans/me/decryption", rt.handleRequestDecryption)
			r.Get("/plans/me/revealed", rt.handleGetRevealed)
			r.Post("/plans/me/redispatch", rt.handleRedispatch)

			r.Post("/progress", rt.handleAppendProgress)
			r.Get("/progress/me", rt.handleListProgress)
			r.Get("/progress/me/count", rt.handleCountProgress)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireSignature(rt.secret))
			r.Post("/oracle/callbacks/plan", rt.handlePlanCallback)
			r.Post("/oracle/callbacks/decryption", rt.handleDecryptionCallback)
		})
	})
	return r
}

// emit hands events to the notifier after the response context may be gone.
func (rt *Router) emit(r *http.Request, events []services.Event) {
	if len(events) == 0 {
		return
	}
	rt.notifier.Notify(context.WithoutCancel(r.Context()), events)
}

func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "name": "Renova API"})
}

func requester(r *http.Request) string {
	id, _ := middleware.RequesterFromContext(r.Context())
	return id
}
