package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/igniterealtime/openfire-xmldebugger-plugin/app"
	"github.com/igniterealtime/openfire-xmldebugger-plugin/handlers"
	"github.com/igniterealtime/openfire-xmldebugger-plugin/middleware"
	"github.com/igniterealtime/openfire-xmldebugger-plugin/utils"
)

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()

	// Core middleware. No request timeout: stanza submissions wait for
	// replies and the live tail is long-lived.
	r.Use(chimw.RequestID)
	r.Use(middleware.RequestContext)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(deps.Logger))
	r.Use(chimw.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.Config.Server.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	health := handlers.NewHealthHandler(deps.Logger,
		handlers.ReadinessCheck{Name: "listeners", Check: deps.ListenersReady},
		handlers.ReadinessCheck{Name: "debugger", Check: deps.DebuggerReady},
	)
	r.Get("/healthz", health.HandleHealth)
	r.Get("/readyz", health.HandleReadiness)

	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics.Handler())
	}

	debuggerHandler := handlers.NewDebuggerHandler(deps.Debugger, deps.Logger)
	stanzaHandler := handlers.NewStanzaHandler(deps.Correlator, deps.Logger)
	streamHandler := handlers.NewStreamHandler(deps.LiveTail, deps.Config.Server.CORSOrigins, deps.Logger)
	statusHandler := handlers.NewStatusHandler(deps.Config.Environment, deps.Config.XMPP.Domain,
		deps.Server, deps.Pipelines, deps.LiveTail, deps.Logger)

	auth := deps.AuthMiddleware
	operator := auth.RequireRole(deps.Config.Auth.OperatorRole)

	r.Route("/api/v1/debugger", func(r chi.Router) {
		r.Use(auth.RequireAuth)

		r.Get("/config", debuggerHandler.HandleGetConfig)
		r.Get("/taps", debuggerHandler.HandleListTaps)
		r.Get("/status", statusHandler.HandleStatus)
		r.Get("/stream", streamHandler.HandleStream)

		// Changing toggles and injecting traffic need the operator role.
		r.Group(func(r chi.Router) {
			r.Use(operator)
			r.Put("/config", debuggerHandler.HandleUpdateConfig)
			r.Put("/taps/{category}", debuggerHandler.HandleSetTap)
			r.Post("/stanzas", stanzaHandler.HandleSubmit)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteNotFound(w, "endpoint not found")
	})

	return r
}
