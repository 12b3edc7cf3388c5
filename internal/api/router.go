package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/CaioWing/Flotilla/internal/api/device"
	"github.com/CaioWing/Flotilla/internal/api/management"
	"github.com/CaioWing/Flotilla/internal/api/middleware"
	"github.com/CaioWing/Flotilla/internal/api/response"
	"github.com/CaioWing/Flotilla/internal/auth"
	"github.com/CaioWing/Flotilla/internal/service"
)

type RouterDeps struct {
	TargetSvc     *service.TargetService
	DistributionS *service.DistributionSetService
	DeploymentSvc *service.DeploymentService
	RolloutSvc    *service.RolloutService
	StatusLogSvc  *service.StatusLogService
	JWTManager    *auth.JWTManager
	AdminEmail    string
	AdminPassword string
	CORSOrigins   string
	Logger        *slog.Logger
}

func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	// Metrics
	metrics := middleware.NewMetrics()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.Logger(deps.Logger))
	r.Use(metrics.Middleware())

	// CORS
	origins := strings.Split(deps.CORSOrigins, ",")
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		response.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// Prometheus metrics
	r.Get("/metrics", metrics.Handler())

	// Device API — polled by update agents on the targets
	deviceActionHandler := device.NewActionHandler(deps.DeploymentSvc)

	r.Route("/api/v1/device", func(r chi.Router) {
		// Rate limit device polling: 10 req/s with burst of 20
		r.Use(middleware.RateLimit(10, 20))

		r.Route("/{controllerID}", func(r chi.Router) {
			r.Use(middleware.TargetAuth(deps.TargetSvc))
			r.Get("/actions", deviceActionHandler.GetPending)
			r.Post("/actions/{actionID}/status", deviceActionHandler.UpdateStatus)
		})
	})

	// Management API — used by operators and the frontend
	mgmtAuthHandler := management.NewAuthHandler(deps.JWTManager, deps.AdminEmail, deps.AdminPassword)
	mgmtTargetHandler := management.NewTargetHandler(deps.TargetSvc, deps.DeploymentSvc)
	mgmtSetHandler := management.NewDistributionSetHandler(deps.DistributionS)
	mgmtActionHandler := management.NewActionHandler(deps.DeploymentSvc, deps.StatusLogSvc)
	mgmtRolloutHandler := management.NewRolloutHandler(deps.RolloutSvc, deps.DeploymentSvc)

	r.Route("/api/v1/management", func(r chi.Router) {
		// Rate limit management API: 30 req/s with burst of 60
		r.Use(middleware.RateLimit(30, 60))

		// Login (no auth required)
		r.Post("/auth/login", mgmtAuthHandler.Login)

		// Refresh token (requires valid JWT)
		r.Group(func(r chi.Router) {
			r.Use(middleware.ManagementAuth(deps.JWTManager))
			r.Post("/auth/refresh", mgmtAuthHandler.Refresh)
		})

		// Authenticated management endpoints
		r.Group(func(r chi.Router) {
			r.Use(middleware.ManagementAuth(deps.JWTManager))

			// Targets
			r.Get("/targets", mgmtTargetHandler.List)
			r.Post("/targets", mgmtTargetHandler.Register)
			r.Get("/targets/{controllerID}", mgmtTargetHandler.Get)
			r.Post("/targets/{controllerID}/token", mgmtTargetHandler.RotateToken)
			r.Post("/targets/{controllerID}/assigned-set", mgmtTargetHandler.AssignSet)
			r.Get("/targets/{controllerID}/actions", mgmtTargetHandler.GetActions)

			// Distribution sets
			r.Get("/distributionsets", mgmtSetHandler.List)
			r.Post("/distributionsets", mgmtSetHandler.Create)
			r.Get("/distributionsets/{id}", mgmtSetHandler.Get)

			// Actions
			r.Get("/actions/{id}", mgmtActionHandler.Get)
			r.Get("/actions/{id}/status", mgmtActionHandler.GetStatusHistory)
			r.Post("/actions/{id}/cancel", mgmtActionHandler.Cancel)
			r.Post("/actions/{id}/force-quit", mgmtActionHandler.ForceQuit)
			r.Post("/actions/{id}/force", mgmtActionHandler.Force)

			// Rollouts
			r.Get("/rollouts", mgmtRolloutHandler.List)
			r.Post("/rollouts", mgmtRolloutHandler.Create)
			r.Get("/rollouts/{id}", mgmtRolloutHandler.Get)
			r.Post("/rollouts/{id}/start", mgmtRolloutHandler.Start)
			r.Post("/rollouts/{id}/pause", mgmtRolloutHandler.Pause)
			r.Post("/rollouts/{id}/resume", mgmtRolloutHandler.Resume)
			r.Post("/rollouts/{id}/approve", mgmtRolloutHandler.Approve)
			r.Post("/rollouts/{id}/deny", mgmtRolloutHandler.Deny)
			r.Get("/rollouts/{id}/groups", mgmtRolloutHandler.GetGroups)
			r.Get("/rollouts/{id}/actions", mgmtRolloutHandler.GetActions)
			r.Get("/rollouts/{id}/status", mgmtRolloutHandler.GetStatus)
			r.Get("/rollouts/groups/{groupID}/status", mgmtRolloutHandler.GetGroupStatus)
		})
	})

	return r
}
