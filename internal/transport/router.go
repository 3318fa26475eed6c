// Package transport wires the HTTP surface: routing, middleware,
// authentication, and JSON request/response handling.
package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/trialgrid/crfengine/internal/config"
	"github.com/trialgrid/crfengine/internal/lifecycle"
	"github.com/trialgrid/crfengine/internal/observability"
	"github.com/trialgrid/crfengine/internal/rules"
	"github.com/trialgrid/crfengine/internal/validation"
)

// Dependencies carries everything the router needs. All fields except
// Authenticator and Readiness extras are required.
type Dependencies struct {
	Config        *config.Config
	Logger        *zap.Logger
	Metrics       *observability.Metrics
	Authenticator *Authenticator

	Orchestrator *validation.Orchestrator
	Repository   *rules.Repository
	Evaluator    *rules.Evaluator
	Machine      *lifecycle.Machine
	LockGuard    *lifecycle.LockGuard
	ConfigStore  WorkflowConfigStore

	Readiness observability.ReadinessChecks
}

// NewRouter assembles the full HTTP handler. Health, readiness, and
// metrics are public; everything under /v1 goes through the
// authentication middleware.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(Recovery(deps.Logger))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(observability.TracingMiddleware)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}
	r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))

	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if deps.Config.Observability.Metrics.Enabled {
		r.Handle(deps.Config.Observability.Metrics.Path, observability.Handler())
	}

	validationH := NewValidationHandler(deps.Orchestrator, deps.Evaluator, deps.Logger)
	rulesH := NewRulesHandler(deps.Repository, deps.Logger)
	lifecycleH := NewLifecycleHandler(deps.Machine, deps.LockGuard, deps.ConfigStore, deps.Logger)

	r.Route("/v1", func(r chi.Router) {
		if deps.Authenticator != nil {
			r.Use(deps.Authenticator.Middleware)
		}
		r.Use(BuildRequestContext)
		r.Use(RequestLogging(deps.Logger))

		r.Route("/forms/{formId}", func(r chi.Router) {
			r.Post("/validate", validationH.HandleValidateForm)
			r.Post("/fields/{fieldPath}/validate", validationH.HandleValidateField)
			r.Get("/rules", rulesH.HandleListRules)
			r.Get("/workflow-config", lifecycleH.HandleGetWorkflowConfig)
			r.Put("/workflow-config", lifecycleH.HandlePutWorkflowConfig)
		})

		r.Route("/rules", func(r chi.Router) {
			r.Post("/", rulesH.HandleCreateRule)
			r.Post("/test", validationH.HandleTestRule)
			r.Put("/{ruleId}", rulesH.HandleUpdateRule)
			r.Delete("/{ruleId}", rulesH.HandleDeleteRule)
			r.Post("/{ruleId}/toggle", rulesH.HandleToggleRule)
		})

		r.Route("/form-instances/{instanceId}", func(r chi.Router) {
			r.Get("/lifecycle", lifecycleH.HandleStatus)
			r.Get("/transitions", lifecycleH.HandleTransitions)
			r.Post("/lock", lifecycleH.HandleLock)
		})
	})

	return r
}
