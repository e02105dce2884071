package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/garage/internal/command"
	"github.com/pitabwire/garage/internal/config"
	"github.com/pitabwire/garage/internal/observability"
	"github.com/pitabwire/garage/internal/workflow"
	"github.com/pitabwire/garage/model"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Logger       *zap.Logger
	Metrics      *observability.Metrics
	Authenticate func(http.Handler) http.Handler
	Engine       *workflow.Engine
	Commands     *command.Executor

	// SignatureRelay receives signing webhooks. The webhook route is only
	// mounted when it is set.
	SignatureRelay SignatureRelay
	WebhookSecret  string

	Readiness      observability.ReadinessChecks
	MetricsHandler http.Handler
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, metrics and the signing webhook
// bypass JWT authentication.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cmds := deps.Commands
	if cmds == nil {
		cmds = command.NewExecutor(nil)
	}

	r := chi.NewRouter()
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, model.NewNotFoundError("no route for "+r.Method+" "+r.URL.Path))
	})

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(observability.TracingMiddleware)
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}

	// Public routes.
	r.Get("/ui/health", observability.HandleHealth())
	r.Get("/ui/ready", observability.HandleReady(deps.Readiness))
	if deps.MetricsHandler != nil {
		path := deps.Config.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, deps.MetricsHandler)
	}

	if deps.SignatureRelay != nil {
		r.Group(func(r chi.Router) {
			r.Use(SharedSecret(deps.WebhookSecret))
			r.Use(RequestLogging(logger))
			r.Post("/ui/signatures/events", handleSignatureEvent(deps.SignatureRelay, logger))
		})
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContextMiddleware(deps.Config.Identity.ClaimPaths))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))

		e := deps.Engine
		r.Route("/ui/finalizations", func(r chi.Router) {
			r.Post("/", handleFinalizationStart(e, cmds))
			r.Get("/", handleFinalizationList(e))

			r.Route("/{runId}", func(r chi.Router) {
				r.Get("/", handleFinalizationGet(e))
				r.Delete("/", handleFinalizationTeardown(e))
				r.Post("/confirm", handleFinalizationConfirm(e, cmds))
				r.Post("/skip", handleRunAction(cmds, "finalization.skip", e.Skip))
				r.Post("/cancel", handleRunAction(cmds, "finalization.cancel", e.Cancel))
				r.Post("/retry", handleRunAction(cmds, "finalization.retry", e.Retry))
				r.Get("/preview", handlePreview(e, deps.Metrics, logger))
				r.Post("/preview/close", handleRunAction(cmds, "finalization.preview_close", e.ClosePreview))
				r.Post("/signature/settled", handleSignatureSettled(e, cmds))
			})
		})
	})

	return r
}
