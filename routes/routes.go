package routes

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/upb/llm-adapter/app"
	"github.com/upb/llm-adapter/handlers"
	"github.com/upb/llm-adapter/internal/observability"
	"github.com/upb/llm-adapter/utils"
)

// defaultRequestTimeout applies when the server config leaves it unset
const defaultRequestTimeout = 60 * time.Second

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()

	timeout := deps.Config.Server.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	// Core middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.RequestLogger(deps.Logger))
	r.Use(middleware.Recoverer)

	// CORS middleware
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:*", "https://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", handlers.CallerHeader},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	var db handlers.DatabaseChecker
	if deps.DB != nil {
		db = deps.DB
	}

	health := handlers.NewHealthHandler(db, deps.Router, deps.Logger)
	completions := handlers.NewCompletionHandler(deps.Router, deps.Logger)
	providerAdmin := handlers.NewProviderHandler(deps.Router, deps.Logger)
	usage := handlers.NewUsageHandler(deps.Usage, deps.Logger)

	// Health check endpoints
	r.Get("/healthz", health.HandleHealth)
	r.Get("/readyz", health.HandleReadiness)

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(timeout))

		r.Post("/chat/completions", completions.HandleChatCompletion)
		r.Post("/embeddings", completions.HandleEmbeddings)

		r.Route("/providers", func(r chi.Router) {
			r.Get("/", providerAdmin.HandleListProviders)
			r.Put("/primary", providerAdmin.HandleSetPrimary)
		})

		r.Get("/usage/{caller}", usage.HandleCallerUsage)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteNotFound(w, "endpoint not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteError(w, http.StatusMethodNotAllowed, "method not allowed", nil)
	})

	return r
}
