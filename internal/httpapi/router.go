package httpapi

import (
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"kiln/internal/costs"
	"kiln/internal/dispatch"
	"kiln/internal/httpapi/handlers"
	"kiln/internal/httpkit"
	"kiln/internal/pkg/logger"
	"kiln/internal/pkg/middleware"
	"kiln/internal/ports"
)

type Deps struct {
	RDB           *redis.Client
	SP            ports.StorageProvider
	Log           *logger.Logger
	DefaultBucket string
	QueueName     string
	CostConfig    costs.Config

	// Invoker overrides the redis-backed invoker when set.
	Invoker dispatch.Invoker
}

func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}

	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(log))
	r.Use(middleware.Recovery(log))

	allowedOrigins := envCSV("CORS_ALLOWED_ORIGINS", []string{
		"http://localhost:8081",
		"http://localhost:5173",
	})
	r.Use(httpkit.CORS(httpkit.CORSOptions{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: false,
		MaxAgeSeconds:    600,
	}))

	h := handlers.New(handlers.Deps{
		RDB:           d.RDB,
		SP:            d.SP,
		Log:           log,
		DefaultBucket: d.DefaultBucket,
		QueueName:     d.QueueName,
		CostConfig:    d.CostConfig,
		Invoker:       d.Invoker,
	})

	r.Get("/health", h.Health)

	r.Post("/renders", h.PostRender)
	r.Get("/renders/{renderId}/output", h.StreamOutput)

	r.Post("/progress", h.PostProgress)

	return r
}

func envCSV(key string, def []string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
