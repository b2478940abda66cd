package api

import (
	"log/slog"
	"net/http"

	"github.com/agyle/agencycore/internal/adapter/api/handler"
	"github.com/agyle/agencycore/internal/adapter/api/middleware"
	"github.com/agyle/agencycore/internal/adapter/metrics"
	"github.com/agyle/agencycore/internal/adapter/settings"
	"github.com/agyle/agencycore/internal/domain"
)

// NewRouter creates and configures the HTTP router for the core service.
// Every route sits behind the admission gate; the gate's own bypass list
// keeps health checks and the settings endpoints reachable during
// maintenance.
func NewRouter(
	logger *slog.Logger,
	executor domain.Executor,
	settingsSource domain.SettingsSource,
	cache *settings.Cache,
	invalidator *settings.Invalidator,
	m *metrics.CoreMetrics,
) http.Handler {
	mux := http.NewServeMux()

	queryHandler := handler.NewQueryHandler(executor, logger)
	settingsHandler := handler.NewSettingsHandler(settingsSource, cache, invalidator, logger)

	mux.HandleFunc("POST /api/query", queryHandler.Query)
	mux.HandleFunc("POST /api/tx", queryHandler.Transaction)
	mux.HandleFunc("GET /api/settings", settingsHandler.Get)
	mux.HandleFunc("PUT /api/settings", settingsHandler.Update)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	admission := middleware.Admission(cache, logger, m)
	logging := middleware.Logging(logger)

	return logging(admission(mux))
}
