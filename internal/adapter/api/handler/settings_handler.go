package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/agyle/agencycore/internal/adapter/settings"
	"github.com/agyle/agencycore/internal/domain"
)

// SettingsHandler reads and updates system settings. Updates invalidate the
// local cache immediately and notify other processes through the
// invalidator, so changes take effect before TTL expiry.
type SettingsHandler struct {
	source      domain.SettingsSource
	cache       *settings.Cache
	invalidator *settings.Invalidator
	logger      *slog.Logger
}

// NewSettingsHandler creates a new SettingsHandler.
func NewSettingsHandler(source domain.SettingsSource, cache *settings.Cache, invalidator *settings.Invalidator, logger *slog.Logger) *SettingsHandler {
	return &SettingsHandler{
		source:      source,
		cache:       cache,
		invalidator: invalidator,
		logger:      logger,
	}
}

// Get handles GET /api/settings, serving from the cache.
func (h *SettingsHandler) Get(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.cache.Get(r.Context()))
}

// Update handles PUT /api/settings.
func (h *SettingsHandler) Update(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	var in domain.Settings
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, &domain.QueryError{Class: domain.ClassValidation, Message: "malformed settings body"})
		return
	}

	if err := h.source.UpdateSettings(r.Context(), in); err != nil {
		h.logger.Error("failed to update settings", "error", err)
		writeError(w, &domain.QueryError{Class: domain.ClassInternal, Message: "failed to update settings"})
		return
	}

	h.cache.Invalidate()
	h.invalidator.Publish(r.Context())

	writeJSON(w, http.StatusOK, h.cache.Get(r.Context()))
}
