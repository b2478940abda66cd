package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/agyle/agencycore/internal/adapter/metrics"
	"github.com/agyle/agencycore/internal/adapter/settings"
)

// ActorRoleHeader names the role resolved by the (out of scope) session
// layer. The admin role is exempt from the maintenance block so operators can
// turn maintenance mode off while it is active.
const ActorRoleHeader = "X-Actor-Role"

const privilegedRole = "admin"

// These paths always pass the gate: health probes, authentication and the
// settings endpoints themselves. Without the last one an operator could lock
// everyone out permanently. Non-slash-terminated entries match the exact path
// or a subtree under it, never a sibling like /api/settingsexport.
var bypassPaths = []string{
	"/healthz",
	"/api/auth/",
	"/api/settings",
}

func bypassed(path string) bool {
	for _, p := range bypassPaths {
		if strings.HasSuffix(p, "/") {
			if strings.HasPrefix(path, p) {
				return true
			}
			continue
		}
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}

// Admission is a middleware factory for the maintenance gate. It consults the
// cached settings snapshot before a request reaches any business logic and
// rejects with 503 while maintenance mode is on.
func Admission(cache *settings.Cache, logger *slog.Logger, m *metrics.CoreMetrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if bypassed(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			if r.Header.Get(ActorRoleHeader) == privilegedRole {
				next.ServeHTTP(w, r)
				return
			}

			snap := cache.Get(r.Context())
			if !snap.MaintenanceMode {
				next.ServeHTTP(w, r)
				return
			}

			if m != nil {
				m.MaintenanceRejected.Inc()
			}
			logger.Info("request rejected, maintenance mode active", "path", r.URL.Path, "remote_addr", r.RemoteAddr)

			msg := snap.MaintenanceMessage
			if msg == "" {
				msg = "The system is down for maintenance. Please try again later."
			}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "120")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"message": msg})
		})
	}
}
