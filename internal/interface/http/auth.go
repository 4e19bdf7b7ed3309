package http

import (
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"github.com/UzyOrg/celesta/internal/domain/event"
	"github.com/UzyOrg/celesta/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// API KEY AUTHENTICATION
// ══════════════════════════════════════════════════════════════════════════════

// authMiddleware validates the API key header against the configured
// bcrypt hashes. Keys are never stored in clear: config carries only
// hashes, so a leaked config file does not leak credentials.
// An empty hash list disables authentication.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.config.APIKeyHashes) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		key := r.Header.Get(s.config.APIKeyHeader)
		if key == "" || !s.validAPIKey(key) {
			s.logger.Warn("rejected unauthenticated request",
				logger.String("path", r.URL.Path),
				logger.String("ip", getClientIP(r)),
			)
			// Unexpected, not invalid_payload: a key misconfiguration is
			// fixable, clients must keep their events queued.
			writeError(w, http.StatusUnauthorized, event.ClassUnexpected, "missing or invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) validAPIKey(key string) bool {
	for _, hash := range s.config.APIKeyHashes {
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil {
			return true
		}
	}
	return false
}
