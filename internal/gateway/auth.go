package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// authorize validates the bearer token. An empty configured token rejects
// everything; the daemon refuses to bind non-loopback addresses without one,
// so loopback-only deployments can still opt in to a token.
func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return false
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) == 1
}
