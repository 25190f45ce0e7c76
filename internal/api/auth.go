package api

import (
	"net/http"
	"strings"

	"github.com/axis-is/cloud-service/internal/tokens"
)

// requireOperator gates mutating routes behind a Bearer token with the
// operator role. A no-op unless api_auth_enabled is set.
func (s *Server) requireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.Config.APIAuthEnabled {
			next.ServeHTTP(w, r)
			return
		}

		claims, ok := s.authenticate(r)
		if !ok {
			respondError(w, http.StatusUnauthorized, "missing or invalid token")
			return
		}
		if claims.Role != tokens.RoleOperator {
			respondError(w, http.StatusForbidden, "operator role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authenticate accepts the token from the Authorization header or, for
// websocket clients that cannot set headers, the token query parameter.
func (s *Server) authenticate(r *http.Request) (*tokens.Claims, bool) {
	var raw string
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		raw = strings.TrimPrefix(h, "Bearer ")
	} else {
		raw = r.URL.Query().Get("token")
	}
	if raw == "" || s.Tokens == nil {
		return nil, false
	}

	claims, err := s.Tokens.Validate(raw)
	if err != nil {
		s.log.Debug().Err(err).Msg("token rejected")
		return nil, false
	}
	return claims, true
}
