package httpx

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

type authContextKey string

const contextKeyOperator authContextKey = "agenthub-operator"

type contextSetter interface {
	SetContext(context.Context)
}

// requireOperator guards mutating operator routes with the configured
// bearer token. With no token configured the routes are open.
func (r *Router) requireOperator(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.operatorToken == "" {
			next(w, req)
			return
		}
		token, err := bearerToken(req.Header.Get("Authorization"))
		if err != nil {
			r.logger.Warn("authorization header invalid", "error", err, "path", req.URL.Path)
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		if len(token) != len(r.operatorToken) || subtle.ConstantTimeCompare([]byte(token), []byte(r.operatorToken)) != 1 {
			r.logger.Warn("operator token mismatch", "path", req.URL.Path)
			writeError(w, http.StatusUnauthorized, "authentication failed")
			return
		}
		ctx := context.WithValue(req.Context(), contextKeyOperator, true)
		if setter, ok := w.(contextSetter); ok {
			setter.SetContext(ctx)
		}
		next(w, req.WithContext(ctx))
	}
}

func isOperator(ctx context.Context) bool {
	ok, _ := ctx.Value(contextKeyOperator).(bool)
	return ok
}

func bearerToken(header string) (string, error) {
	if strings.TrimSpace(header) == "" {
		return "", errors.New("missing authorization header")
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header format")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("empty bearer token")
	}
	return token, nil
}
