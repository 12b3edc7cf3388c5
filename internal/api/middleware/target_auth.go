package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/CaioWing/Flotilla/internal/service"
)

// TargetAuth validates the per-target token carried in the Authorization
// header against the controller id in the route. The authenticated target
// is placed on the request context.
func TargetAuth(targetSvc *service.TargetService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				http.Error(w, `{"error":"missing authorization header"}`, http.StatusUnauthorized)
				return
			}

			token := strings.TrimPrefix(header, "TargetToken ")
			if token == header {
				http.Error(w, `{"error":"invalid authorization format"}`, http.StatusUnauthorized)
				return
			}

			controllerID := chi.URLParam(r, "controllerID")
			target, err := targetSvc.Authenticate(r.Context(), controllerID, token)
			if err != nil {
				http.Error(w, `{"error":"invalid target token"}`, http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), TargetKey, target)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
