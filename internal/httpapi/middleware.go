package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"account_gateway/internal/auth"
	"account_gateway/internal/models"
	"account_gateway/internal/storage"
	"account_gateway/internal/utils"
)

type contextKey string

const userContextKey contextKey = "gateway_user"

// apiKeyMiddleware authenticates "Authorization: Bearer <key>" against the
// stored key hashes and attaches the resolved user to the request context.
func (d *Dependencies) apiKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, err := parseBearer(r.Header.Get("Authorization"))
		if err != nil || !auth.ValidFormat(key) {
			utils.RespondWithError(w, http.StatusUnauthorized, "missing or invalid Authorization header")
			return
		}

		hash := auth.HashAPIKey(key, []byte(d.Config.Auth.APIKeyPepper))
		user, err := d.Users.GetByAPIKeyHash(r.Context(), hash)
		if err != nil {
			if errors.Is(err, storage.ErrUserNotFound) {
				utils.RespondWithError(w, http.StatusUnauthorized, "invalid API key")
			} else {
				utils.RespondWithError(w, http.StatusInternalServerError, "internal error")
			}
			return
		}

		ctx := context.WithValue(r.Context(), userContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// userFrom returns the authenticated user placed by apiKeyMiddleware.
func userFrom(ctx context.Context) (*models.User, bool) {
	user, ok := ctx.Value(userContextKey).(*models.User)
	return user, ok
}

func parseBearer(header string) (string, error) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", errors.New("not a bearer token")
	}
	token := strings.TrimSpace(header[len(prefix):])
	if token == "" {
		return "", errors.New("empty bearer token")
	}
	return token, nil
}
