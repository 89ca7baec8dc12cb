package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

type contextKey int

const accountIDKey contextKey = iota

// Authenticate resolves the Bearer API key to an account id and stores it on
// the request context. Requests without a valid key are rejected with 401.
func (h *Handler) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || apiKey == "" {
			h.respondError(w, http.StatusUnauthorized, "Unauthorized", r.Method, r.URL.Path)
			return
		}

		accountID, err := h.accounts.Authenticate(r.Context(), apiKey)
		if err != nil {
			h.respondError(w, http.StatusUnauthorized, "Unauthorized", r.Method, r.URL.Path)
			return
		}

		ctx := context.WithValue(r.Context(), accountIDKey, accountID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func accountIDFrom(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(accountIDKey).(uuid.UUID)
	return id, ok
}
