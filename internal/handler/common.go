package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"loyaltycore/internal/httputil"
	"loyaltycore/internal/transport/http/middleware"
)

// currentUser returns the authenticated user or writes a 401.
func currentUser(w http.ResponseWriter, r *http.Request) (int64, bool) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, "Authentication required")
	}
	return userID, ok
}

// pathID parses the {id} URL parameter or writes a 400.
func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httputil.WriteBadRequest(w, "Invalid ID")
		return 0, false
	}
	return id, true
}
