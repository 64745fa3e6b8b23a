package api

import (
	"errors"
	"log/slog"
	"net/http"

	"docgate/internal/storage"
)

func handleSaveKey(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		userID := q.Get("userId")
		apiKey := q.Get("apiKey")

		if userID == "" || apiKey == "" {
			httpError(w, http.StatusBadRequest, "userId and apiKey are required")
			return
		}

		if err := deps.Store.SaveCredential(userID, apiKey); err != nil {
			slog.Error("saving API key failed", "user", userID, "error", err)
			httpError(w, http.StatusInternalServerError, "Failed to save API key")
			return
		}

		slog.Info("API key saved", "user", userID)
		writeJSON(w, map[string]any{
			"message": "API key saved successfully",
			"userId":  userID,
		})
	}
}

func handleLoadKey(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		userID := q.Get("userId")
		if userID == "" {
			httpError(w, http.StatusBadRequest, "userId is required")
			return
		}

		// Self-service load is always permitted: absent authenticated id
		// defaults to the subject itself.
		authUserID := q.Get("authenticatedUserId")
		if authUserID == "" {
			authUserID = userID
		}

		key, err := deps.Store.GetCredential(userID, authUserID)
		switch {
		case errors.Is(err, storage.ErrUnauthorized):
			httpError(w, http.StatusForbidden, "Forbidden: Unauthorized access to API key")
			return
		case errors.Is(err, storage.ErrNotFound):
			writeJSON(w, map[string]any{"key": nil, "userId": userID})
			return
		case err != nil:
			slog.Error("loading API key failed", "user", userID, "error", err)
			httpError(w, http.StatusInternalServerError, "Failed to load API key")
			return
		}

		writeJSON(w, map[string]any{"key": key, "userId": userID})
	}
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"status": "ok",
			"port":   deps.Port,
		})
	}
}
