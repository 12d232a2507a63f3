package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/dispatch"
	"github.com/lalithlochan/courier/internal/preference"
)

// PreferencesResponse is the UPDATE_PREFERENCES result.
type PreferencesResponse struct {
	Success     bool                    `json:"success"`
	Preferences *preference.Preferences `json:"preferences"`
}

// AvailabilityResponse reports whether a user is outside quiet hours.
type AvailabilityResponse struct {
	UserID          string     `json:"user_id"`
	Available       bool       `json:"available"`
	NextAvailableAt *time.Time `json:"next_available_at,omitempty"`
}

// GetPreferences handles GET /v1/users/{id}/preferences
func (h *Handler) GetPreferences(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	prefs, err := h.engine.GetPreferences(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to get preferences", zap.Error(err), zap.String("user_id", userID))
		h.writeError(w, http.StatusInternalServerError, "storage_error", "Failed to load preferences", "")
		return
	}
	h.writeJSON(w, http.StatusOK, prefs)
}

// UpdatePreferences handles PATCH /v1/users/{id}/preferences
func (h *Handler) UpdatePreferences(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	var u preference.Update
	if !h.decode(w, r, &u) {
		return
	}

	prefs, err := h.engine.UpdatePreferences(r.Context(), userID, u)
	if err != nil {
		if errors.Is(err, dispatch.ErrInvalidPreferences) {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid preferences", err.Error())
			return
		}
		h.logger.Error("failed to update preferences", zap.Error(err), zap.String("user_id", userID))
		h.writeError(w, http.StatusInternalServerError, "storage_error", "Failed to update preferences", "")
		return
	}
	h.writeJSON(w, http.StatusOK, PreferencesResponse{Success: true, Preferences: prefs})
}

// GetAvailability handles GET /v1/users/{id}/availability
func (h *Handler) GetAvailability(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	next, quiet, err := h.engine.NextAvailableTime(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to compute availability", zap.Error(err), zap.String("user_id", userID))
		h.writeError(w, http.StatusInternalServerError, "storage_error", "Failed to load preferences", "")
		return
	}

	resp := AvailabilityResponse{UserID: userID, Available: !quiet}
	if quiet {
		resp.NextAvailableAt = &next
	}
	h.writeJSON(w, http.StatusOK, resp)
}
