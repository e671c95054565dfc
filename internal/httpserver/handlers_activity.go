package httpserver

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/instarding/server/internal/errors"
	"github.com/instarding/server/pkg/responders"
)

type activityRequest struct {
	UserID string `json:"user_id"`
}

func (h *handlers) decodeActivity(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req activityRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeValidation, "invalid JSON body")
		return "", false
	}
	if req.UserID == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "user_id is required")
		return "", false
	}
	return req.UserID, true
}

// activityAppStart records a mini-app session start.
func (h *handlers) activityAppStart(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.decodeActivity(w, r)
	if !ok {
		return
	}
	if err := h.notify.RegisterAppStart(r.Context(), userID); err != nil {
		writeServiceError(w, err)
		return
	}
	responders.JSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

// activityAppExit records a mini-app session end.
func (h *handlers) activityAppExit(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.decodeActivity(w, r)
	if !ok {
		return
	}
	if err := h.notify.RegisterAppExit(r.Context(), userID); err != nil {
		writeServiceError(w, err)
		return
	}
	responders.JSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

// activityStats summarizes a user's activity over a trailing window,
// seven days unless ?days= overrides it.
func (h *handlers) activityStats(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	days := 7
	if raw := r.URL.Query().Get("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "days must be a positive integer")
			return
		}
		days = parsed
	}

	counts, err := h.notify.ActivityStats(r.Context(), userID, days)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	responders.JSON(w, http.StatusOK, map[string]interface{}{
		"user_id": userID,
		"days":    days,
		"counts":  counts,
	})
}
