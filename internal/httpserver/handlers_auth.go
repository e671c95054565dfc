package httpserver

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/instarding/server/internal/errors"
	"github.com/instarding/server/internal/storage"
	"github.com/instarding/server/pkg/responders"
)

type loginRequest struct {
	UserID           string `json:"user_id"`
	FirstName        string `json:"first_name"`
	LastName         string `json:"last_name"`
	TelegramUsername string `json:"username"`
}

type loginResponse struct {
	User  storage.User `json:"user"`
	IsNew bool         `json:"is_new"`
}

// authLogin upserts the user record on every mini-app session start and
// stamps last_login. Unknown user ids create a fresh account.
func (h *handlers) authLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeValidation, "invalid JSON body")
		return
	}
	if req.UserID == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "user_id is required")
		return
	}

	user, err := h.store.GetUser(r.Context(), req.UserID)
	isNew := false
	switch {
	case errors.Is(err, storage.ErrNotFound):
		isNew = true
		user = storage.User{UserID: req.UserID, IsActive: true}
	case err != nil:
		writeServiceError(w, err)
		return
	}

	if req.FirstName != "" {
		user.FirstName = req.FirstName
	}
	if req.LastName != "" {
		user.LastName = req.LastName
	}
	if req.TelegramUsername != "" {
		user.TelegramUsername = req.TelegramUsername
	}
	now := nowUTC()
	user.LastLogin = &now

	saved, err := h.store.SaveUser(r.Context(), user)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	h.logger.Info().Str("user_id", saved.UserID).Bool("is_new", isNew).Msg("user login")
	responders.JSON(w, http.StatusOK, loginResponse{User: saved, IsNew: isNew})
}

// getUser returns one user record.
func (h *handlers) getUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	user, err := h.store.GetUser(r.Context(), userID)
	if errors.Is(err, storage.ErrNotFound) {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeUserNotFound, "user not found")
		return
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}

	responders.JSON(w, http.StatusOK, user)
}
