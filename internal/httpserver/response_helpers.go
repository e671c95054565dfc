package httpserver

import (
	"errors"
	"net/http"

	apierrors "github.com/instarding/server/internal/errors"
	"github.com/instarding/server/internal/storage"
)

// writeServiceError maps a service-layer error to the standardized
// error response. Errors without a code become opaque 500s so internal
// details never leak to clients.
func writeServiceError(w http.ResponseWriter, err error) {
	var apiErr *apierrors.APIError
	if errors.As(err, &apiErr) {
		apierrors.WriteError(w, apiErr.Code, apiErr.Message, nil)
		return
	}
	if errors.Is(err, storage.ErrNotFound) {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeUserNotFound, "not found")
		return
	}
	apierrors.WriteSimpleError(w, apierrors.ErrCodeInternalError, "internal error")
}
