package httpserver

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/instarding/server/internal/errors"
	"github.com/instarding/server/pkg/responders"
)

// getParserConfig returns the whole runtime scraping configuration.
func (h *handlers) getParserConfig(w http.ResponseWriter, r *http.Request) {
	cfg := h.parserCfg.All()
	responders.JSON(w, http.StatusOK, map[string]interface{}{
		"cookies":      cfg.Cookies,
		"cookie_count": len(cfg.Cookies),
		"user_agents":  cfg.UserAgents,
		"timings":      cfg.Timings,
	})
}

type cookieRequest struct {
	Cookie string `json:"cookie"`
}

// addParserCookie appends a cookie to the rotation pool.
func (h *handlers) addParserCookie(w http.ResponseWriter, r *http.Request) {
	var req cookieRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeValidation, "invalid JSON body")
		return
	}
	if req.Cookie == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "cookie is required")
		return
	}

	added, err := h.parserCfg.AddCookie(req.Cookie)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if !added {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "cookie already present")
		return
	}

	responders.JSON(w, http.StatusOK, map[string]interface{}{
		"added": true,
		"count": len(h.parserCfg.Cookies()),
	})
}

func cookieIndex(w http.ResponseWriter, r *http.Request) (int, bool) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || index < 0 {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "index must be a non-negative integer")
		return 0, false
	}
	return index, true
}

// updateParserCookie replaces the cookie at an index.
func (h *handlers) updateParserCookie(w http.ResponseWriter, r *http.Request) {
	index, ok := cookieIndex(w, r)
	if !ok {
		return
	}
	var req cookieRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeValidation, "invalid JSON body")
		return
	}
	if req.Cookie == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "cookie is required")
		return
	}

	updated, err := h.parserCfg.UpdateCookie(index, req.Cookie)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if !updated {
		apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeInvalidField, "no cookie at index", "index", index)
		return
	}

	responders.JSON(w, http.StatusOK, map[string]interface{}{"updated": true, "index": index})
}

// removeParserCookie drops the cookie at an index. The last remaining
// cookie cannot be removed.
func (h *handlers) removeParserCookie(w http.ResponseWriter, r *http.Request) {
	index, ok := cookieIndex(w, r)
	if !ok {
		return
	}

	removed, err := h.parserCfg.RemoveCookie(index)
	if err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, err.Error())
		return
	}
	if !removed {
		apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeInvalidField, "no cookie at index", "index", index)
		return
	}

	responders.JSON(w, http.StatusOK, map[string]interface{}{
		"removed": true,
		"count":   len(h.parserCfg.Cookies()),
	})
}

// updateParserTimings patches the pacing knobs.
func (h *handlers) updateParserTimings(w http.ResponseWriter, r *http.Request) {
	var patch map[string]float64
	if err := decodeJSONLoose(r.Body, &patch); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeValidation, "invalid JSON body")
		return
	}
	if len(patch) == 0 {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "no timing fields provided")
		return
	}

	if err := h.parserCfg.UpdateTimings(patch); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, err.Error())
		return
	}

	responders.JSON(w, http.StatusOK, map[string]interface{}{
		"updated": true,
		"timings": h.parserCfg.GetTimings(),
	})
}

// resetParserConfig restores the defaults, emptying the cookie pool.
func (h *handlers) resetParserConfig(w http.ResponseWriter, r *http.Request) {
	if err := h.parserCfg.ResetToDefaults(); err != nil {
		writeServiceError(w, err)
		return
	}
	cfg := h.parserCfg.All()
	responders.JSON(w, http.StatusOK, map[string]interface{}{
		"reset":        true,
		"cookie_count": len(cfg.Cookies),
		"timings":      cfg.Timings,
	})
}

// storageStats reports image blob counts and disk usage.
func (h *handlers) storageStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.blobs.Stats()
	if err != nil {
		writeServiceError(w, err)
		return
	}
	responders.JSON(w, http.StatusOK, stats)
}

type cleanupRequest struct {
	Days int `json:"days"`
}

// storageCleanup removes blobs older than the threshold.
func (h *handlers) storageCleanup(w http.ResponseWriter, r *http.Request) {
	var req cleanupRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeValidation, "invalid JSON body")
		return
	}
	days := req.Days
	if days <= 0 {
		days = h.cfg.BlobStore.CleanupDays
	}
	if days <= 0 {
		days = 30
	}

	removed, err := h.blobs.Cleanup(days)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	responders.JSON(w, http.StatusOK, map[string]interface{}{
		"removed": removed,
		"days":    days,
	})
}
