package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/instarding/server/internal/errors"
	"github.com/instarding/server/internal/notify"
	"github.com/instarding/server/internal/storage"
	"github.com/instarding/server/pkg/responders"
)

type checkProfileRequest struct {
	Username string `json:"username"`
	UserID   string `json:"user_id"`
}

type checkProfileResponse struct {
	Profile               storage.InstagramProfile    `json:"profile"`
	Followers             []storage.InstagramFollower `json:"followers,omitempty"`
	FromCache             bool                        `json:"from_cache"`
	HasActiveSubscription bool                        `json:"has_active_subscription"`
	ParseTaskID           string                      `json:"parse_task_id,omitempty"`
}

// checkProfile is the main mini-app entry point: it serves the profile
// (cache-first), queues a deep scrape when one has not completed yet,
// counts the request against the user's quota, and anchors the warming
// notification sequence on the user's first parse.
func (h *handlers) checkProfile(w http.ResponseWriter, r *http.Request) {
	var req checkProfileRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeValidation, "invalid JSON body")
		return
	}
	username := normalizeUsername(req.Username)
	if username == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidUsername, "username is required")
		return
	}
	ctx := r.Context()

	hasActive := false
	if req.UserID != "" {
		user, err := h.countRequest(ctx, req.UserID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		hasActive = h.hasActiveSubscription(ctx, &user)
	}

	profile, fromCache, err := h.scrape.CheckProfile(ctx, username)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	taskID := profile.ParseTaskID
	switch profile.ParsingStatus {
	case storage.ParsePending, storage.ParseProcessing, storage.ParseCompleted:
		// Deep scrape already done or in flight.
	default:
		if id, qerr := h.scrape.EnqueueDeepScrape(ctx, username); qerr != nil {
			h.logger.Warn().Err(qerr).Str("username", username).Msg("deep scrape enqueue failed")
		} else {
			taskID = id
		}
	}

	var followers []storage.InstagramFollower
	if profile.ParsingStatus == storage.ParseCompleted && profile.ID != 0 {
		if followers, err = h.store.ListFollowers(ctx, profile.ID); err != nil {
			h.logger.Warn().Err(err).Str("username", username).Msg("follower lookup failed")
			followers = nil
		}
	}

	if req.UserID != "" {
		h.registerParseActivity(ctx, req.UserID, username)
	}

	responders.JSON(w, http.StatusOK, checkProfileResponse{
		Profile:               profile,
		Followers:             followers,
		FromCache:             fromCache,
		HasActiveSubscription: hasActive,
		ParseTaskID:           taskID,
	})
}

// countRequest upserts the user and counts one profile check against
// the request quota.
func (h *handlers) countRequest(ctx context.Context, userID string) (storage.User, error) {
	user, err := h.store.GetUser(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		user = storage.User{UserID: userID, IsActive: true}
	} else if err != nil {
		return storage.User{}, err
	}

	user.TotalRequests++
	if user.RemainingRequests > 0 {
		user.RemainingRequests--
	}
	return h.store.SaveUser(ctx, user)
}

// hasActiveSubscription reports whether the user currently holds access.
// An expired time window or an exhausted request quota clears the paid
// flag in place so the next check is cheap.
func (h *handlers) hasActiveSubscription(ctx context.Context, user *storage.User) bool {
	if !user.IsPaid {
		return false
	}

	clearPaid := func(reason string) {
		user.IsPaid = false
		user.CurrentTariffID = nil
		if saved, err := h.store.SaveUser(ctx, *user); err != nil {
			h.logger.Warn().Err(err).Str("user_id", user.UserID).Msg("clearing expired access failed")
		} else {
			*user = saved
		}
		h.logger.Info().Str("user_id", user.UserID).Str("reason", reason).Msg("subscription access cleared")
	}

	if user.SubscriptionEnd != nil && user.SubscriptionEnd.Before(nowUTC()) {
		clearPaid("window_expired")
		return false
	}
	if user.CurrentTariffID != nil {
		tariff, err := h.store.GetTariff(ctx, *user.CurrentTariffID)
		if err == nil && tariff.RequestsCount != nil && user.RemainingRequests <= 0 {
			clearPaid("quota_exhausted")
			return false
		}
	}
	return true
}

// registerParseActivity records the parse; the first one a user ever
// performs also plans the warming notification sequence.
func (h *handlers) registerParseActivity(ctx context.Context, userID, username string) {
	counts, err := h.store.CountActivities(ctx, userID, time.Time{})
	if err != nil {
		h.logger.Warn().Err(err).Str("user_id", userID).Msg("activity count failed")
		return
	}

	if counts[notify.ActivityProfileParse] == 0 {
		if err := h.notify.RegisterProfileParse(ctx, userID, username); err != nil {
			h.logger.Warn().Err(err).Str("user_id", userID).Msg("warming sequence planning failed")
		}
		return
	}

	extra, _ := json.Marshal(map[string]string{"username": username})
	if err := h.store.RecordActivity(ctx, storage.UserActivity{
		UserID:       userID,
		ActivityType: notify.ActivityProfileParse,
		Timestamp:    nowUTC(),
		ExtraData:    extra,
	}); err != nil {
		h.logger.Warn().Err(err).Str("user_id", userID).Msg("recording parse activity failed")
	}
}

// profileParseStatus reports the deep-scrape state of a cached profile.
func (h *handlers) profileParseStatus(w http.ResponseWriter, r *http.Request) {
	username := normalizeUsername(chi.URLParam(r, "username"))

	profile, err := h.store.GetProfile(r.Context(), username)
	if errors.Is(err, storage.ErrNotFound) {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeProfileNotFound, "profile not found")
		return
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}

	responders.JSON(w, http.StatusOK, map[string]interface{}{
		"username":             profile.Username,
		"parsing_status":       profile.ParsingStatus,
		"parse_task_id":        profile.ParseTaskID,
		"followers_parsed_at":  profile.FollowersParsedAt,
		"followings_parsed_at": profile.FollowingsParsedAt,
		"last_scraped":         profile.LastScraped,
		"is_data_fresh":        profile.IsDataFresh,
	})
}

// profileFollowers lists the followers collected by the deep scrape.
func (h *handlers) profileFollowers(w http.ResponseWriter, r *http.Request) {
	username := normalizeUsername(chi.URLParam(r, "username"))

	profile, err := h.store.GetProfile(r.Context(), username)
	if errors.Is(err, storage.ErrNotFound) {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeProfileNotFound, "profile not found")
		return
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}

	followers, err := h.store.ListFollowers(r.Context(), profile.ID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	responders.JSON(w, http.StatusOK, map[string]interface{}{
		"username":       profile.Username,
		"parsing_status": profile.ParsingStatus,
		"count":          len(followers),
		"followers":      followers,
	})
}

// parseTaskStatus returns one queued task's record.
func (h *handlers) parseTaskStatus(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")

	rec, found, err := h.scrape.TaskStatus(r.Context(), taskID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if !found {
		apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeTaskNotFound, "task not found or expired", "task_id", taskID)
		return
	}

	responders.JSON(w, http.StatusOK, rec)
}

// parseQueueStatus summarizes the deep-scrape queue.
func (h *handlers) parseQueueStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.scrape.Status(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	responders.JSON(w, http.StatusOK, status)
}
