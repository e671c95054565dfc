package httpserver

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/instarding/server/internal/billing"
	apierrors "github.com/instarding/server/internal/errors"
	"github.com/instarding/server/internal/storage"
	"github.com/instarding/server/pkg/responders"
)

// listTariffs returns the purchasable plans.
func (h *handlers) listTariffs(w http.ResponseWriter, r *http.Request) {
	tariffs, err := h.store.ListTariffs(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}

	active := make([]storage.Tariff, 0, len(tariffs))
	for _, t := range tariffs {
		if t.IsActive {
			active = append(active, t)
		}
	}

	responders.JSON(w, http.StatusOK, map[string]interface{}{
		"count":   len(active),
		"tariffs": active,
	})
}

// getTariff returns one plan by id.
func (h *handlers) getTariff(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "tariffID"), 10, 64)
	if err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "tariff id must be an integer")
		return
	}

	tariff, err := h.store.GetTariff(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeTariffNotFound, "tariff not found")
		return
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}

	responders.JSON(w, http.StatusOK, tariff)
}

type purchaseRequest struct {
	UserID        string `json:"user_id"`
	TariffID      int64  `json:"tariff_id"`
	CardToken     string `json:"card_token"`
	TransactionID string `json:"transaction_id"`
}

// purchaseSubscription activates a tariff. With a card token the
// purchase creates a gateway-side recurrent subscription; without one
// it is a plain activation.
func (h *handlers) purchaseSubscription(w http.ResponseWriter, r *http.Request) {
	var req purchaseRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeValidation, "invalid JSON body")
		return
	}
	if req.UserID == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "user_id is required")
		return
	}
	if req.TariffID <= 0 {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "tariff_id is required")
		return
	}

	var (
		result billing.ActivationResult
		err    error
	)
	if req.CardToken != "" {
		result, err = h.billing.CreateRecurrent(r.Context(), req.UserID, req.TariffID, req.CardToken, req.TransactionID)
	} else {
		result, err = h.billing.ActivateSimple(r.Context(), req.UserID, req.TariffID, req.TransactionID)
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}

	responders.JSON(w, http.StatusOK, result)
}

// subscriptionStatus is the mini-app's subscription view: the user's
// access flags plus the newest subscription record and its tariff.
func (h *handlers) subscriptionStatus(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	ctx := r.Context()

	user, err := h.store.GetUser(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeUserNotFound, "user not found")
		return
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}

	hasActive := h.hasActiveSubscription(ctx, &user)

	resp := map[string]interface{}{
		"user_id":                 user.UserID,
		"is_paid":                 user.IsPaid,
		"has_active_subscription": hasActive,
		"remaining_requests":      user.RemainingRequests,
		"subscription_start":      user.SubscriptionStart,
		"subscription_end":        user.SubscriptionEnd,
	}

	sub, err := h.store.ActiveSubscription(ctx, userID)
	if err == nil {
		resp["subscription"] = sub
	} else if !errors.Is(err, storage.ErrNotFound) {
		writeServiceError(w, err)
		return
	}

	tariffID := int64(0)
	if user.CurrentTariffID != nil {
		tariffID = *user.CurrentTariffID
	} else if sub.ID != 0 {
		tariffID = sub.TariffID
	}
	if tariffID != 0 {
		if tariff, terr := h.store.GetTariff(ctx, tariffID); terr == nil {
			resp["tariff"] = tariff
		}
	}

	responders.JSON(w, http.StatusOK, resp)
}

type subscriptionActionRequest struct {
	UserID string `json:"user_id"`
}

func (h *handlers) decodeSubscriptionAction(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req subscriptionActionRequest
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

// pauseSubscription freezes auto-renewal for the pause window.
func (h *handlers) pauseSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.decodeSubscriptionAction(w, r)
	if !ok {
		return
	}

	sub, err := h.billing.Pause(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	responders.JSON(w, http.StatusOK, map[string]interface{}{
		"status":       sub.Status,
		"subscription": sub,
	})
}

// resumeSubscription reactivates a paused subscription.
func (h *handlers) resumeSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.decodeSubscriptionAction(w, r)
	if !ok {
		return
	}

	sub, err := h.billing.Resume(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	responders.JSON(w, http.StatusOK, map[string]interface{}{
		"status":       sub.Status,
		"subscription": sub,
	})
}

// cancelSubscription terminates the subscription and revokes access.
func (h *handlers) cancelSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.decodeSubscriptionAction(w, r)
	if !ok {
		return
	}

	sub, err := h.billing.Cancel(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	responders.JSON(w, http.StatusOK, map[string]interface{}{
		"status":       sub.Status,
		"subscription": sub,
	})
}

// paymentHistory lists a user's charges, newest first.
func (h *handlers) paymentHistory(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	payments, err := h.store.ListPaymentsByUser(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	responders.JSON(w, http.StatusOK, map[string]interface{}{
		"user_id":  userID,
		"count":    len(payments),
		"payments": payments,
	})
}

// webhookAckOK acknowledges a gateway delivery. Any non-zero code makes
// the gateway retry, so the handler acks every delivery: a bad or
// unprocessable notification is logged and left to the scheduler to
// repair, not redelivered in a retry storm.
const webhookAckOK = 0

// gatewayWebhook receives CloudPayments Pay/Fail notifications. The
// gateway posts either JSON or form-encoded bodies; both are folded
// into the same flat field map. The ack body is always HTTP 200 with
// {"code": 0}, which is the only shape the gateway accepts.
func (h *handlers) gatewayWebhook(w http.ResponseWriter, r *http.Request) {
	fields, err := webhookFields(r)
	if err != nil {
		h.logger.Warn().Err(err).Msg("unparseable gateway webhook")
		h.observeWebhook("unknown", "invalid")
		responders.JSON(w, http.StatusOK, map[string]int{"code": webhookAckOK})
		return
	}

	// Signature check runs only when a secret is configured; local and
	// test gateways do not sign their calls. A forged delivery changes
	// no state but is still acked.
	if h.cfg.CloudPayments.APISecret != "" && h.gateway != nil {
		if !h.gateway.VerifyWebhook(fields, r.Header.Get("X-Content-HMAC")) {
			h.logger.Warn().Str("transaction_id", fields["TransactionId"]).Msg("gateway webhook signature mismatch")
			h.observeWebhook(fields["Status"], "bad_signature")
			responders.JSON(w, http.StatusOK, map[string]int{"code": webhookAckOK})
			return
		}
	}

	amount, _ := strconv.ParseFloat(fields["Amount"], 64)
	n := billing.WebhookNotification{
		TransactionID: fields["TransactionId"],
		Status:        fields["Status"],
		AccountID:     fields["AccountId"],
		Amount:        amount,
		Token:         fields["Token"],
		Reason:        fields["Reason"],
		Data:          fields["Data"],
	}

	if err := h.billing.HandleWebhook(r.Context(), n); err != nil {
		h.logger.Error().Err(err).Str("transaction_id", n.TransactionID).
			Str("status", n.Status).Msg("gateway webhook processing failed")
		h.observeWebhook(n.Status, "error")
		responders.JSON(w, http.StatusOK, map[string]int{"code": webhookAckOK})
		return
	}

	h.observeWebhook(n.Status, "ok")
	responders.JSON(w, http.StatusOK, map[string]int{"code": webhookAckOK})
}

func (h *handlers) observeWebhook(status, outcome string) {
	if h.metrics != nil {
		h.metrics.ObserveWebhook(status, outcome)
	}
}

// webhookFields flattens a JSON or form-encoded webhook body into one
// string map, matching the shape the signature is computed over.
func webhookFields(r *http.Request) (map[string]string, error) {
	contentType := r.Header.Get("Content-Type")

	if strings.Contains(contentType, "application/json") {
		var raw map[string]interface{}
		if err := decodeJSONLoose(r.Body, &raw); err != nil {
			return nil, err
		}
		fields := make(map[string]string, len(raw))
		for k, v := range raw {
			switch val := v.(type) {
			case string:
				fields[k] = val
			case float64:
				fields[k] = strconv.FormatFloat(val, 'f', -1, 64)
			case bool:
				fields[k] = strconv.FormatBool(val)
			case nil:
				// skip
			default:
				fields[k] = ""
			}
		}
		return fields, nil
	}

	if err := r.ParseForm(); err != nil {
		return nil, err
	}
	fields := make(map[string]string, len(r.PostForm))
	for k, vals := range r.PostForm {
		if len(vals) > 0 {
			fields[k] = vals[0]
		}
	}
	return fields, nil
}
