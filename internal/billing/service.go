// Package billing owns the subscription lifecycle: activation after a
// widget payment, gateway-side recurring subscriptions, pause/resume,
// webhook reconciliation, and the decline-driven downgrade cascade.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/instarding/server/internal/cloudpayments"
	"github.com/instarding/server/internal/config"
	apierrors "github.com/instarding/server/internal/errors"
	"github.com/instarding/server/internal/metrics"
	"github.com/instarding/server/internal/storage"
)

// downgradeCascade is the closed decline ladder. A tariff missing from
// the map (or mapping to "") has nowhere to go and the subscription ends.
var downgradeCascade = map[string]string{
	"Exclusive": "Daily",
	"Daily":     "Full",
	"Full":      "Eco",
	"Eco":       "Demo",
	"Demo":      "",
}

// Gateway is the slice of the CloudPayments client the billing service
// uses. *cloudpayments.Client satisfies it; tests substitute fakes.
type Gateway interface {
	ChargeToken(ctx context.Context, req cloudpayments.ChargeTokenRequest) (*cloudpayments.Response, error)
	CreateSubscription(ctx context.Context, req cloudpayments.CreateSubscriptionRequest) (*cloudpayments.Response, error)
	CancelSubscription(ctx context.Context, subscriptionID string) (*cloudpayments.Response, error)
	SubscriptionDescription(tariffName string, durationDays, requestsCount *int) string
}

// Service implements the payment and subscription operations.
type Service struct {
	store   storage.Store
	gateway Gateway
	cfg     config.BillingConfig
	log     zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewService wires the billing service. The metrics handle may be nil.
func NewService(store storage.Store, gateway Gateway, cfg config.BillingConfig, log zerolog.Logger, m *metrics.Metrics) *Service {
	return &Service{
		store:   store,
		gateway: gateway,
		cfg:     cfg,
		log:     log.With().Str("component", "billing").Logger(),
		metrics: m,
		now:     time.Now,
	}
}

func (s *Service) failedAttemptsThreshold() int {
	if s.cfg.FailedAttemptsThreshold > 0 {
		return s.cfg.FailedAttemptsThreshold
	}
	return 3
}

func (s *Service) maxDowngradeDepth() int {
	if s.cfg.MaxDowngradeDepth > 0 {
		return s.cfg.MaxDowngradeDepth
	}
	return 5
}

func (s *Service) retryDelay() time.Duration {
	if s.cfg.RetryDelay.Duration > 0 {
		return s.cfg.RetryDelay.Duration
	}
	return 24 * time.Hour
}

func (s *Service) pauseDuration() time.Duration {
	if s.cfg.PauseDuration.Duration > 0 {
		return s.cfg.PauseDuration.Duration
	}
	return 7 * 24 * time.Hour
}

func (s *Service) recurrentPeriodDays() int {
	if s.cfg.RecurrentPeriodDays > 0 {
		return s.cfg.RecurrentPeriodDays
	}
	return 10
}

func (s *Service) demoFirstChargeDelay() time.Duration {
	if s.cfg.DemoFirstChargeDelay.Duration > 0 {
		return s.cfg.DemoFirstChargeDelay.Duration
	}
	return 24 * time.Hour
}

func (s *Service) demoTargetTariffName() string {
	if s.cfg.DemoTargetTariff != "" {
		return s.cfg.DemoTargetTariff
	}
	return "Exclusive"
}

// ActivationResult reports a completed activation back to the caller.
type ActivationResult struct {
	Payment      storage.Payment      `json:"payment"`
	Subscription storage.Subscription `json:"subscription"`
	Message      string               `json:"message"`
}

// ActivateSimple activates a tariff without creating a gateway-side
// subscription. When the payment webhook arrived first and already left
// a completed payment with a card token for this tariff, that payment is
// reused instead of creating a duplicate; the token then arms demo
// auto-renewal tracked by the scheduler.
func (s *Service) ActivateSimple(ctx context.Context, userID string, tariffID int64, transactionID string) (ActivationResult, error) {
	tariff, user, err := s.loadTariffAndUser(ctx, userID, tariffID)
	if err != nil {
		return ActivationResult{}, err
	}
	now := s.now()

	payment, cardToken, err := s.findOrCreatePayment(ctx, user.UserID, tariff, transactionID, now)
	if err != nil {
		return ActivationResult{}, err
	}

	if err := s.activateUser(ctx, &user, tariff, now); err != nil {
		return ActivationResult{}, err
	}

	sub := storage.Subscription{
		UserID:      user.UserID,
		TariffID:    tariff.ID,
		StartDate:   now,
		EndDate:     user.SubscriptionEnd,
		Status:      storage.SubscriptionActive,
		CardToken:   cardToken,
		AutoRenewal: cardToken != "",
	}
	sub, err = s.store.CreateSubscription(ctx, sub)
	if err != nil {
		return ActivationResult{}, apierrors.Wrap(apierrors.ErrCodeDatabaseError, "creating subscription record", err)
	}

	payment.SubscriptionID = strconv.FormatInt(sub.ID, 10)
	if err := s.store.UpdatePayment(ctx, payment); err != nil {
		return ActivationResult{}, apierrors.Wrap(apierrors.ErrCodeDatabaseError, "linking payment to subscription", err)
	}

	// Demo purchases that carried a token upgrade into the target tariff
	// on the next scheduler charge. No gateway subscription exists here;
	// the scheduler charges the stored token directly.
	if cardToken != "" && tariff.IsDemo {
		target, err := s.store.GetTariffByName(ctx, s.demoTargetTariffName())
		if err != nil {
			s.log.Error().Err(err).Str("tariff", s.demoTargetTariffName()).
				Msg("demo upgrade target tariff missing, auto-renewal not armed")
		} else {
			next := now.Add(s.demoFirstChargeDelay())
			sub.NextPaymentDate = &next
			sub.OriginalTariffID = &target.ID
			sub.GatewaySubscriptionID = fmt.Sprintf("manual_%s_%d", user.UserID, now.Unix())
			if err := s.store.UpdateSubscription(ctx, sub); err != nil {
				return ActivationResult{}, apierrors.Wrap(apierrors.ErrCodeDatabaseError, "arming demo auto-renewal", err)
			}
		}
	}

	s.log.Info().Str("user_id", user.UserID).Str("tariff", tariff.Name).
		Bool("token_reused", cardToken != "").Msg("subscription activated")

	return ActivationResult{
		Payment:      payment,
		Subscription: sub,
		Message:      fmt.Sprintf("Subscription %q activated", tariff.Name),
	}, nil
}

// CreateRecurrent activates a tariff and registers a gateway-side
// recurring subscription. Only demo and the demo target tariff support
// auto-renewal; everything else falls back to simple activation, as does
// any gateway failure.
func (s *Service) CreateRecurrent(ctx context.Context, userID string, tariffID int64, cardToken, transactionID string) (ActivationResult, error) {
	tariff, user, err := s.loadTariffAndUser(ctx, userID, tariffID)
	if err != nil {
		return ActivationResult{}, err
	}
	now := s.now()

	var nextTariff storage.Tariff
	var start time.Time
	switch {
	case tariff.IsDemo:
		target, err := s.store.GetTariffByName(ctx, s.demoTargetTariffName())
		if err != nil {
			s.log.Error().Err(err).Msg("demo upgrade target tariff missing, falling back to simple activation")
			return s.ActivateSimple(ctx, userID, tariffID, transactionID)
		}
		nextTariff = target
		start = now.Add(s.demoFirstChargeDelay())
	case tariff.Name == s.demoTargetTariffName():
		nextTariff = tariff
		start = now.AddDate(0, 0, s.recurrentPeriodDays())
	default:
		s.log.Info().Str("tariff", tariff.Name).Msg("tariff has no auto-renewal, activating simple")
		return s.ActivateSimple(ctx, userID, tariffID, transactionID)
	}

	resp, err := s.gateway.CreateSubscription(ctx, cloudpayments.CreateSubscriptionRequest{
		Token:       cardToken,
		AccountID:   user.UserID,
		Description: s.gateway.SubscriptionDescription(nextTariff.Name, nextTariff.DurationDays, nextTariff.RequestsCount),
		Amount:      cloudpayments.FormatAmount(nextTariff.Price),
		Interval:    "Day",
		Period:      s.recurrentPeriodDays(),
		StartDate:   start,
	})
	if err != nil || !resp.Success {
		if err != nil {
			s.log.Error().Err(err).Msg("gateway subscription create failed, falling back to simple activation")
		} else {
			s.log.Error().Str("message", resp.Message).Msg("gateway refused subscription, falling back to simple activation")
		}
		return s.ActivateSimple(ctx, userID, tariffID, transactionID)
	}
	model, err := resp.Subscription()
	if err != nil {
		return ActivationResult{}, err
	}

	if transactionID == "" {
		transactionID = fmt.Sprintf("manual_%s_%d", user.UserID, now.Unix())
	}
	paidAt := now
	payment := storage.Payment{
		UserID:               user.UserID,
		TariffID:             tariff.ID,
		Amount:               tariff.Price,
		Currency:             "RUB",
		PaymentMethod:        "cloudpayments",
		Status:               storage.PaymentCompleted,
		TransactionID:        transactionID,
		GatewayTransactionID: transactionID,
		CardToken:            cardToken,
		IsRecurrent:          true,
		PaidAt:               &paidAt,
	}
	payment, err = s.store.CreatePayment(ctx, payment)
	if err != nil {
		return ActivationResult{}, apierrors.Wrap(apierrors.ErrCodeDatabaseError, "recording payment", err)
	}

	if err := s.activateUser(ctx, &user, tariff, now); err != nil {
		return ActivationResult{}, err
	}

	sub := storage.Subscription{
		UserID:                user.UserID,
		TariffID:              tariff.ID,
		StartDate:             now,
		EndDate:               user.SubscriptionEnd,
		Status:                storage.SubscriptionActive,
		GatewaySubscriptionID: model.ID,
		CardToken:             cardToken,
		AutoRenewal:           true,
		NextPaymentDate:       &start,
		OriginalTariffID:      &nextTariff.ID,
	}
	sub, err = s.store.CreateSubscription(ctx, sub)
	if err != nil {
		return ActivationResult{}, apierrors.Wrap(apierrors.ErrCodeDatabaseError, "creating subscription record", err)
	}

	payment.SubscriptionID = strconv.FormatInt(sub.ID, 10)
	if err := s.store.UpdatePayment(ctx, payment); err != nil {
		return ActivationResult{}, apierrors.Wrap(apierrors.ErrCodeDatabaseError, "linking payment to subscription", err)
	}

	s.log.Info().Str("user_id", user.UserID).Str("tariff", tariff.Name).
		Str("gateway_subscription_id", model.ID).Time("next_payment", start).
		Msg("recurrent subscription created")

	return ActivationResult{
		Payment:      payment,
		Subscription: sub,
		Message:      fmt.Sprintf("Subscription %q activated with auto-renewal", tariff.Name),
	}, nil
}

// Pause stops an active auto-renewing subscription for the pause window.
// The gateway subscription is cancelled; resume creates a fresh one.
func (s *Service) Pause(ctx context.Context, userID string) (storage.Subscription, error) {
	sub, err := s.store.ActiveSubscription(ctx, userID)
	if err != nil {
		return storage.Subscription{}, apierrors.Wrap(apierrors.ErrCodeSubscriptionNotFound, "no active subscription", err)
	}
	if sub.Status != storage.SubscriptionActive || !sub.AutoRenewal {
		return storage.Subscription{}, apierrors.New(apierrors.ErrCodeSubscriptionState, "subscription is not active with auto-renewal")
	}

	s.cancelAtGateway(ctx, &sub)

	now := s.now()
	sub.Status = storage.SubscriptionPaused
	sub.AutoRenewal = false
	sub.PausedAt = &now
	sub.PauseDaysUsed += int(s.pauseDuration().Hours() / 24)
	if err := s.store.UpdateSubscription(ctx, sub); err != nil {
		return storage.Subscription{}, apierrors.Wrap(apierrors.ErrCodeDatabaseError, "pausing subscription", err)
	}

	s.log.Info().Str("user_id", userID).Int64("subscription_id", sub.ID).
		Time("resume_at", now.Add(s.pauseDuration())).Msg("subscription paused")
	return sub, nil
}

// Resume reactivates a paused subscription with a new gateway
// subscription whose first charge lands a day out.
func (s *Service) Resume(ctx context.Context, userID string) (storage.Subscription, error) {
	sub, err := s.store.ActiveSubscription(ctx, userID)
	if err != nil {
		return storage.Subscription{}, apierrors.Wrap(apierrors.ErrCodeSubscriptionNotFound, "no paused subscription", err)
	}
	if sub.Status != storage.SubscriptionPaused {
		return storage.Subscription{}, apierrors.New(apierrors.ErrCodeSubscriptionState, "subscription is not paused")
	}

	tariff, err := s.store.GetTariff(ctx, sub.TariffID)
	if err != nil {
		return storage.Subscription{}, apierrors.Wrap(apierrors.ErrCodeTariffNotFound, "subscription tariff", err)
	}

	start := s.now().AddDate(0, 0, 1)
	resp, err := s.gateway.CreateSubscription(ctx, cloudpayments.CreateSubscriptionRequest{
		Token:       sub.CardToken,
		AccountID:   userID,
		Description: s.gateway.SubscriptionDescription(tariff.Name, tariff.DurationDays, tariff.RequestsCount),
		Amount:      cloudpayments.FormatAmount(tariff.Price),
		Interval:    "Day",
		Period:      s.recurrentPeriodDays(),
		StartDate:   start,
	})
	if err != nil {
		return storage.Subscription{}, err
	}
	if !resp.Success {
		return storage.Subscription{}, apierrors.New(apierrors.ErrCodeGatewayError, "gateway refused resume: "+resp.Message)
	}
	model, err := resp.Subscription()
	if err != nil {
		return storage.Subscription{}, err
	}

	sub.Status = storage.SubscriptionActive
	sub.AutoRenewal = true
	sub.GatewaySubscriptionID = model.ID
	sub.NextPaymentDate = &start
	sub.PausedAt = nil
	sub.FailedAttempts = 0
	if err := s.store.UpdateSubscription(ctx, sub); err != nil {
		return storage.Subscription{}, apierrors.Wrap(apierrors.ErrCodeDatabaseError, "resuming subscription", err)
	}

	s.log.Info().Str("user_id", userID).Int64("subscription_id", sub.ID).
		Msg("subscription resumed")
	return sub, nil
}

// Cancel terminally ends the user's subscription and clears the paid
// state. Cancelled records never come back; a new purchase starts fresh.
func (s *Service) Cancel(ctx context.Context, userID string) (storage.Subscription, error) {
	sub, err := s.store.ActiveSubscription(ctx, userID)
	if err != nil {
		return storage.Subscription{}, apierrors.Wrap(apierrors.ErrCodeSubscriptionNotFound, "no subscription to cancel", err)
	}

	s.cancelAtGateway(ctx, &sub)

	sub.Status = storage.SubscriptionCancelled
	sub.AutoRenewal = false
	sub.PausedAt = nil
	if err := s.store.UpdateSubscription(ctx, sub); err != nil {
		return storage.Subscription{}, apierrors.Wrap(apierrors.ErrCodeDatabaseError, "cancelling subscription", err)
	}

	user, err := s.store.GetUser(ctx, userID)
	if err == nil {
		user.IsPaid = false
		user.CurrentTariffID = nil
		if _, err := s.store.SaveUser(ctx, user); err != nil {
			s.log.Error().Err(err).Str("user_id", userID).Msg("clearing paid flag failed")
		}
	}

	s.log.Info().Str("user_id", userID).Int64("subscription_id", sub.ID).
		Msg("subscription cancelled")
	return sub, nil
}

// WebhookNotification is a parsed CloudPayments pay/fail notification.
// Data carries the widget's JSON payload verbatim.
type WebhookNotification struct {
	TransactionID string
	Status        string
	AccountID     string
	Amount        float64
	Token         string
	Reason        string
	Data          string
}

// HandleWebhook reconciles a gateway notification with stored state.
// A non-nil error means the gateway should retry the delivery.
func (s *Service) HandleWebhook(ctx context.Context, n WebhookNotification) error {
	s.log.Info().Str("transaction_id", n.TransactionID).Str("status", n.Status).
		Str("user_id", n.AccountID).Float64("amount", n.Amount).Msg("payment notification")

	switch n.Status {
	case "Completed":
		return s.handleCompleted(ctx, n)
	case "Declined":
		return s.handleDeclined(ctx, n)
	}
	return nil
}

// handleCompleted covers the three arrival orders: webhook before the
// activation call, first token-bearing payment on an existing record,
// and a routine recurring charge.
func (s *Service) handleCompleted(ctx context.Context, n WebhookNotification) error {
	now := s.now()

	// Gateway retries deliver the same notification more than once; the
	// transaction id is the natural key.
	if n.TransactionID != "" {
		existing, err := s.store.GetPaymentByTransactionID(ctx, n.TransactionID)
		if err == nil {
			s.log.Info().Str("transaction_id", n.TransactionID).Int64("payment_id", existing.ID).
				Msg("webhook replay, payment already recorded")
			return nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return apierrors.Wrap(apierrors.ErrCodeDatabaseError, "looking up webhook transaction", err)
		}
	}

	sub, err := s.store.ActiveSubscription(ctx, n.AccountID)
	if err != nil {
		// The webhook raced ahead of the activation call. Park the
		// payment so activation can pick up the token; without a
		// tariff id there is nothing useful to record yet.
		tariffID := tariffIDFromData(n.Data)
		if tariffID == 0 {
			s.log.Warn().Str("user_id", n.AccountID).
				Msg("webhook arrived before activation and carries no tariff, skipping")
			return nil
		}
		paidAt := now
		_, err := s.store.CreatePayment(ctx, storage.Payment{
			UserID:               n.AccountID,
			TariffID:             tariffID,
			Amount:               n.Amount,
			Currency:             "RUB",
			PaymentMethod:        "cloudpayments",
			Status:               storage.PaymentCompleted,
			TransactionID:        n.TransactionID,
			GatewayTransactionID: n.TransactionID,
			CardToken:            n.Token,
			IsRecurrent:          n.Token != "",
			PaidAt:               &paidAt,
		})
		if err != nil {
			return apierrors.Wrap(apierrors.ErrCodeDatabaseError, "parking webhook payment", err)
		}
		s.log.Info().Str("user_id", n.AccountID).Int64("tariff_id", tariffID).
			Msg("payment parked, waiting for activation")
		return nil
	}

	if n.Token != "" && sub.CardToken == "" {
		return s.armTokenFromWebhook(ctx, sub, n, now)
	}
	if sub.AutoRenewal {
		return s.reconcileRecurrentCharge(ctx, sub, n, now)
	}
	return nil
}

// armTokenFromWebhook attaches the first card token to a token-less
// subscription and, for demo records, registers the upgrade charge.
func (s *Service) armTokenFromWebhook(ctx context.Context, sub storage.Subscription, n WebhookNotification, now time.Time) error {
	sub.CardToken = n.Token
	sub.AutoRenewal = true

	tariff, err := s.store.GetTariff(ctx, sub.TariffID)
	if err == nil && tariff.IsDemo {
		target, err := s.store.GetTariffByName(ctx, s.demoTargetTariffName())
		if err == nil {
			start := now.Add(s.demoFirstChargeDelay())
			resp, err := s.gateway.CreateSubscription(ctx, cloudpayments.CreateSubscriptionRequest{
				Token:       n.Token,
				AccountID:   n.AccountID,
				Description: s.gateway.SubscriptionDescription(target.Name, target.DurationDays, target.RequestsCount),
				Amount:      cloudpayments.FormatAmount(target.Price),
				Interval:    "Day",
				Period:      s.recurrentPeriodDays(),
				StartDate:   start,
			})
			if err == nil && resp.Success {
				if model, merr := resp.Subscription(); merr == nil {
					sub.GatewaySubscriptionID = model.ID
					sub.NextPaymentDate = &start
					sub.OriginalTariffID = &target.ID
				}
			} else if err != nil {
				s.log.Error().Err(err).Msg("gateway subscription create from webhook failed")
			} else {
				s.log.Error().Str("message", resp.Message).Msg("gateway refused subscription from webhook")
			}
		}
	}

	paidAt := now
	payment := storage.Payment{
		UserID:               n.AccountID,
		TariffID:             sub.TariffID,
		Amount:               n.Amount,
		Currency:             "RUB",
		PaymentMethod:        "cloudpayments",
		Status:               storage.PaymentCompleted,
		TransactionID:        n.TransactionID,
		GatewayTransactionID: n.TransactionID,
		CardToken:            n.Token,
		IsRecurrent:          true,
		SubscriptionID:       strconv.FormatInt(sub.ID, 10),
		PaidAt:               &paidAt,
	}
	if _, err := s.store.CreatePayment(ctx, payment); err != nil {
		return apierrors.Wrap(apierrors.ErrCodeDatabaseError, "recording webhook payment", err)
	}
	if err := s.store.UpdateSubscription(ctx, sub); err != nil {
		return apierrors.Wrap(apierrors.ErrCodeDatabaseError, "arming subscription token", err)
	}
	s.log.Info().Str("user_id", n.AccountID).Int64("subscription_id", sub.ID).
		Msg("card token armed from webhook")
	return nil
}

// reconcileRecurrentCharge records a gateway-initiated renewal and rolls
// the subscription window forward.
func (s *Service) reconcileRecurrentCharge(ctx context.Context, sub storage.Subscription, n WebhookNotification, now time.Time) error {
	tariff, err := s.store.GetTariff(ctx, sub.TariffID)
	if err != nil {
		return apierrors.Wrap(apierrors.ErrCodeTariffNotFound, "subscription tariff", err)
	}

	paidAt := now
	payment := storage.Payment{
		UserID:               sub.UserID,
		TariffID:             sub.TariffID,
		Amount:               n.Amount,
		Currency:             "RUB",
		PaymentMethod:        "cloudpayments",
		Status:               storage.PaymentCompleted,
		TransactionID:        n.TransactionID,
		GatewayTransactionID: n.TransactionID,
		CardToken:            sub.CardToken,
		IsRecurrent:          true,
		SubscriptionID:       strconv.FormatInt(sub.ID, 10),
		PaidAt:               &paidAt,
	}
	if _, err := s.store.CreatePayment(ctx, payment); err != nil {
		return apierrors.Wrap(apierrors.ErrCodeDatabaseError, "recording recurrent payment", err)
	}

	sub.FailedAttempts = 0
	sub.LastPaymentAttempt = &now
	if tariff.DurationDays != nil {
		if sub.EndDate != nil {
			extended := sub.EndDate.AddDate(0, 0, *tariff.DurationDays)
			sub.EndDate = &extended
		} else {
			extended := now.AddDate(0, 0, *tariff.DurationDays)
			sub.EndDate = &extended
		}
	}
	next := now.AddDate(0, 0, s.recurrentPeriodDays())
	sub.NextPaymentDate = &next
	if err := s.store.UpdateSubscription(ctx, sub); err != nil {
		return apierrors.Wrap(apierrors.ErrCodeDatabaseError, "rolling subscription forward", err)
	}

	if err := s.applyTariffToUser(ctx, sub.UserID, tariff, sub.EndDate); err != nil {
		return err
	}
	s.log.Info().Str("user_id", sub.UserID).Float64("amount", n.Amount).
		Msg("recurrent payment reconciled")
	return nil
}

// handleDeclined counts the failure and, past the threshold, walks the
// downgrade cascade.
func (s *Service) handleDeclined(ctx context.Context, n WebhookNotification) error {
	sub, err := s.store.ActiveSubscription(ctx, n.AccountID)
	if err != nil || sub.Status != storage.SubscriptionActive || !sub.AutoRenewal {
		return nil
	}
	now := s.now()
	sub.FailedAttempts++
	sub.LastPaymentAttempt = &now

	s.log.Warn().Str("user_id", n.AccountID).Str("reason", n.Reason).
		Int("failed_attempts", sub.FailedAttempts).Msg("payment declined")

	if sub.FailedAttempts >= s.failedAttemptsThreshold() {
		return s.cascadeDowngrade(ctx, &sub)
	}

	retry := now.Add(s.retryDelay())
	sub.NextPaymentDate = &retry
	if err := s.store.UpdateSubscription(ctx, sub); err != nil {
		return apierrors.Wrap(apierrors.ErrCodeDatabaseError, "recording declined payment", err)
	}
	return nil
}

// cascadeDowngrade moves a gateway-billed subscription one rung down:
// the old gateway subscription is cancelled and a new one for the
// cheaper tariff is registered with its first charge a day out. The
// record and the user move onto the new tariff immediately. An
// exhausted cascade, or a gateway that refuses the new subscription,
// ends the record. Persists sub.
func (s *Service) cascadeDowngrade(ctx context.Context, sub *storage.Subscription) error {
	current, err := s.chargeTarget(ctx, *sub)
	if err != nil {
		return err
	}

	nextName := downgradeCascade[current.Name]
	if nextName == "" {
		s.log.Warn().Int64("subscription_id", sub.ID).Str("tariff", current.Name).
			Msg("cascade exhausted, ending subscription")
		return s.endSubscription(ctx, sub)
	}
	next, err := s.store.GetTariffByName(ctx, nextName)
	if err != nil {
		return apierrors.Wrap(apierrors.ErrCodeTariffNotFound, "downgrade tariff "+nextName, err)
	}

	s.cancelAtGateway(ctx, sub)
	sub.GatewaySubscriptionID = ""

	start := s.now().AddDate(0, 0, 1)
	resp, err := s.gateway.CreateSubscription(ctx, cloudpayments.CreateSubscriptionRequest{
		Token:       sub.CardToken,
		AccountID:   sub.UserID,
		Description: s.gateway.SubscriptionDescription(next.Name, next.DurationDays, next.RequestsCount),
		Amount:      cloudpayments.FormatAmount(next.Price),
		Interval:    "Day",
		Period:      s.recurrentPeriodDays(),
		StartDate:   start,
	})
	if err != nil || !resp.Success {
		if err != nil {
			s.log.Error().Err(err).Int64("subscription_id", sub.ID).
				Msg("gateway subscription create for downgrade failed, ending subscription")
		} else {
			s.log.Error().Str("message", resp.Message).Int64("subscription_id", sub.ID).
				Msg("gateway refused downgrade subscription, ending subscription")
		}
		return s.endSubscription(ctx, sub)
	}
	model, err := resp.Subscription()
	if err != nil {
		return err
	}

	sub.TariffID = next.ID
	sub.OriginalTariffID = nil
	sub.GatewaySubscriptionID = model.ID
	sub.FailedAttempts = 0
	sub.DowngradeAttempts++
	sub.NextPaymentDate = &start
	if err := s.store.UpdateSubscription(ctx, *sub); err != nil {
		return apierrors.Wrap(apierrors.ErrCodeDatabaseError, "recording downgrade", err)
	}

	if err := s.applyTariffToUser(ctx, sub.UserID, next, sub.EndDate); err != nil {
		return err
	}
	s.log.Info().Int64("subscription_id", sub.ID).
		Str("from", current.Name).Str("to", next.Name).
		Time("next_payment", start).Msg("subscription downgraded via cascade")
	return nil
}

// ChargeDue charges one due subscription against its stored token. When
// the gateway declines past the failure threshold the cascade downgrades
// the target tariff in place and retries immediately, bounded by the
// downgrade depth; exhausting the cascade or the depth ends the record.
func (s *Service) ChargeDue(ctx context.Context, sub storage.Subscription) error {
	for depth := 0; ; depth++ {
		if depth > s.maxDowngradeDepth() {
			s.log.Error().Int64("subscription_id", sub.ID).
				Msg("downgrade depth exhausted, ending subscription")
			return s.endSubscription(ctx, &sub)
		}

		target, err := s.chargeTarget(ctx, sub)
		if err != nil {
			return err
		}
		now := s.now()

		resp, err := s.gateway.ChargeToken(ctx, cloudpayments.ChargeTokenRequest{
			Amount:      cloudpayments.FormatAmount(target.Price),
			Currency:    "RUB",
			AccountID:   sub.UserID,
			Token:       sub.CardToken,
			Description: s.gateway.SubscriptionDescription(target.Name, target.DurationDays, target.RequestsCount),
		})
		if err != nil {
			// Transport trouble, not a decline. Leave the record for
			// the next tick.
			return err
		}

		if resp.Success {
			return s.settleCharge(ctx, &sub, target, resp, now)
		}

		sub.FailedAttempts++
		sub.LastPaymentAttempt = &now
		s.log.Warn().Int64("subscription_id", sub.ID).Str("message", resp.Message).
			Int("failed_attempts", sub.FailedAttempts).Msg("token charge declined")

		if sub.FailedAttempts < s.failedAttemptsThreshold() {
			retry := now.Add(s.retryDelay())
			sub.NextPaymentDate = &retry
			if err := s.store.UpdateSubscription(ctx, sub); err != nil {
				return apierrors.Wrap(apierrors.ErrCodeDatabaseError, "recording failed charge", err)
			}
			return nil
		}

		downgraded, err := s.downgrade(ctx, &sub)
		if err != nil {
			return err
		}
		if err := s.store.UpdateSubscription(ctx, sub); err != nil {
			return apierrors.Wrap(apierrors.ErrCodeDatabaseError, "recording downgrade", err)
		}
		if !downgraded {
			return nil
		}
		// Retry immediately with the cheaper tariff.
	}
}

// settleCharge records a successful token charge and rolls the
// subscription onto the charged tariff.
func (s *Service) settleCharge(ctx context.Context, sub *storage.Subscription, target storage.Tariff, resp *cloudpayments.Response, now time.Time) error {
	model, err := resp.Transaction()
	if err != nil {
		return err
	}
	txnID := strconv.FormatInt(model.TransactionID, 10)

	paidAt := now
	payment := storage.Payment{
		UserID:               sub.UserID,
		TariffID:             target.ID,
		Amount:               cloudpayments.FormatAmount(target.Price),
		Currency:             "RUB",
		PaymentMethod:        "cloudpayments_recurrent",
		Status:               storage.PaymentCompleted,
		TransactionID:        txnID,
		GatewayTransactionID: txnID,
		CardToken:            sub.CardToken,
		IsRecurrent:          true,
		SubscriptionID:       strconv.FormatInt(sub.ID, 10),
		PaidAt:               &paidAt,
	}
	if _, err := s.store.CreatePayment(ctx, payment); err != nil {
		return apierrors.Wrap(apierrors.ErrCodeDatabaseError, "recording recurrent charge", err)
	}

	var end *time.Time
	if target.DurationDays != nil {
		e := now.AddDate(0, 0, *target.DurationDays)
		end = &e
	}
	next := now.AddDate(0, 0, s.recurrentPeriodDays())
	sub.TariffID = target.ID
	sub.EndDate = end
	sub.NextPaymentDate = &next
	sub.FailedAttempts = 0
	sub.LastPaymentAttempt = &now
	if err := s.store.UpdateSubscription(ctx, *sub); err != nil {
		return apierrors.Wrap(apierrors.ErrCodeDatabaseError, "rolling subscription forward", err)
	}

	if err := s.applyTariffToUser(ctx, sub.UserID, target, end); err != nil {
		return err
	}
	s.log.Info().Str("user_id", sub.UserID).Str("tariff", target.Name).
		Float64("amount", target.Price).Time("next_payment", next).
		Msg("recurrent charge settled")
	return nil
}

// chargeTarget resolves the tariff the next charge should bill:
// the downgrade/upgrade target when set, the subscription's own
// tariff otherwise.
func (s *Service) chargeTarget(ctx context.Context, sub storage.Subscription) (storage.Tariff, error) {
	id := sub.TariffID
	if sub.OriginalTariffID != nil {
		id = *sub.OriginalTariffID
	}
	tariff, err := s.store.GetTariff(ctx, id)
	if err != nil {
		return storage.Tariff{}, apierrors.Wrap(apierrors.ErrCodeTariffNotFound, "charge target tariff", err)
	}
	return tariff, nil
}

// downgrade moves the charge target one rung down the cascade. It
// mutates sub but does not persist it; the caller owns the update.
// Returns false when the cascade is exhausted, in which case the
// subscription has been ended and persisted.
func (s *Service) downgrade(ctx context.Context, sub *storage.Subscription) (bool, error) {
	current, err := s.chargeTarget(ctx, *sub)
	if err != nil {
		return false, err
	}

	nextName := downgradeCascade[current.Name]
	if nextName == "" {
		s.log.Warn().Int64("subscription_id", sub.ID).Str("tariff", current.Name).
			Msg("cascade exhausted, ending subscription")
		return false, s.endSubscription(ctx, sub)
	}

	next, err := s.store.GetTariffByName(ctx, nextName)
	if err != nil {
		return false, apierrors.Wrap(apierrors.ErrCodeTariffNotFound, "downgrade tariff "+nextName, err)
	}

	sub.OriginalTariffID = &next.ID
	sub.FailedAttempts = 0
	sub.DowngradeAttempts++
	s.log.Info().Int64("subscription_id", sub.ID).
		Str("from", current.Name).Str("to", next.Name).Msg("tariff downgraded")
	return true, nil
}

// endSubscription terminally cancels a record whose charges cannot
// succeed anymore, and persists it.
func (s *Service) endSubscription(ctx context.Context, sub *storage.Subscription) error {
	s.cancelAtGateway(ctx, sub)
	sub.Status = storage.SubscriptionCancelled
	sub.AutoRenewal = false
	if err := s.store.UpdateSubscription(ctx, *sub); err != nil {
		return apierrors.Wrap(apierrors.ErrCodeDatabaseError, "ending subscription", err)
	}
	return nil
}

func (s *Service) cancelAtGateway(ctx context.Context, sub *storage.Subscription) {
	if sub.GatewaySubscriptionID == "" {
		return
	}
	resp, err := s.gateway.CancelSubscription(ctx, sub.GatewaySubscriptionID)
	if err != nil {
		s.log.Error().Err(err).Str("gateway_subscription_id", sub.GatewaySubscriptionID).
			Msg("gateway cancel failed")
	} else if !resp.Success {
		s.log.Error().Str("message", resp.Message).
			Str("gateway_subscription_id", sub.GatewaySubscriptionID).
			Msg("gateway refused cancel")
	}
}

func (s *Service) loadTariffAndUser(ctx context.Context, userID string, tariffID int64) (storage.Tariff, storage.User, error) {
	tariff, err := s.store.GetTariff(ctx, tariffID)
	if err != nil {
		return storage.Tariff{}, storage.User{}, apierrors.Wrap(apierrors.ErrCodeTariffNotFound, "tariff lookup", err)
	}
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return storage.Tariff{}, storage.User{}, apierrors.Wrap(apierrors.ErrCodeUserNotFound, "user lookup", err)
	}
	return tariff, user, nil
}

// findOrCreatePayment reuses the token-bearing payment the webhook may
// have parked for this tariff, or records a fresh token-less one.
func (s *Service) findOrCreatePayment(ctx context.Context, userID string, tariff storage.Tariff, transactionID string, now time.Time) (storage.Payment, string, error) {
	if parked, err := s.store.LatestCardToken(ctx, userID); err == nil && parked.TariffID == tariff.ID {
		s.log.Info().Str("user_id", userID).Int64("payment_id", parked.ID).
			Msg("reusing token payment parked by webhook")
		return parked, parked.CardToken, nil
	}

	if transactionID == "" {
		transactionID = fmt.Sprintf("manual_%s_%d", userID, now.Unix())
	}
	paidAt := now
	payment, err := s.store.CreatePayment(ctx, storage.Payment{
		UserID:               userID,
		TariffID:             tariff.ID,
		Amount:               tariff.Price,
		Currency:             "RUB",
		PaymentMethod:        "cloudpayments",
		Status:               storage.PaymentCompleted,
		TransactionID:        transactionID,
		GatewayTransactionID: transactionID,
		PaidAt:               &paidAt,
	})
	if err != nil {
		return storage.Payment{}, "", apierrors.Wrap(apierrors.ErrCodeDatabaseError, "recording payment", err)
	}
	return payment, "", nil
}

// activateUser flips the user into the paid state for the tariff.
func (s *Service) activateUser(ctx context.Context, user *storage.User, tariff storage.Tariff, now time.Time) error {
	user.IsPaid = true
	user.CurrentTariffID = &tariff.ID
	user.SubscriptionStart = &now
	if tariff.DurationDays != nil {
		end := now.AddDate(0, 0, *tariff.DurationDays)
		user.SubscriptionEnd = &end
	} else {
		user.SubscriptionEnd = nil
	}
	if tariff.RequestsCount != nil {
		user.RemainingRequests = *tariff.RequestsCount
	} else {
		user.RemainingRequests = 0
	}

	saved, err := s.store.SaveUser(ctx, *user)
	if err != nil {
		return apierrors.Wrap(apierrors.ErrCodeDatabaseError, "activating user", err)
	}
	*user = saved
	return nil
}

// applyTariffToUser updates the paid window after a renewal charge.
func (s *Service) applyTariffToUser(ctx context.Context, userID string, tariff storage.Tariff, end *time.Time) error {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return apierrors.Wrap(apierrors.ErrCodeUserNotFound, "user lookup", err)
	}
	user.IsPaid = true
	user.CurrentTariffID = &tariff.ID
	user.SubscriptionEnd = end
	if _, err := s.store.SaveUser(ctx, user); err != nil {
		return apierrors.Wrap(apierrors.ErrCodeDatabaseError, "updating user tariff", err)
	}
	return nil
}

// tariffIDFromData pulls tariff_id out of the widget's JsonData payload.
func tariffIDFromData(data string) int64 {
	if data == "" {
		return 0
	}
	var payload struct {
		TariffID int64 `json:"tariff_id"`
	}
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return 0
	}
	return payload.TariffID
}
