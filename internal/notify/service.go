package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/instarding/server/internal/config"
	apierrors "github.com/instarding/server/internal/errors"
	"github.com/instarding/server/internal/metrics"
	"github.com/instarding/server/internal/storage"
)

// Activity types anchoring notification schedules.
const (
	ActivityProfileParse = "profile_parse"
	ActivityAppStart     = "app_start"
	ActivityAppExit      = "app_exit"
)

// Service registers user activity, plans the warming sequence, and runs
// the delivery loop.
type Service struct {
	store    storage.Store
	notifier Notifier
	cfg      config.NotificationsConfig
	log      zerolog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	rand     *rand.Rand

	mu       sync.Mutex
	alive    bool
	stopChan chan struct{}
	doneChan chan struct{}
	stopOnce sync.Once
}

// NewService wires the notification service. When cfg.Enabled is false
// activity is still recorded but no notifications are planned or sent.
func NewService(store storage.Store, notifier Notifier, cfg config.NotificationsConfig, log zerolog.Logger, m *metrics.Metrics) *Service {
	if notifier == nil {
		notifier = NoopNotifier{}
	}
	return &Service{
		store:    store,
		notifier: notifier,
		cfg:      cfg,
		log:      log.With().Str("component", "notify").Logger(),
		metrics:  m,
		now:      time.Now,
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

func (s *Service) tickInterval() time.Duration {
	if s.cfg.TickInterval.Duration > 0 {
		return s.cfg.TickInterval.Duration
	}
	return time.Minute
}

func (s *Service) maxRetries() int {
	if s.cfg.MaxRetries > 0 {
		return s.cfg.MaxRetries
	}
	return 3
}

// RegisterProfileParse records the parse activity and plans the five
// warming notifications for the parsed profile.
func (s *Service) RegisterProfileParse(ctx context.Context, userID, username string) error {
	extra, _ := json.Marshal(map[string]string{"username": username})
	if err := s.store.RecordActivity(ctx, storage.UserActivity{
		UserID:       userID,
		ActivityType: ActivityProfileParse,
		Timestamp:    s.now(),
		ExtraData:    extra,
	}); err != nil {
		return apierrors.Wrap(apierrors.ErrCodeDatabaseError, "recording profile parse", err)
	}
	if !s.cfg.Enabled {
		return nil
	}

	items := s.warmingSequence(userID, username)
	if err := s.store.CreateNotifications(ctx, items); err != nil {
		return apierrors.Wrap(apierrors.ErrCodeDatabaseError, "planning notifications", err)
	}
	s.log.Info().Str("user_id", userID).Str("username", username).
		Int("planned", len(items)).Msg("warming notifications planned")
	return nil
}

// RegisterAppStart records an application start.
func (s *Service) RegisterAppStart(ctx context.Context, userID string) error {
	return s.recordActivity(ctx, userID, ActivityAppStart)
}

// RegisterAppExit records an application exit.
func (s *Service) RegisterAppExit(ctx context.Context, userID string) error {
	return s.recordActivity(ctx, userID, ActivityAppExit)
}

func (s *Service) recordActivity(ctx context.Context, userID, activityType string) error {
	if err := s.store.RecordActivity(ctx, storage.UserActivity{
		UserID:       userID,
		ActivityType: activityType,
		Timestamp:    s.now(),
	}); err != nil {
		return apierrors.Wrap(apierrors.ErrCodeDatabaseError, "recording "+activityType, err)
	}
	return nil
}

// ActivityStats summarizes a user's activity counts over a trailing
// window of days.
func (s *Service) ActivityStats(ctx context.Context, userID string, days int) (map[string]int, error) {
	if days <= 0 {
		days = 7
	}
	since := s.now().AddDate(0, 0, -days)
	counts, err := s.store.CountActivities(ctx, userID, since)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.ErrCodeDatabaseError, "counting activities", err)
	}
	return counts, nil
}

// CancelPending drops every unsent notification for a user, e.g. when
// they come back before the sequence plays out.
func (s *Service) CancelPending(ctx context.Context, userID string) (int64, error) {
	n, err := s.store.DeletePendingNotifications(ctx, userID)
	if err != nil {
		return 0, apierrors.Wrap(apierrors.ErrCodeDatabaseError, "cancelling notifications", err)
	}
	return n, nil
}

// warmingSequence plans the five-step sequence. The first step lands at
// a random 5-10 minute offset so it does not look mechanical; the rest
// follow at fixed hour marks.
func (s *Service) warmingSequence(userID, username string) []storage.NotificationSchedule {
	now := s.now()
	firstDelay := time.Duration(5+s.rand.Intn(6)) * time.Minute

	steps := []struct {
		notifType  string
		delay      time.Duration
		text       string
		buttonText string
	}{
		{"like", firstDelay, fmt.Sprintf("Profile %s just got a new like", username), "View"},
		{"follower", 2 * time.Hour, fmt.Sprintf("A new observer appeared on %s's page", username), "Find out"},
		{"message", 48 * time.Hour, fmt.Sprintf("Profile %s sent a message to someone they don't follow", username), "View"},
		{"observer", 72 * time.Hour, "A new observer appeared on your page", "Find out"},
		{"activity", 96 * time.Hour, fmt.Sprintf("Unusual activity detected on profile %s", username), "Find out"},
	}

	items := make([]storage.NotificationSchedule, 0, len(steps))
	for _, step := range steps {
		items = append(items, storage.NotificationSchedule{
			UserID:           userID,
			NotificationType: step.notifType,
			ScheduledTime:    now.Add(step.delay),
			ProfileUsername:  username,
			MessageText:      step.text,
			ButtonText:       step.buttonText,
			ButtonURL:        s.cfg.MiniAppURL,
		})
	}
	return items
}

// Start launches the delivery loop. No-op when notifications are
// disabled.
func (s *Service) Start() {
	if !s.cfg.Enabled {
		s.log.Info().Msg("notifications disabled, delivery loop not started")
		close(s.doneChan)
		return
	}
	s.mu.Lock()
	s.alive = true
	s.mu.Unlock()
	s.log.Info().Dur("tick", s.tickInterval()).Msg("notification delivery loop started")
	go s.loop()
}

// Stop halts the delivery loop and waits for the in-flight tick.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	<-s.doneChan
}

// Alive reports whether the delivery loop is running.
func (s *Service) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alive
}

func (s *Service) loop() {
	defer close(s.doneChan)
	ticker := time.NewTicker(s.tickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			s.mu.Lock()
			s.alive = false
			s.mu.Unlock()
			s.log.Info().Msg("notification delivery loop stopped")
			return
		case <-ticker.C:
			s.Tick(context.Background())
		}
	}
}

// Tick delivers every due notification once. Failures bump the retry
// counter; records past the retry budget stop coming back as due.
func (s *Service) Tick(ctx context.Context) {
	due, err := s.store.DueNotifications(ctx, s.now(), s.maxRetries())
	if err != nil {
		s.log.Error().Err(err).Msg("listing due notifications failed")
		return
	}

	for _, item := range due {
		s.deliver(ctx, item)
	}
}

func (s *Service) deliver(ctx context.Context, item storage.NotificationSchedule) {
	msg := Message{
		Text:       item.MessageText,
		ButtonText: item.ButtonText,
		ButtonURL:  item.ButtonURL,
	}
	if msg.ButtonText == "" {
		msg.ButtonText = "Open Instarding"
	}
	if msg.ButtonURL == "" {
		msg.ButtonURL = s.cfg.MiniAppURL
	}

	err := s.notifier.Send(ctx, item.UserID, msg)
	if s.metrics != nil {
		s.metrics.ObserveNotification(item.NotificationType, err == nil)
	}
	if err != nil {
		s.log.Error().Err(err).Int64("notification_id", item.ID).
			Str("user_id", item.UserID).Str("type", item.NotificationType).
			Msg("notification delivery failed")
		if merr := s.store.MarkNotificationFailed(ctx, item.ID, err.Error()); merr != nil {
			s.log.Error().Err(merr).Int64("notification_id", item.ID).
				Msg("recording delivery failure failed")
		}
		return
	}

	if merr := s.store.MarkNotificationSent(ctx, item.ID); merr != nil {
		s.log.Error().Err(merr).Int64("notification_id", item.ID).
			Msg("marking notification sent failed")
		return
	}
	s.log.Info().Str("user_id", item.UserID).Str("type", item.NotificationType).
		Msg("notification sent")
}
