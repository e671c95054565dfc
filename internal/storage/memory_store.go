package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore implements Store with plain maps under one mutex.
type MemoryStore struct {
	mu sync.RWMutex

	users         map[string]User // by user_id
	tariffs       map[int64]Tariff
	profiles      map[string]InstagramProfile // by lowercase username
	followers     map[int64][]InstagramFollower
	payments      map[int64]Payment
	subscriptions map[int64]Subscription
	activities    []UserActivity
	notifications map[int64]NotificationSchedule

	nextID int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:         make(map[string]User),
		tariffs:       make(map[int64]Tariff),
		profiles:      make(map[string]InstagramProfile),
		followers:     make(map[int64][]InstagramFollower),
		payments:      make(map[int64]Payment),
		subscriptions: make(map[int64]Subscription),
		notifications: make(map[int64]NotificationSchedule),
	}
}

func (s *MemoryStore) nextIDLocked() int64 {
	s.nextID++
	return s.nextID
}

func normalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// --- Users ---

func (s *MemoryStore) GetUser(ctx context.Context, userID string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (s *MemoryStore) SaveUser(ctx context.Context, user User) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	existing, ok := s.users[user.UserID]
	if ok {
		user.ID = existing.ID
		user.CreatedAt = existing.CreatedAt
	} else {
		user.ID = s.nextIDLocked()
		user.CreatedAt = now
	}
	user.UpdatedAt = now
	s.users[user.UserID] = user
	return user, nil
}

func (s *MemoryStore) ListUsers(ctx context.Context) ([]User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- Tariffs ---

func (s *MemoryStore) GetTariff(ctx context.Context, id int64) (Tariff, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tariffs[id]
	if !ok {
		return Tariff{}, ErrNotFound
	}
	return t, nil
}

func (s *MemoryStore) GetTariffByName(ctx context.Context, name string) (Tariff, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tariffs {
		if strings.EqualFold(t.Name, name) {
			return t, nil
		}
	}
	return Tariff{}, ErrNotFound
}

func (s *MemoryStore) ListTariffs(ctx context.Context) ([]Tariff, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Tariff, 0, len(s.tariffs))
	for _, t := range s.tariffs {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) SaveTariff(ctx context.Context, tariff Tariff) (Tariff, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for id, t := range s.tariffs {
		if strings.EqualFold(t.Name, tariff.Name) {
			tariff.ID = id
			tariff.CreatedAt = t.CreatedAt
			tariff.UpdatedAt = now
			s.tariffs[id] = tariff
			return tariff, nil
		}
	}
	tariff.ID = s.nextIDLocked()
	tariff.CreatedAt = now
	tariff.UpdatedAt = now
	s.tariffs[tariff.ID] = tariff
	return tariff, nil
}

// --- Profiles ---

func (s *MemoryStore) GetProfile(ctx context.Context, username string) (InstagramProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[normalizeUsername(username)]
	if !ok {
		return InstagramProfile{}, ErrNotFound
	}
	return p, nil
}

func (s *MemoryStore) UpsertProfile(ctx context.Context, profile InstagramProfile) (InstagramProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := normalizeUsername(profile.Username)
	now := time.Now()

	existing, ok := s.profiles[key]
	if ok {
		profile.ID = existing.ID
		profile.CreatedAt = existing.CreatedAt
		profile.ScrapeCount = existing.ScrapeCount + 1
	} else {
		profile.ID = s.nextIDLocked()
		profile.CreatedAt = now
		profile.ScrapeCount = 1
	}
	profile.LastScraped = now
	profile.IsDataFresh = true
	profile.UpdatedAt = now
	s.profiles[key] = profile
	return profile, nil
}

func (s *MemoryStore) MarkProfileStale(ctx context.Context, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := normalizeUsername(username)
	p, ok := s.profiles[key]
	if !ok {
		return ErrNotFound
	}
	p.IsDataFresh = false
	p.UpdatedAt = time.Now()
	s.profiles[key] = p
	return nil
}

func (s *MemoryStore) SetParseStatus(ctx context.Context, username string, status ParseStatus, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := normalizeUsername(username)
	p, ok := s.profiles[key]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	p.ParsingStatus = status
	if taskID != "" {
		p.ParseTaskID = taskID
	}
	if status == ParseCompleted {
		p.FollowersParsedAt = &now
		p.FollowingsParsedAt = &now
	}
	p.UpdatedAt = now
	s.profiles[key] = p
	return nil
}

// --- Followers ---

func (s *MemoryStore) ReplaceFollowers(ctx context.Context, profileID int64, followers []InstagramFollower) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	out := make([]InstagramFollower, 0, len(followers))
	seen := make(map[string]bool, len(followers))
	for _, f := range followers {
		if f.FollowerPK == "" || seen[f.FollowerPK] {
			continue
		}
		seen[f.FollowerPK] = true
		f.ID = s.nextIDLocked()
		f.ProfileID = profileID
		f.CreatedAt = now
		f.UpdatedAt = now
		out = append(out, f)
	}
	s.followers[profileID] = out
	return nil
}

func (s *MemoryStore) ListFollowers(ctx context.Context, profileID int64) ([]InstagramFollower, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src := s.followers[profileID]
	out := make([]InstagramFollower, len(src))
	copy(out, src)
	return out, nil
}

// --- Payments ---

func (s *MemoryStore) CreatePayment(ctx context.Context, payment Payment) (Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	payment.ID = s.nextIDLocked()
	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = time.Now()
	}
	if payment.Currency == "" {
		payment.Currency = "RUB"
	}
	if payment.PaymentMethod == "" {
		payment.PaymentMethod = "cloudpayments"
	}
	if payment.Status == "" {
		payment.Status = PaymentPending
	}
	s.payments[payment.ID] = payment
	return payment, nil
}

func (s *MemoryStore) UpdatePayment(ctx context.Context, payment Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.payments[payment.ID]; !ok {
		return ErrNotFound
	}
	s.payments[payment.ID] = payment
	return nil
}

func (s *MemoryStore) GetPaymentByTransactionID(ctx context.Context, transactionID string) (Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if transactionID == "" {
		return Payment{}, ErrNotFound
	}
	for _, p := range s.payments {
		if p.TransactionID == transactionID || p.GatewayTransactionID == transactionID {
			return p, nil
		}
	}
	return Payment{}, ErrNotFound
}

func (s *MemoryStore) ListPaymentsByUser(ctx context.Context, userID string) ([]Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Payment
	for _, p := range s.payments {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) LatestCardToken(ctx context.Context, userID string) (Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best Payment
	found := false
	for _, p := range s.payments {
		if p.UserID != userID || p.CardToken == "" || p.Status != PaymentCompleted {
			continue
		}
		if !found || p.CreatedAt.After(best.CreatedAt) {
			best = p
			found = true
		}
	}
	if !found {
		return Payment{}, ErrNotFound
	}
	return best, nil
}

// --- Subscriptions ---

func (s *MemoryStore) CreateSubscription(ctx context.Context, sub Subscription) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	sub.ID = s.nextIDLocked()
	sub.CreatedAt = now
	sub.UpdatedAt = now
	if sub.Status == "" {
		sub.Status = SubscriptionActive
	}
	s.subscriptions[sub.ID] = sub
	return sub, nil
}

func (s *MemoryStore) UpdateSubscription(ctx context.Context, sub Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subscriptions[sub.ID]; !ok {
		return ErrNotFound
	}
	sub.UpdatedAt = time.Now()
	s.subscriptions[sub.ID] = sub
	return nil
}

func (s *MemoryStore) GetSubscription(ctx context.Context, id int64) (Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subscriptions[id]
	if !ok {
		return Subscription{}, ErrNotFound
	}
	return sub, nil
}

func (s *MemoryStore) ActiveSubscription(ctx context.Context, userID string) (Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best Subscription
	found := false
	for _, sub := range s.subscriptions {
		if sub.UserID != userID {
			continue
		}
		if sub.Status != SubscriptionActive && sub.Status != SubscriptionPaused {
			continue
		}
		if !found || sub.CreatedAt.After(best.CreatedAt) {
			best = sub
			found = true
		}
	}
	if !found {
		return Subscription{}, ErrNotFound
	}
	return best, nil
}

func (s *MemoryStore) DueSubscriptions(ctx context.Context, now time.Time) ([]Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Subscription
	for _, sub := range s.subscriptions {
		if sub.Status != SubscriptionActive || !sub.AutoRenewal {
			continue
		}
		if sub.NextPaymentDate == nil || sub.NextPaymentDate.After(now) {
			continue
		}
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) PausedSubscriptionsBefore(ctx context.Context, cutoff time.Time) ([]Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Subscription
	for _, sub := range s.subscriptions {
		if sub.Status != SubscriptionPaused || sub.PausedAt == nil {
			continue
		}
		if sub.PausedAt.After(cutoff) {
			continue
		}
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- Activity ---

func (s *MemoryStore) RecordActivity(ctx context.Context, activity UserActivity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	activity.ID = s.nextIDLocked()
	if activity.Timestamp.IsZero() {
		activity.Timestamp = time.Now()
	}
	s.activities = append(s.activities, activity)
	return nil
}

func (s *MemoryStore) CountActivities(ctx context.Context, userID string, since time.Time) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]int)
	for _, a := range s.activities {
		if a.UserID != userID || a.Timestamp.Before(since) {
			continue
		}
		out[a.ActivityType]++
	}
	return out, nil
}

// --- Notifications ---

func (s *MemoryStore) CreateNotifications(ctx context.Context, items []NotificationSchedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for _, item := range items {
		item.ID = s.nextIDLocked()
		item.CreatedAt = now
		s.notifications[item.ID] = item
	}
	return nil
}

func (s *MemoryStore) DueNotifications(ctx context.Context, now time.Time, maxRetries int) ([]NotificationSchedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []NotificationSchedule
	for _, n := range s.notifications {
		if n.Sent || n.ScheduledTime.After(now) || n.RetryCount >= maxRetries {
			continue
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledTime.Before(out[j].ScheduledTime) })
	return out, nil
}

func (s *MemoryStore) MarkNotificationSent(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.notifications[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	n.Sent = true
	n.SentAt = &now
	s.notifications[id] = n
	return nil
}

func (s *MemoryStore) MarkNotificationFailed(ctx context.Context, id int64, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.notifications[id]
	if !ok {
		return ErrNotFound
	}
	n.RetryCount++
	n.ErrorMessage = errorMessage
	s.notifications[id] = n
	return nil
}

func (s *MemoryStore) DeletePendingNotifications(ctx context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for id, n := range s.notifications {
		if n.UserID == userID && !n.Sent {
			delete(s.notifications, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *MemoryStore) Close() error { return nil }
