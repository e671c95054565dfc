package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/instarding/server/internal/metrics"
)

// MongoStore implements Store using MongoDB. Numeric entity ids are
// allocated from a counters collection so the rest of the service can
// treat all three backends identically.
type MongoStore struct {
	client        *mongo.Client
	db            *mongo.Database
	users         *mongo.Collection
	tariffs       *mongo.Collection
	profiles      *mongo.Collection
	followers     *mongo.Collection
	payments      *mongo.Collection
	subscriptions *mongo.Collection
	activities    *mongo.Collection
	notifications *mongo.Collection
	counters      *mongo.Collection
	metrics       *metrics.Metrics
}

// NewMongoStore creates a MongoDB-backed store.
func NewMongoStore(connectionString, database string) (*MongoStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(connectionString))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		// The Disconnect error during initialization cleanup is not
		// actionable; the connection failure is what the caller needs.
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	db := client.Database(database)

	store := &MongoStore{
		client:        client,
		db:            db,
		users:         db.Collection("users"),
		tariffs:       db.Collection("tariffs"),
		profiles:      db.Collection("instagram_profiles"),
		followers:     db.Collection("instagram_followers"),
		payments:      db.Collection("payments"),
		subscriptions: db.Collection("subscription_history"),
		activities:    db.Collection("user_activities"),
		notifications: db.Collection("notification_schedules"),
		counters:      db.Collection("counters"),
	}

	if err := store.createIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}

	return store, nil
}

func (s *MongoStore) createIndexes(ctx context.Context) error {
	unique := options.Index().SetUnique(true)

	indexSets := []struct {
		coll   *mongo.Collection
		models []mongo.IndexModel
	}{
		{s.users, []mongo.IndexModel{
			{Keys: bson.D{{Key: "user_id", Value: 1}}, Options: unique},
		}},
		{s.tariffs, []mongo.IndexModel{
			{Keys: bson.D{{Key: "name", Value: 1}}, Options: unique},
		}},
		{s.profiles, []mongo.IndexModel{
			{Keys: bson.D{{Key: "username", Value: 1}}, Options: unique},
		}},
		{s.followers, []mongo.IndexModel{
			{Keys: bson.D{{Key: "profile_id", Value: 1}, {Key: "follower_pk", Value: 1}}, Options: unique},
		}},
		{s.payments, []mongo.IndexModel{
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}}},
			{Keys: bson.D{{Key: "transaction_id", Value: 1}}},
			{Keys: bson.D{{Key: "cloudpayments_transaction_id", Value: 1}}},
		}},
		{s.subscriptions, []mongo.IndexModel{
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}}},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "next_payment_date", Value: 1}}},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "paused_at", Value: 1}}},
		}},
		{s.activities, []mongo.IndexModel{
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "timestamp", Value: -1}}},
		}},
		{s.notifications, []mongo.IndexModel{
			{Keys: bson.D{{Key: "sent", Value: 1}, {Key: "scheduled_time", Value: 1}}},
			{Keys: bson.D{{Key: "user_id", Value: 1}}},
		}},
	}

	for _, set := range indexSets {
		if _, err := set.coll.Indexes().CreateMany(ctx, set.models); err != nil {
			return fmt.Errorf("create %s indexes: %w", set.coll.Name(), err)
		}
	}
	return nil
}

// nextID allocates the next numeric id for the named sequence.
func (s *MongoStore) nextID(ctx context.Context, sequence string) (int64, error) {
	var doc struct {
		Value int64 `bson:"value"`
	}
	err := s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": sequence},
		bson.M{"$inc": bson.M{"value": 1}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return 0, fmt.Errorf("next id for %s: %w", sequence, err)
	}
	return doc.Value, nil
}

func withQueryTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, 10*time.Second)
}

func mapNotFound(err error) error {
	if err == mongo.ErrNoDocuments {
		return ErrNotFound
	}
	return err
}

// --- Users ---

func (s *MongoStore) GetUser(ctx context.Context, userID string) (User, error) {
	defer metrics.MeasureDBQuery(s.metrics, "get_user", "mongodb")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var u User
	err := s.users.FindOne(ctx, bson.M{"user_id": userID}).Decode(&u)
	if err != nil {
		return User{}, mapNotFound(err)
	}
	return u, nil
}

func (s *MongoStore) SaveUser(ctx context.Context, user User) (User, error) {
	defer metrics.MeasureDBQuery(s.metrics, "save_user", "mongodb")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	now := time.Now()
	user.UpdatedAt = now

	var existing User
	err := s.users.FindOne(ctx, bson.M{"user_id": user.UserID}).Decode(&existing)
	switch {
	case err == mongo.ErrNoDocuments:
		id, idErr := s.nextID(ctx, "users")
		if idErr != nil {
			return User{}, idErr
		}
		user.ID = id
		user.CreatedAt = now
		if _, err := s.users.InsertOne(ctx, user); err != nil {
			return User{}, fmt.Errorf("insert user: %w", err)
		}
	case err != nil:
		return User{}, fmt.Errorf("lookup user: %w", err)
	default:
		user.ID = existing.ID
		user.CreatedAt = existing.CreatedAt
		if _, err := s.users.ReplaceOne(ctx, bson.M{"user_id": user.UserID}, user); err != nil {
			return User{}, fmt.Errorf("replace user: %w", err)
		}
	}
	return user, nil
}

func (s *MongoStore) ListUsers(ctx context.Context) ([]User, error) {
	defer metrics.MeasureDBQuery(s.metrics, "list_users", "mongodb")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	cur, err := s.users.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer cur.Close(ctx)

	var out []User
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode users: %w", err)
	}
	return out, nil
}

// --- Tariffs ---

func (s *MongoStore) GetTariff(ctx context.Context, id int64) (Tariff, error) {
	defer metrics.MeasureDBQuery(s.metrics, "get_tariff", "mongodb")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var t Tariff
	err := s.tariffs.FindOne(ctx, bson.M{"id": id}).Decode(&t)
	if err != nil {
		return Tariff{}, mapNotFound(err)
	}
	return t, nil
}

func (s *MongoStore) GetTariffByName(ctx context.Context, name string) (Tariff, error) {
	defer metrics.MeasureDBQuery(s.metrics, "get_tariff_by_name", "mongodb")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	// Strength 2 collation makes the name match case-insensitive.
	opts := options.FindOne().SetCollation(&options.Collation{Locale: "en", Strength: 2})
	var t Tariff
	err := s.tariffs.FindOne(ctx, bson.M{"name": name}, opts).Decode(&t)
	if err != nil {
		return Tariff{}, mapNotFound(err)
	}
	return t, nil
}

func (s *MongoStore) ListTariffs(ctx context.Context) ([]Tariff, error) {
	defer metrics.MeasureDBQuery(s.metrics, "list_tariffs", "mongodb")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	cur, err := s.tariffs.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list tariffs: %w", err)
	}
	defer cur.Close(ctx)

	var out []Tariff
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode tariffs: %w", err)
	}
	return out, nil
}

func (s *MongoStore) SaveTariff(ctx context.Context, tariff Tariff) (Tariff, error) {
	defer metrics.MeasureDBQuery(s.metrics, "save_tariff", "mongodb")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	now := time.Now()
	tariff.UpdatedAt = now

	var existing Tariff
	err := s.tariffs.FindOne(ctx, bson.M{"name": tariff.Name}).Decode(&existing)
	switch {
	case err == mongo.ErrNoDocuments:
		id, idErr := s.nextID(ctx, "tariffs")
		if idErr != nil {
			return Tariff{}, idErr
		}
		tariff.ID = id
		tariff.CreatedAt = now
		if _, err := s.tariffs.InsertOne(ctx, tariff); err != nil {
			return Tariff{}, fmt.Errorf("insert tariff: %w", err)
		}
	case err != nil:
		return Tariff{}, fmt.Errorf("lookup tariff: %w", err)
	default:
		tariff.ID = existing.ID
		tariff.CreatedAt = existing.CreatedAt
		if _, err := s.tariffs.ReplaceOne(ctx, bson.M{"name": tariff.Name}, tariff); err != nil {
			return Tariff{}, fmt.Errorf("replace tariff: %w", err)
		}
	}
	return tariff, nil
}

// --- Profiles ---

func (s *MongoStore) GetProfile(ctx context.Context, username string) (InstagramProfile, error) {
	defer metrics.MeasureDBQuery(s.metrics, "get_profile", "mongodb")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var p InstagramProfile
	err := s.profiles.FindOne(ctx, bson.M{"username": strings.ToLower(username)}).Decode(&p)
	if err != nil {
		return InstagramProfile{}, mapNotFound(err)
	}
	return p, nil
}

func (s *MongoStore) UpsertProfile(ctx context.Context, profile InstagramProfile) (InstagramProfile, error) {
	defer metrics.MeasureDBQuery(s.metrics, "upsert_profile", "mongodb")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	now := time.Now()
	profile.Username = strings.ToLower(profile.Username)
	profile.LastScraped = now
	profile.IsDataFresh = true
	profile.UpdatedAt = now
	if profile.ParsingStatus == "" {
		profile.ParsingStatus = ParseCompleted
	}

	var existing InstagramProfile
	err := s.profiles.FindOne(ctx, bson.M{"username": profile.Username}).Decode(&existing)
	switch {
	case err == mongo.ErrNoDocuments:
		id, idErr := s.nextID(ctx, "instagram_profiles")
		if idErr != nil {
			return InstagramProfile{}, idErr
		}
		profile.ID = id
		profile.ScrapeCount = 1
		profile.CreatedAt = now
		if _, err := s.profiles.InsertOne(ctx, profile); err != nil {
			return InstagramProfile{}, fmt.Errorf("insert profile: %w", err)
		}
	case err != nil:
		return InstagramProfile{}, fmt.Errorf("lookup profile: %w", err)
	default:
		profile.ID = existing.ID
		profile.ScrapeCount = existing.ScrapeCount + 1
		profile.CreatedAt = existing.CreatedAt
		profile.FollowersParsedAt = existing.FollowersParsedAt
		profile.FollowingsParsedAt = existing.FollowingsParsedAt
		if _, err := s.profiles.ReplaceOne(ctx, bson.M{"username": profile.Username}, profile); err != nil {
			return InstagramProfile{}, fmt.Errorf("replace profile: %w", err)
		}
	}
	return profile, nil
}

func (s *MongoStore) MarkProfileStale(ctx context.Context, username string) error {
	defer metrics.MeasureDBQuery(s.metrics, "mark_profile_stale", "mongodb")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	res, err := s.profiles.UpdateOne(ctx,
		bson.M{"username": strings.ToLower(username)},
		bson.M{"$set": bson.M{"is_data_fresh": false, "updated_at": time.Now()}})
	if err != nil {
		return fmt.Errorf("mark profile stale: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) SetParseStatus(ctx context.Context, username string, status ParseStatus, taskID string) error {
	defer metrics.MeasureDBQuery(s.metrics, "set_parse_status", "mongodb")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	now := time.Now()
	set := bson.M{"parsing_status": string(status), "updated_at": now}
	if taskID != "" {
		set["parse_task_id"] = taskID
	}
	if status == ParseCompleted {
		set["followers_parsed_at"] = now
		set["followings_parsed_at"] = now
	}

	res, err := s.profiles.UpdateOne(ctx,
		bson.M{"username": strings.ToLower(username)}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("set parse status: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Followers ---

func (s *MongoStore) ReplaceFollowers(ctx context.Context, profileID int64, followers []InstagramFollower) error {
	defer metrics.MeasureDBQuery(s.metrics, "replace_followers", "mongodb")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	if _, err := s.followers.DeleteMany(ctx, bson.M{"profile_id": profileID}); err != nil {
		return fmt.Errorf("clear followers: %w", err)
	}

	now := time.Now()
	seen := make(map[string]bool, len(followers))
	docs := make([]interface{}, 0, len(followers))
	for _, f := range followers {
		if f.FollowerPK == "" || seen[f.FollowerPK] {
			continue
		}
		seen[f.FollowerPK] = true

		id, err := s.nextID(ctx, "instagram_followers")
		if err != nil {
			return err
		}
		f.ID = id
		f.ProfileID = profileID
		f.CreatedAt = now
		f.UpdatedAt = now
		docs = append(docs, f)
	}
	if len(docs) == 0 {
		return nil
	}

	if _, err := s.followers.InsertMany(ctx, docs); err != nil {
		return fmt.Errorf("insert followers: %w", err)
	}
	return nil
}

func (s *MongoStore) ListFollowers(ctx context.Context, profileID int64) ([]InstagramFollower, error) {
	defer metrics.MeasureDBQuery(s.metrics, "list_followers", "mongodb")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	cur, err := s.followers.Find(ctx, bson.M{"profile_id": profileID},
		options.Find().SetSort(bson.D{{Key: "id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list followers: %w", err)
	}
	defer cur.Close(ctx)

	var out []InstagramFollower
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode followers: %w", err)
	}
	return out, nil
}

// --- Payments ---

func (s *MongoStore) CreatePayment(ctx context.Context, payment Payment) (Payment, error) {
	defer metrics.MeasureDBQuery(s.metrics, "create_payment", "mongodb")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	id, err := s.nextID(ctx, "payments")
	if err != nil {
		return Payment{}, err
	}
	payment.ID = id
	if payment.Currency == "" {
		payment.Currency = "RUB"
	}
	if payment.PaymentMethod == "" {
		payment.PaymentMethod = "cloudpayments"
	}
	if payment.Status == "" {
		payment.Status = PaymentPending
	}
	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = time.Now()
	}

	if _, err := s.payments.InsertOne(ctx, payment); err != nil {
		return Payment{}, fmt.Errorf("insert payment: %w", err)
	}
	return payment, nil
}

func (s *MongoStore) UpdatePayment(ctx context.Context, payment Payment) error {
	defer metrics.MeasureDBQuery(s.metrics, "update_payment", "mongodb")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	res, err := s.payments.ReplaceOne(ctx, bson.M{"id": payment.ID}, payment)
	if err != nil {
		return fmt.Errorf("update payment: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) GetPaymentByTransactionID(ctx context.Context, transactionID string) (Payment, error) {
	defer metrics.MeasureDBQuery(s.metrics, "get_payment_by_transaction_i_d", "mongodb")()
	if transactionID == "" {
		return Payment{}, ErrNotFound
	}
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	filter := bson.M{"$or": []bson.M{
		{"transaction_id": transactionID},
		{"cloudpayments_transaction_id": transactionID},
	}}
	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}})

	var p Payment
	err := s.payments.FindOne(ctx, filter, opts).Decode(&p)
	if err != nil {
		return Payment{}, mapNotFound(err)
	}
	return p, nil
}

func (s *MongoStore) ListPaymentsByUser(ctx context.Context, userID string) ([]Payment, error) {
	defer metrics.MeasureDBQuery(s.metrics, "list_payments_by_user", "mongodb")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	cur, err := s.payments.Find(ctx, bson.M{"user_id": userID},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}))
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer cur.Close(ctx)

	var out []Payment
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode payments: %w", err)
	}
	return out, nil
}

func (s *MongoStore) LatestCardToken(ctx context.Context, userID string) (Payment, error) {
	defer metrics.MeasureDBQuery(s.metrics, "latest_card_token", "mongodb")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	filter := bson.M{
		"user_id":    userID,
		"status":     string(PaymentCompleted),
		"card_token": bson.M{"$nin": bson.A{"", nil}},
	}
	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}})

	var p Payment
	err := s.payments.FindOne(ctx, filter, opts).Decode(&p)
	if err != nil {
		return Payment{}, mapNotFound(err)
	}
	return p, nil
}

// --- Subscriptions ---

func (s *MongoStore) CreateSubscription(ctx context.Context, sub Subscription) (Subscription, error) {
	defer metrics.MeasureDBQuery(s.metrics, "create_subscription", "mongodb")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	id, err := s.nextID(ctx, "subscription_history")
	if err != nil {
		return Subscription{}, err
	}
	sub.ID = id
	if sub.Status == "" {
		sub.Status = SubscriptionActive
	}
	now := time.Now()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now

	if _, err := s.subscriptions.InsertOne(ctx, sub); err != nil {
		return Subscription{}, fmt.Errorf("insert subscription: %w", err)
	}
	return sub, nil
}

func (s *MongoStore) UpdateSubscription(ctx context.Context, sub Subscription) error {
	defer metrics.MeasureDBQuery(s.metrics, "update_subscription", "mongodb")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	sub.UpdatedAt = time.Now()
	res, err := s.subscriptions.ReplaceOne(ctx, bson.M{"id": sub.ID}, sub)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) GetSubscription(ctx context.Context, id int64) (Subscription, error) {
	defer metrics.MeasureDBQuery(s.metrics, "get_subscription", "mongodb")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var sub Subscription
	err := s.subscriptions.FindOne(ctx, bson.M{"id": id}).Decode(&sub)
	if err != nil {
		return Subscription{}, mapNotFound(err)
	}
	return sub, nil
}

func (s *MongoStore) ActiveSubscription(ctx context.Context, userID string) (Subscription, error) {
	defer metrics.MeasureDBQuery(s.metrics, "active_subscription", "mongodb")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	filter := bson.M{
		"user_id": userID,
		"status":  bson.M{"$in": bson.A{string(SubscriptionActive), string(SubscriptionPaused)}},
	}
	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}})

	var sub Subscription
	err := s.subscriptions.FindOne(ctx, filter, opts).Decode(&sub)
	if err != nil {
		return Subscription{}, mapNotFound(err)
	}
	return sub, nil
}

func (s *MongoStore) DueSubscriptions(ctx context.Context, now time.Time) ([]Subscription, error) {
	defer metrics.MeasureDBQuery(s.metrics, "due_subscriptions", "mongodb")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	filter := bson.M{
		"status":            string(SubscriptionActive),
		"auto_renewal":      true,
		"next_payment_date": bson.M{"$ne": nil, "$lte": now},
	}
	cur, err := s.subscriptions.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("due subscriptions: %w", err)
	}
	defer cur.Close(ctx)

	var out []Subscription
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode subscriptions: %w", err)
	}
	return out, nil
}

func (s *MongoStore) PausedSubscriptionsBefore(ctx context.Context, cutoff time.Time) ([]Subscription, error) {
	defer metrics.MeasureDBQuery(s.metrics, "paused_subscriptions_before", "mongodb")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	filter := bson.M{
		"status":    string(SubscriptionPaused),
		"paused_at": bson.M{"$ne": nil, "$lte": cutoff},
	}
	cur, err := s.subscriptions.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("paused subscriptions: %w", err)
	}
	defer cur.Close(ctx)

	var out []Subscription
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode subscriptions: %w", err)
	}
	return out, nil
}

// --- Activity ---

func (s *MongoStore) RecordActivity(ctx context.Context, activity UserActivity) error {
	defer metrics.MeasureDBQuery(s.metrics, "record_activity", "mongodb")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	id, err := s.nextID(ctx, "user_activities")
	if err != nil {
		return err
	}
	activity.ID = id
	if activity.Timestamp.IsZero() {
		activity.Timestamp = time.Now()
	}

	if _, err := s.activities.InsertOne(ctx, activity); err != nil {
		return fmt.Errorf("record activity: %w", err)
	}
	return nil
}

func (s *MongoStore) CountActivities(ctx context.Context, userID string, since time.Time) (map[string]int, error) {
	defer metrics.MeasureDBQuery(s.metrics, "count_activities", "mongodb")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"user_id": userID, "timestamp": bson.M{"$gte": since}}}},
		{{Key: "$group", Value: bson.M{"_id": "$activity_type", "count": bson.M{"$sum": 1}}}},
	}
	cur, err := s.activities.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("count activities: %w", err)
	}
	defer cur.Close(ctx)

	out := make(map[string]int)
	for cur.Next(ctx) {
		var row struct {
			Type  string `bson:"_id"`
			Count int    `bson:"count"`
		}
		if err := cur.Decode(&row); err != nil {
			return nil, fmt.Errorf("decode activity count: %w", err)
		}
		out[row.Type] = row.Count
	}
	return out, cur.Err()
}

// --- Notifications ---

func (s *MongoStore) CreateNotifications(ctx context.Context, items []NotificationSchedule) error {
	defer metrics.MeasureDBQuery(s.metrics, "create_notifications", "mongodb")()
	if len(items) == 0 {
		return nil
	}
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	now := time.Now()
	docs := make([]interface{}, 0, len(items))
	for _, item := range items {
		id, err := s.nextID(ctx, "notification_schedules")
		if err != nil {
			return err
		}
		item.ID = id
		item.CreatedAt = now
		docs = append(docs, item)
	}

	if _, err := s.notifications.InsertMany(ctx, docs); err != nil {
		return fmt.Errorf("insert notifications: %w", err)
	}
	return nil
}

func (s *MongoStore) DueNotifications(ctx context.Context, now time.Time, maxRetries int) ([]NotificationSchedule, error) {
	defer metrics.MeasureDBQuery(s.metrics, "due_notifications", "mongodb")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	filter := bson.M{
		"sent":           false,
		"scheduled_time": bson.M{"$lte": now},
		"retry_count":    bson.M{"$lt": maxRetries},
	}
	cur, err := s.notifications.Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "scheduled_time", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("due notifications: %w", err)
	}
	defer cur.Close(ctx)

	var out []NotificationSchedule
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode notifications: %w", err)
	}
	return out, nil
}

func (s *MongoStore) MarkNotificationSent(ctx context.Context, id int64) error {
	defer metrics.MeasureDBQuery(s.metrics, "mark_notification_sent", "mongodb")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	now := time.Now()
	res, err := s.notifications.UpdateOne(ctx, bson.M{"id": id},
		bson.M{"$set": bson.M{"sent": true, "sent_at": now}})
	if err != nil {
		return fmt.Errorf("mark notification sent: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) MarkNotificationFailed(ctx context.Context, id int64, errorMessage string) error {
	defer metrics.MeasureDBQuery(s.metrics, "mark_notification_failed", "mongodb")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	res, err := s.notifications.UpdateOne(ctx, bson.M{"id": id}, bson.M{
		"$inc": bson.M{"retry_count": 1},
		"$set": bson.M{"error_message": errorMessage},
	})
	if err != nil {
		return fmt.Errorf("mark notification failed: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) DeletePendingNotifications(ctx context.Context, userID string) (int64, error) {
	defer metrics.MeasureDBQuery(s.metrics, "delete_pending_notifications", "mongodb")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	res, err := s.notifications.DeleteMany(ctx, bson.M{"user_id": userID, "sent": false})
	if err != nil {
		return 0, fmt.Errorf("delete pending notifications: %w", err)
	}
	return res.DeletedCount, nil
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
