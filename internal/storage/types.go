package storage

import (
	"encoding/json"
	"time"
)

// SubscriptionStatus tracks the lifecycle of one subscription record.
type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionPaused    SubscriptionStatus = "paused"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
	SubscriptionExpired   SubscriptionStatus = "expired"
)

// PaymentStatus tracks a single charge.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
	PaymentRefunded  PaymentStatus = "refunded"
)

// ParseStatus tracks the deep-scrape state of a cached profile.
type ParseStatus string

const (
	ParsePending    ParseStatus = "pending"
	ParseProcessing ParseStatus = "processing"
	ParseCompleted  ParseStatus = "completed"
	ParseFailed     ParseStatus = "failed"
)

// User is a service account, keyed by the external user_id (Telegram id).
type User struct {
	ID     int64  `json:"id" bson:"id"`
	UserID string `json:"user_id" bson:"user_id"`

	FirstName        string `json:"first_name,omitempty" bson:"first_name,omitempty"`
	LastName         string `json:"last_name,omitempty" bson:"last_name,omitempty"`
	TelegramUsername string `json:"telegram_username,omitempty" bson:"telegram_username,omitempty"`

	IsPaid            bool       `json:"is_paid" bson:"is_paid"`
	CurrentTariffID   *int64     `json:"current_tariff_id,omitempty" bson:"current_tariff_id,omitempty"`
	SubscriptionStart *time.Time `json:"subscription_start,omitempty" bson:"subscription_start,omitempty"`
	SubscriptionEnd   *time.Time `json:"subscription_end,omitempty" bson:"subscription_end,omitempty"`
	IsActive          bool       `json:"is_active" bson:"is_active"`

	LastLogin         *time.Time `json:"last_login,omitempty" bson:"last_login,omitempty"`
	TotalRequests     int        `json:"total_requests" bson:"total_requests"`
	RemainingRequests int        `json:"remaining_requests" bson:"remaining_requests"`

	CreatedAt time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
}

// Tariff is a billing plan. DurationDays is nil for combo (request-quota)
// plans; RequestsCount is nil for time-window plans.
type Tariff struct {
	ID   int64  `json:"id" bson:"id"`
	Name string `json:"name" bson:"name"`

	Price         float64 `json:"price" bson:"price"`
	DurationDays  *int    `json:"duration_days,omitempty" bson:"duration_days,omitempty"`
	RequestsCount *int    `json:"requests_count,omitempty" bson:"requests_count,omitempty"`

	Subtitle string   `json:"subtitle,omitempty" bson:"subtitle,omitempty"`
	Features []string `json:"features,omitempty" bson:"features,omitempty"`

	IsActive    bool `json:"is_active" bson:"is_active"`
	IsDemo      bool `json:"is_demo" bson:"is_demo"`
	AutoRenewal bool `json:"auto_renewal" bson:"auto_renewal"`

	NextTariffID    *int64   `json:"next_tariff_id,omitempty" bson:"next_tariff_id,omitempty"`
	NextTariffPrice *float64 `json:"next_tariff_price,omitempty" bson:"next_tariff_price,omitempty"`

	CreatedAt time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
}

// InstagramProfile is one cached scrape result. The JSON document columns
// carry whatever shape the scrape produced; the store does not interpret
// them.
type InstagramProfile struct {
	ID       int64  `json:"id" bson:"id"`
	Username string `json:"username" bson:"username"`

	FullName    string `json:"full_name,omitempty" bson:"full_name,omitempty"`
	Biography   string `json:"biography,omitempty" bson:"biography,omitempty"`
	ExternalURL string `json:"external_url,omitempty" bson:"external_url,omitempty"`

	FollowersCount int64 `json:"followers_count" bson:"followers_count"`
	FollowingCount int64 `json:"following_count" bson:"following_count"`
	PostsCount     int64 `json:"posts_count" bson:"posts_count"`

	IsVerified bool `json:"is_verified" bson:"is_verified"`
	IsPrivate  bool `json:"is_private" bson:"is_private"`
	IsBusiness bool `json:"is_business" bson:"is_business"`

	AnalyticsData json.RawMessage `json:"analytics_data,omitempty" bson:"analytics_data,omitempty"`
	PostsData     json.RawMessage `json:"posts_data,omitempty" bson:"posts_data,omitempty"`
	StatsData     json.RawMessage `json:"stats_data,omitempty" bson:"stats_data,omitempty"`
	CommentsData  json.RawMessage `json:"comments_data,omitempty" bson:"comments_data,omitempty"`

	ProfilePicURL string    `json:"profile_pic_url,omitempty" bson:"profile_pic_url,omitempty"`
	LastScraped   time.Time `json:"last_scraped" bson:"last_scraped"`
	ScrapeCount   int       `json:"scrape_count" bson:"scrape_count"`
	IsDataFresh   bool      `json:"is_data_fresh" bson:"is_data_fresh"`

	ParsingStatus      ParseStatus `json:"parsing_status" bson:"parsing_status"`
	ParseTaskID        string      `json:"parse_task_id,omitempty" bson:"parse_task_id,omitempty"`
	FollowersParsedAt  *time.Time  `json:"followers_parsed_at,omitempty" bson:"followers_parsed_at,omitempty"`
	FollowingsParsedAt *time.Time  `json:"followings_parsed_at,omitempty" bson:"followings_parsed_at,omitempty"`

	CreatedAt time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
}

// InstagramFollower is one follower row attached to a cached profile.
// (profile_id, follower_pk) is unique.
type InstagramFollower struct {
	ID        int64 `json:"id" bson:"id"`
	ProfileID int64 `json:"profile_id" bson:"profile_id"`

	FollowerPK         string `json:"follower_pk" bson:"follower_pk"`
	Username           string `json:"username" bson:"username"`
	FullName           string `json:"full_name,omitempty" bson:"full_name,omitempty"`
	ProfilePicURL      string `json:"profile_pic_url,omitempty" bson:"profile_pic_url,omitempty"`
	ProfilePicURLLocal string `json:"profile_pic_url_local,omitempty" bson:"profile_pic_url_local,omitempty"`

	IsVerified                 bool `json:"is_verified" bson:"is_verified"`
	IsPrivate                  bool `json:"is_private" bson:"is_private"`
	HasAnonymousProfilePicture bool `json:"has_anonymous_profile_picture" bson:"has_anonymous_profile_picture"`

	FBIDV2                     string `json:"fbid_v2,omitempty" bson:"fbid_v2,omitempty"`
	ThirdPartyDownloadsEnabled bool   `json:"third_party_downloads_enabled" bson:"third_party_downloads_enabled"`
	LatestReelMedia            string `json:"latest_reel_media,omitempty" bson:"latest_reel_media,omitempty"`

	CreatedAt time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
}

// Payment is one charge attempt, successful or not.
type Payment struct {
	ID       int64  `json:"id" bson:"id"`
	UserID   string `json:"user_id" bson:"user_id"`
	TariffID int64  `json:"tariff_id" bson:"tariff_id"`

	Amount        float64       `json:"amount" bson:"amount"`
	Currency      string        `json:"currency" bson:"currency"`
	PaymentMethod string        `json:"payment_method" bson:"payment_method"`
	Status        PaymentStatus `json:"status" bson:"status"`
	TransactionID string        `json:"transaction_id,omitempty" bson:"transaction_id,omitempty"`

	GatewayTransactionID string `json:"cloudpayments_transaction_id,omitempty" bson:"cloudpayments_transaction_id,omitempty"`
	GatewayInvoiceID     string `json:"cloudpayments_invoice_id,omitempty" bson:"cloudpayments_invoice_id,omitempty"`
	CardToken            string `json:"card_token,omitempty" bson:"card_token,omitempty"`

	CardFirstSix string `json:"card_first_six,omitempty" bson:"card_first_six,omitempty"`
	CardLastFour string `json:"card_last_four,omitempty" bson:"card_last_four,omitempty"`
	CardType     string `json:"card_type,omitempty" bson:"card_type,omitempty"`

	IsRecurrent    bool   `json:"is_recurrent" bson:"is_recurrent"`
	SubscriptionID string `json:"subscription_id,omitempty" bson:"subscription_id,omitempty"`

	CreatedAt time.Time  `json:"created_at" bson:"created_at"`
	PaidAt    *time.Time `json:"paid_at,omitempty" bson:"paid_at,omitempty"`
}

// Subscription is one subscription-history record. PausedAt is stamped
// when the record enters the paused state and cleared on resume;
// LastPaymentAttempt only ever records charge attempts.
type Subscription struct {
	ID       int64  `json:"id" bson:"id"`
	UserID   string `json:"user_id" bson:"user_id"`
	TariffID int64  `json:"tariff_id" bson:"tariff_id"`

	StartDate time.Time  `json:"start_date" bson:"start_date"`
	EndDate   *time.Time `json:"end_date,omitempty" bson:"end_date,omitempty"`

	Status        SubscriptionStatus `json:"status" bson:"status"`
	PauseDaysUsed int                `json:"pause_days_used" bson:"pause_days_used"`
	PausedAt      *time.Time         `json:"paused_at,omitempty" bson:"paused_at,omitempty"`

	GatewaySubscriptionID string `json:"cloudpayments_subscription_id,omitempty" bson:"cloudpayments_subscription_id,omitempty"`
	CardToken             string `json:"card_token,omitempty" bson:"card_token,omitempty"`
	AutoRenewal           bool   `json:"auto_renewal" bson:"auto_renewal"`

	FailedAttempts     int        `json:"failed_attempts" bson:"failed_attempts"`
	LastPaymentAttempt *time.Time `json:"last_payment_attempt,omitempty" bson:"last_payment_attempt,omitempty"`
	NextPaymentDate    *time.Time `json:"next_payment_date,omitempty" bson:"next_payment_date,omitempty"`

	OriginalTariffID  *int64 `json:"original_tariff_id,omitempty" bson:"original_tariff_id,omitempty"`
	DowngradeAttempts int    `json:"downgrade_attempts" bson:"downgrade_attempts"`

	CreatedAt time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
}

// UserActivity is one recorded user action, used to anchor warming
// notification schedules.
type UserActivity struct {
	ID           int64           `json:"id" bson:"id"`
	UserID       string          `json:"user_id" bson:"user_id"`
	ActivityType string          `json:"activity_type" bson:"activity_type"`
	Timestamp    time.Time       `json:"timestamp" bson:"timestamp"`
	ExtraData    json.RawMessage `json:"extra_data,omitempty" bson:"extra_data,omitempty"`
}

// NotificationSchedule is one planned warming notification.
type NotificationSchedule struct {
	ID     int64  `json:"id" bson:"id"`
	UserID string `json:"user_id" bson:"user_id"`

	NotificationType string    `json:"notification_type" bson:"notification_type"`
	ScheduledTime    time.Time `json:"scheduled_time" bson:"scheduled_time"`

	Sent   bool       `json:"sent" bson:"sent"`
	SentAt *time.Time `json:"sent_at,omitempty" bson:"sent_at,omitempty"`

	ProfileUsername string `json:"profile_username,omitempty" bson:"profile_username,omitempty"`
	MessageText     string `json:"message_text,omitempty" bson:"message_text,omitempty"`
	ButtonText      string `json:"button_text,omitempty" bson:"button_text,omitempty"`
	ButtonURL       string `json:"button_url,omitempty" bson:"button_url,omitempty"`

	ErrorMessage string `json:"error_message,omitempty" bson:"error_message,omitempty"`
	RetryCount   int    `json:"retry_count" bson:"retry_count"`

	CreatedAt time.Time `json:"created_at" bson:"created_at"`
}
