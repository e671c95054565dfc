package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/instarding/server/internal/config"
	"github.com/instarding/server/internal/metrics"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db      *sql.DB
	ownsDB  bool // whether we created the connection (vs. shared)
	metrics *metrics.Metrics
}

// NewPostgresStore creates a PostgreSQL store with its own connection pool.
func NewPostgresStore(connStr string, pool config.PostgresPoolConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	config.ApplyPostgresPoolSettings(db, pool)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &PostgresStore{db: db, ownsDB: true}
	if err := store.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return store, nil
}

// NewPostgresStoreWithDB creates a store over a shared connection pool.
func NewPostgresStoreWithDB(db *sql.DB) (*PostgresStore, error) {
	store := &PostgresStore{db: db, ownsDB: false}
	if err := store.createTables(); err != nil {
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return store, nil
}

func (s *PostgresStore) createTables() error {
	query := `
		CREATE TABLE IF NOT EXISTS users (
			id                 BIGSERIAL PRIMARY KEY,
			user_id            TEXT UNIQUE NOT NULL,
			first_name         TEXT,
			last_name          TEXT,
			telegram_username  TEXT,
			is_paid            BOOLEAN NOT NULL DEFAULT FALSE,
			current_tariff_id  BIGINT,
			subscription_start TIMESTAMPTZ,
			subscription_end   TIMESTAMPTZ,
			is_active          BOOLEAN NOT NULL DEFAULT TRUE,
			last_login         TIMESTAMPTZ,
			total_requests     INTEGER NOT NULL DEFAULT 0,
			remaining_requests INTEGER NOT NULL DEFAULT 0,
			created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS tariffs (
			id                BIGSERIAL PRIMARY KEY,
			name              TEXT UNIQUE NOT NULL,
			price             DOUBLE PRECISION NOT NULL,
			duration_days     INTEGER,
			requests_count    INTEGER,
			subtitle          TEXT,
			features          JSONB,
			is_active         BOOLEAN NOT NULL DEFAULT TRUE,
			is_demo           BOOLEAN NOT NULL DEFAULT FALSE,
			auto_renewal      BOOLEAN NOT NULL DEFAULT FALSE,
			next_tariff_id    BIGINT,
			next_tariff_price DOUBLE PRECISION,
			created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS instagram_profiles (
			id                   BIGSERIAL PRIMARY KEY,
			username             TEXT UNIQUE NOT NULL,
			full_name            TEXT,
			biography            TEXT,
			external_url         TEXT,
			followers_count      BIGINT NOT NULL DEFAULT 0,
			following_count      BIGINT NOT NULL DEFAULT 0,
			posts_count          BIGINT NOT NULL DEFAULT 0,
			is_verified          BOOLEAN NOT NULL DEFAULT FALSE,
			is_private           BOOLEAN NOT NULL DEFAULT FALSE,
			is_business          BOOLEAN NOT NULL DEFAULT FALSE,
			analytics_data       JSONB,
			posts_data           JSONB,
			stats_data           JSONB,
			comments_data        JSONB,
			profile_pic_url      TEXT,
			last_scraped         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			scrape_count         INTEGER NOT NULL DEFAULT 1,
			is_data_fresh        BOOLEAN NOT NULL DEFAULT TRUE,
			parsing_status       TEXT NOT NULL DEFAULT 'completed',
			parse_task_id        TEXT,
			followers_parsed_at  TIMESTAMPTZ,
			followings_parsed_at TIMESTAMPTZ,
			created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS instagram_followers (
			id                            BIGSERIAL PRIMARY KEY,
			profile_id                    BIGINT NOT NULL REFERENCES instagram_profiles(id) ON DELETE CASCADE,
			follower_pk                   TEXT NOT NULL,
			username                      TEXT NOT NULL,
			full_name                     TEXT,
			profile_pic_url               TEXT,
			profile_pic_url_local         TEXT,
			is_verified                   BOOLEAN NOT NULL DEFAULT FALSE,
			is_private                    BOOLEAN NOT NULL DEFAULT FALSE,
			has_anonymous_profile_picture BOOLEAN NOT NULL DEFAULT FALSE,
			fbid_v2                       TEXT,
			third_party_downloads_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			latest_reel_media             TEXT,
			created_at                    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at                    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (profile_id, follower_pk)
		);

		CREATE TABLE IF NOT EXISTS payments (
			id                           BIGSERIAL PRIMARY KEY,
			user_id                      TEXT NOT NULL,
			tariff_id                    BIGINT NOT NULL,
			amount                       DOUBLE PRECISION NOT NULL,
			currency                     TEXT NOT NULL DEFAULT 'RUB',
			payment_method               TEXT NOT NULL DEFAULT 'cloudpayments',
			status                       TEXT NOT NULL DEFAULT 'pending',
			transaction_id               TEXT,
			cloudpayments_transaction_id TEXT,
			cloudpayments_invoice_id     TEXT,
			card_token                   TEXT,
			card_first_six               TEXT,
			card_last_four               TEXT,
			card_type                    TEXT,
			is_recurrent                 BOOLEAN NOT NULL DEFAULT FALSE,
			subscription_id              TEXT,
			created_at                   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			paid_at                      TIMESTAMPTZ
		);

		CREATE TABLE IF NOT EXISTS subscription_history (
			id                            BIGSERIAL PRIMARY KEY,
			user_id                       TEXT NOT NULL,
			tariff_id                     BIGINT NOT NULL,
			start_date                    TIMESTAMPTZ NOT NULL,
			end_date                      TIMESTAMPTZ,
			status                        TEXT NOT NULL DEFAULT 'active',
			pause_days_used               INTEGER NOT NULL DEFAULT 0,
			paused_at                     TIMESTAMPTZ,
			cloudpayments_subscription_id TEXT,
			card_token                    TEXT,
			auto_renewal                  BOOLEAN NOT NULL DEFAULT FALSE,
			failed_attempts               INTEGER NOT NULL DEFAULT 0,
			last_payment_attempt          TIMESTAMPTZ,
			next_payment_date             TIMESTAMPTZ,
			original_tariff_id            BIGINT,
			downgrade_attempts            INTEGER NOT NULL DEFAULT 0,
			created_at                    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at                    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS user_activities (
			id            BIGSERIAL PRIMARY KEY,
			user_id       TEXT NOT NULL,
			activity_type TEXT NOT NULL,
			timestamp     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			extra_data    JSONB
		);

		CREATE TABLE IF NOT EXISTS notification_schedules (
			id                BIGSERIAL PRIMARY KEY,
			user_id           TEXT NOT NULL,
			notification_type TEXT NOT NULL,
			scheduled_time    TIMESTAMPTZ NOT NULL,
			sent              BOOLEAN NOT NULL DEFAULT FALSE,
			sent_at           TIMESTAMPTZ,
			profile_username  TEXT,
			message_text      TEXT,
			button_text       TEXT,
			button_url        TEXT,
			error_message     TEXT,
			retry_count       INTEGER NOT NULL DEFAULT 0,
			created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_payments_user ON payments(user_id);
		CREATE INDEX IF NOT EXISTS idx_payments_txn ON payments(transaction_id) WHERE transaction_id IS NOT NULL;
		CREATE INDEX IF NOT EXISTS idx_subs_user ON subscription_history(user_id);
		CREATE INDEX IF NOT EXISTS idx_subs_due ON subscription_history(next_payment_date) WHERE status = 'active';
		CREATE INDEX IF NOT EXISTS idx_subs_paused ON subscription_history(paused_at) WHERE status = 'paused';
		CREATE INDEX IF NOT EXISTS idx_activities_user ON user_activities(user_id, timestamp);
		CREATE INDEX IF NOT EXISTS idx_notifications_due ON notification_schedules(scheduled_time) WHERE sent = FALSE;
	`
	_, err := s.db.Exec(query)
	return err
}

// nullString converts an empty string to a SQL NULL.
func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

// nullTime converts a nil time pointer to a SQL NULL.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func intPtr(ni sql.NullInt64) *int {
	if !ni.Valid {
		return nil
	}
	v := int(ni.Int64)
	return &v
}

func floatPtr(nf sql.NullFloat64) *float64 {
	if !nf.Valid {
		return nil
	}
	v := nf.Float64
	return &v
}

// --- Users ---

const userColumns = `id, user_id, first_name, last_name, telegram_username, is_paid,
	current_tariff_id, subscription_start, subscription_end, is_active, last_login,
	total_requests, remaining_requests, created_at, updated_at`

func scanUser(row interface{ Scan(...interface{}) error }) (User, error) {
	var u User
	var firstName, lastName, tgUsername sql.NullString
	var tariffID sql.NullInt64
	var subStart, subEnd, lastLogin sql.NullTime

	err := row.Scan(&u.ID, &u.UserID, &firstName, &lastName, &tgUsername, &u.IsPaid,
		&tariffID, &subStart, &subEnd, &u.IsActive, &lastLogin,
		&u.TotalRequests, &u.RemainingRequests, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return User{}, err
	}

	u.FirstName = firstName.String
	u.LastName = lastName.String
	u.TelegramUsername = tgUsername.String
	u.CurrentTariffID = int64Ptr(tariffID)
	u.SubscriptionStart = timePtr(subStart)
	u.SubscriptionEnd = timePtr(subEnd)
	u.LastLogin = timePtr(lastLogin)
	return u, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, userID string) (User, error) {
	defer metrics.MeasureDBQuery(s.metrics, "get_user", "postgres")()
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE user_id = $1`, userID)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (s *PostgresStore) SaveUser(ctx context.Context, user User) (User, error) {
	defer metrics.MeasureDBQuery(s.metrics, "save_user", "postgres")()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO users (user_id, first_name, last_name, telegram_username, is_paid,
			current_tariff_id, subscription_start, subscription_end, is_active, last_login,
			total_requests, remaining_requests)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (user_id) DO UPDATE SET
			first_name = EXCLUDED.first_name,
			last_name = EXCLUDED.last_name,
			telegram_username = EXCLUDED.telegram_username,
			is_paid = EXCLUDED.is_paid,
			current_tariff_id = EXCLUDED.current_tariff_id,
			subscription_start = EXCLUDED.subscription_start,
			subscription_end = EXCLUDED.subscription_end,
			is_active = EXCLUDED.is_active,
			last_login = EXCLUDED.last_login,
			total_requests = EXCLUDED.total_requests,
			remaining_requests = EXCLUDED.remaining_requests,
			updated_at = NOW()
		RETURNING `+userColumns,
		user.UserID, nullString(user.FirstName), nullString(user.LastName),
		nullString(user.TelegramUsername), user.IsPaid, nullInt64(user.CurrentTariffID),
		nullTime(user.SubscriptionStart), nullTime(user.SubscriptionEnd), user.IsActive,
		nullTime(user.LastLogin), user.TotalRequests, user.RemainingRequests)

	saved, err := scanUser(row)
	if err != nil {
		return User{}, fmt.Errorf("save user: %w", err)
	}
	return saved, nil
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]User, error) {
	defer metrics.MeasureDBQuery(s.metrics, "list_users", "postgres")()
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// --- Tariffs ---

const tariffColumns = `id, name, price, duration_days, requests_count, subtitle, features,
	is_active, is_demo, auto_renewal, next_tariff_id, next_tariff_price, created_at, updated_at`

func scanTariff(row interface{ Scan(...interface{}) error }) (Tariff, error) {
	var t Tariff
	var durationDays, requestsCount, nextTariffID sql.NullInt64
	var subtitle sql.NullString
	var features []byte
	var nextPrice sql.NullFloat64

	err := row.Scan(&t.ID, &t.Name, &t.Price, &durationDays, &requestsCount, &subtitle,
		&features, &t.IsActive, &t.IsDemo, &t.AutoRenewal, &nextTariffID, &nextPrice,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return Tariff{}, err
	}

	t.DurationDays = intPtr(durationDays)
	t.RequestsCount = intPtr(requestsCount)
	t.Subtitle = subtitle.String
	t.NextTariffID = int64Ptr(nextTariffID)
	t.NextTariffPrice = floatPtr(nextPrice)
	if len(features) > 0 {
		if err := json.Unmarshal(features, &t.Features); err != nil {
			return Tariff{}, fmt.Errorf("decode tariff features: %w", err)
		}
	}
	return t, nil
}

func (s *PostgresStore) GetTariff(ctx context.Context, id int64) (Tariff, error) {
	defer metrics.MeasureDBQuery(s.metrics, "get_tariff", "postgres")()
	row := s.db.QueryRowContext(ctx, `SELECT `+tariffColumns+` FROM tariffs WHERE id = $1`, id)
	t, err := scanTariff(row)
	if err == sql.ErrNoRows {
		return Tariff{}, ErrNotFound
	}
	if err != nil {
		return Tariff{}, fmt.Errorf("get tariff: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) GetTariffByName(ctx context.Context, name string) (Tariff, error) {
	defer metrics.MeasureDBQuery(s.metrics, "get_tariff_by_name", "postgres")()
	row := s.db.QueryRowContext(ctx,
		`SELECT `+tariffColumns+` FROM tariffs WHERE LOWER(name) = LOWER($1)`, name)
	t, err := scanTariff(row)
	if err == sql.ErrNoRows {
		return Tariff{}, ErrNotFound
	}
	if err != nil {
		return Tariff{}, fmt.Errorf("get tariff by name: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) ListTariffs(ctx context.Context) ([]Tariff, error) {
	defer metrics.MeasureDBQuery(s.metrics, "list_tariffs", "postgres")()
	rows, err := s.db.QueryContext(ctx, `SELECT `+tariffColumns+` FROM tariffs ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list tariffs: %w", err)
	}
	defer rows.Close()

	var out []Tariff
	for rows.Next() {
		t, err := scanTariff(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tariff: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SaveTariff(ctx context.Context, tariff Tariff) (Tariff, error) {
	defer metrics.MeasureDBQuery(s.metrics, "save_tariff", "postgres")()
	var features interface{}
	if tariff.Features != nil {
		data, err := json.Marshal(tariff.Features)
		if err != nil {
			return Tariff{}, fmt.Errorf("encode tariff features: %w", err)
		}
		features = data
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO tariffs (name, price, duration_days, requests_count, subtitle, features,
			is_active, is_demo, auto_renewal, next_tariff_id, next_tariff_price)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (name) DO UPDATE SET
			price = EXCLUDED.price,
			duration_days = EXCLUDED.duration_days,
			requests_count = EXCLUDED.requests_count,
			subtitle = EXCLUDED.subtitle,
			features = EXCLUDED.features,
			is_active = EXCLUDED.is_active,
			is_demo = EXCLUDED.is_demo,
			auto_renewal = EXCLUDED.auto_renewal,
			next_tariff_id = EXCLUDED.next_tariff_id,
			next_tariff_price = EXCLUDED.next_tariff_price,
			updated_at = NOW()
		RETURNING `+tariffColumns,
		tariff.Name, tariff.Price, nullInt(tariff.DurationDays), nullInt(tariff.RequestsCount),
		nullString(tariff.Subtitle), features, tariff.IsActive, tariff.IsDemo,
		tariff.AutoRenewal, nullInt64(tariff.NextTariffID), nullFloat(tariff.NextTariffPrice))

	saved, err := scanTariff(row)
	if err != nil {
		return Tariff{}, fmt.Errorf("save tariff: %w", err)
	}
	return saved, nil
}

// --- Profiles ---

const profileColumns = `id, username, full_name, biography, external_url,
	followers_count, following_count, posts_count, is_verified, is_private, is_business,
	analytics_data, posts_data, stats_data, comments_data, profile_pic_url,
	last_scraped, scrape_count, is_data_fresh, parsing_status, parse_task_id,
	followers_parsed_at, followings_parsed_at, created_at, updated_at`

func scanProfile(row interface{ Scan(...interface{}) error }) (InstagramProfile, error) {
	var p InstagramProfile
	var fullName, biography, externalURL, picURL, taskID sql.NullString
	var analytics, posts, stats, comments []byte
	var status string
	var followersAt, followingsAt sql.NullTime

	err := row.Scan(&p.ID, &p.Username, &fullName, &biography, &externalURL,
		&p.FollowersCount, &p.FollowingCount, &p.PostsCount, &p.IsVerified, &p.IsPrivate,
		&p.IsBusiness, &analytics, &posts, &stats, &comments, &picURL,
		&p.LastScraped, &p.ScrapeCount, &p.IsDataFresh, &status, &taskID,
		&followersAt, &followingsAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return InstagramProfile{}, err
	}

	p.FullName = fullName.String
	p.Biography = biography.String
	p.ExternalURL = externalURL.String
	p.ProfilePicURL = picURL.String
	p.AnalyticsData = analytics
	p.PostsData = posts
	p.StatsData = stats
	p.CommentsData = comments
	p.ParsingStatus = ParseStatus(status)
	p.ParseTaskID = taskID.String
	p.FollowersParsedAt = timePtr(followersAt)
	p.FollowingsParsedAt = timePtr(followingsAt)
	return p, nil
}

func (s *PostgresStore) GetProfile(ctx context.Context, username string) (InstagramProfile, error) {
	defer metrics.MeasureDBQuery(s.metrics, "get_profile", "postgres")()
	row := s.db.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM instagram_profiles WHERE LOWER(username) = LOWER($1)`,
		username)
	p, err := scanProfile(row)
	if err == sql.ErrNoRows {
		return InstagramProfile{}, ErrNotFound
	}
	if err != nil {
		return InstagramProfile{}, fmt.Errorf("get profile: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) UpsertProfile(ctx context.Context, profile InstagramProfile) (InstagramProfile, error) {
	defer metrics.MeasureDBQuery(s.metrics, "upsert_profile", "postgres")()
	status := profile.ParsingStatus
	if status == "" {
		status = ParseCompleted
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO instagram_profiles (username, full_name, biography, external_url,
			followers_count, following_count, posts_count, is_verified, is_private, is_business,
			analytics_data, posts_data, stats_data, comments_data, profile_pic_url,
			last_scraped, scrape_count, is_data_fresh, parsing_status, parse_task_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
			NOW(), 1, TRUE, $16, $17)
		ON CONFLICT (username) DO UPDATE SET
			full_name = EXCLUDED.full_name,
			biography = EXCLUDED.biography,
			external_url = EXCLUDED.external_url,
			followers_count = EXCLUDED.followers_count,
			following_count = EXCLUDED.following_count,
			posts_count = EXCLUDED.posts_count,
			is_verified = EXCLUDED.is_verified,
			is_private = EXCLUDED.is_private,
			is_business = EXCLUDED.is_business,
			analytics_data = EXCLUDED.analytics_data,
			posts_data = EXCLUDED.posts_data,
			stats_data = EXCLUDED.stats_data,
			comments_data = EXCLUDED.comments_data,
			profile_pic_url = EXCLUDED.profile_pic_url,
			last_scraped = NOW(),
			scrape_count = instagram_profiles.scrape_count + 1,
			is_data_fresh = TRUE,
			parsing_status = EXCLUDED.parsing_status,
			parse_task_id = EXCLUDED.parse_task_id,
			updated_at = NOW()
		RETURNING `+profileColumns,
		profile.Username, nullString(profile.FullName), nullString(profile.Biography),
		nullString(profile.ExternalURL), profile.FollowersCount, profile.FollowingCount,
		profile.PostsCount, profile.IsVerified, profile.IsPrivate, profile.IsBusiness,
		rawOrNil(profile.AnalyticsData), rawOrNil(profile.PostsData),
		rawOrNil(profile.StatsData), rawOrNil(profile.CommentsData),
		nullString(profile.ProfilePicURL), string(status), nullString(profile.ParseTaskID))

	saved, err := scanProfile(row)
	if err != nil {
		return InstagramProfile{}, fmt.Errorf("upsert profile: %w", err)
	}
	return saved, nil
}

func rawOrNil(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func (s *PostgresStore) MarkProfileStale(ctx context.Context, username string) error {
	defer metrics.MeasureDBQuery(s.metrics, "mark_profile_stale", "postgres")()
	res, err := s.db.ExecContext(ctx, `
		UPDATE instagram_profiles SET is_data_fresh = FALSE, updated_at = NOW()
		WHERE LOWER(username) = LOWER($1)`, username)
	if err != nil {
		return fmt.Errorf("mark profile stale: %w", err)
	}
	return requireRow(res)
}

func (s *PostgresStore) SetParseStatus(ctx context.Context, username string, status ParseStatus, taskID string) error {
	defer metrics.MeasureDBQuery(s.metrics, "set_parse_status", "postgres")()
	res, err := s.db.ExecContext(ctx, `
		UPDATE instagram_profiles SET
			parsing_status = $2,
			parse_task_id = COALESCE(NULLIF($3, ''), parse_task_id),
			followers_parsed_at = CASE WHEN $2 = 'completed' THEN NOW() ELSE followers_parsed_at END,
			followings_parsed_at = CASE WHEN $2 = 'completed' THEN NOW() ELSE followings_parsed_at END,
			updated_at = NOW()
		WHERE LOWER(username) = LOWER($1)`, username, string(status), taskID)
	if err != nil {
		return fmt.Errorf("set parse status: %w", err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Followers ---

func (s *PostgresStore) ReplaceFollowers(ctx context.Context, profileID int64, followers []InstagramFollower) error {
	defer metrics.MeasureDBQuery(s.metrics, "replace_followers", "postgres")()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace followers: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM instagram_followers WHERE profile_id = $1`, profileID); err != nil {
		return fmt.Errorf("clear followers: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO instagram_followers (profile_id, follower_pk, username, full_name,
			profile_pic_url, profile_pic_url_local, is_verified, is_private,
			has_anonymous_profile_picture, fbid_v2, third_party_downloads_enabled, latest_reel_media)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (profile_id, follower_pk) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("prepare follower insert: %w", err)
	}
	defer stmt.Close()

	for _, f := range followers {
		if f.FollowerPK == "" {
			continue
		}
		if _, err := stmt.ExecContext(ctx, profileID, f.FollowerPK, f.Username,
			nullString(f.FullName), nullString(f.ProfilePicURL), nullString(f.ProfilePicURLLocal),
			f.IsVerified, f.IsPrivate, f.HasAnonymousProfilePicture,
			nullString(f.FBIDV2), f.ThirdPartyDownloadsEnabled, nullString(f.LatestReelMedia)); err != nil {
			return fmt.Errorf("insert follower: %w", err)
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) ListFollowers(ctx context.Context, profileID int64) ([]InstagramFollower, error) {
	defer metrics.MeasureDBQuery(s.metrics, "list_followers", "postgres")()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, profile_id, follower_pk, username, full_name, profile_pic_url,
			profile_pic_url_local, is_verified, is_private, has_anonymous_profile_picture,
			fbid_v2, third_party_downloads_enabled, latest_reel_media, created_at, updated_at
		FROM instagram_followers WHERE profile_id = $1 ORDER BY id`, profileID)
	if err != nil {
		return nil, fmt.Errorf("list followers: %w", err)
	}
	defer rows.Close()

	var out []InstagramFollower
	for rows.Next() {
		var f InstagramFollower
		var fullName, picURL, picLocal, fbid, reel sql.NullString
		if err := rows.Scan(&f.ID, &f.ProfileID, &f.FollowerPK, &f.Username, &fullName,
			&picURL, &picLocal, &f.IsVerified, &f.IsPrivate, &f.HasAnonymousProfilePicture,
			&fbid, &f.ThirdPartyDownloadsEnabled, &reel, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan follower: %w", err)
		}
		f.FullName = fullName.String
		f.ProfilePicURL = picURL.String
		f.ProfilePicURLLocal = picLocal.String
		f.FBIDV2 = fbid.String
		f.LatestReelMedia = reel.String
		out = append(out, f)
	}
	return out, rows.Err()
}

// --- Payments ---

const paymentColumns = `id, user_id, tariff_id, amount, currency, payment_method, status,
	transaction_id, cloudpayments_transaction_id, cloudpayments_invoice_id, card_token,
	card_first_six, card_last_four, card_type, is_recurrent, subscription_id, created_at, paid_at`

func scanPayment(row interface{ Scan(...interface{}) error }) (Payment, error) {
	var p Payment
	var txnID, gwTxnID, invoiceID, token, firstSix, lastFour, cardType, subID sql.NullString
	var status string
	var paidAt sql.NullTime

	err := row.Scan(&p.ID, &p.UserID, &p.TariffID, &p.Amount, &p.Currency, &p.PaymentMethod,
		&status, &txnID, &gwTxnID, &invoiceID, &token, &firstSix, &lastFour, &cardType,
		&p.IsRecurrent, &subID, &p.CreatedAt, &paidAt)
	if err != nil {
		return Payment{}, err
	}

	p.Status = PaymentStatus(status)
	p.TransactionID = txnID.String
	p.GatewayTransactionID = gwTxnID.String
	p.GatewayInvoiceID = invoiceID.String
	p.CardToken = token.String
	p.CardFirstSix = firstSix.String
	p.CardLastFour = lastFour.String
	p.CardType = cardType.String
	p.SubscriptionID = subID.String
	p.PaidAt = timePtr(paidAt)
	return p, nil
}

func (s *PostgresStore) CreatePayment(ctx context.Context, payment Payment) (Payment, error) {
	defer metrics.MeasureDBQuery(s.metrics, "create_payment", "postgres")()
	if payment.Currency == "" {
		payment.Currency = "RUB"
	}
	if payment.PaymentMethod == "" {
		payment.PaymentMethod = "cloudpayments"
	}
	if payment.Status == "" {
		payment.Status = PaymentPending
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO payments (user_id, tariff_id, amount, currency, payment_method, status,
			transaction_id, cloudpayments_transaction_id, cloudpayments_invoice_id, card_token,
			card_first_six, card_last_four, card_type, is_recurrent, subscription_id, paid_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING `+paymentColumns,
		payment.UserID, payment.TariffID, payment.Amount, payment.Currency,
		payment.PaymentMethod, string(payment.Status), nullString(payment.TransactionID),
		nullString(payment.GatewayTransactionID), nullString(payment.GatewayInvoiceID),
		nullString(payment.CardToken), nullString(payment.CardFirstSix),
		nullString(payment.CardLastFour), nullString(payment.CardType),
		payment.IsRecurrent, nullString(payment.SubscriptionID), nullTime(payment.PaidAt))

	saved, err := scanPayment(row)
	if err != nil {
		return Payment{}, fmt.Errorf("create payment: %w", err)
	}
	return saved, nil
}

func (s *PostgresStore) UpdatePayment(ctx context.Context, payment Payment) error {
	defer metrics.MeasureDBQuery(s.metrics, "update_payment", "postgres")()
	res, err := s.db.ExecContext(ctx, `
		UPDATE payments SET
			status = $2, transaction_id = $3, cloudpayments_transaction_id = $4,
			cloudpayments_invoice_id = $5, card_token = $6, card_first_six = $7,
			card_last_four = $8, card_type = $9, is_recurrent = $10,
			subscription_id = $11, paid_at = $12
		WHERE id = $1`,
		payment.ID, string(payment.Status), nullString(payment.TransactionID),
		nullString(payment.GatewayTransactionID), nullString(payment.GatewayInvoiceID),
		nullString(payment.CardToken), nullString(payment.CardFirstSix),
		nullString(payment.CardLastFour), nullString(payment.CardType),
		payment.IsRecurrent, nullString(payment.SubscriptionID), nullTime(payment.PaidAt))
	if err != nil {
		return fmt.Errorf("update payment: %w", err)
	}
	return requireRow(res)
}

func (s *PostgresStore) GetPaymentByTransactionID(ctx context.Context, transactionID string) (Payment, error) {
	defer metrics.MeasureDBQuery(s.metrics, "get_payment_by_transaction_i_d", "postgres")()
	if transactionID == "" {
		return Payment{}, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE transaction_id = $1 OR cloudpayments_transaction_id = $1
		ORDER BY created_at DESC LIMIT 1`, transactionID)
	p, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return Payment{}, ErrNotFound
	}
	if err != nil {
		return Payment{}, fmt.Errorf("get payment by txn: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) ListPaymentsByUser(ctx context.Context, userID string) ([]Payment, error) {
	defer metrics.MeasureDBQuery(s.metrics, "list_payments_by_user", "postgres")()
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()

	var out []Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) LatestCardToken(ctx context.Context, userID string) (Payment, error) {
	defer metrics.MeasureDBQuery(s.metrics, "latest_card_token", "postgres")()
	row := s.db.QueryRowContext(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE user_id = $1 AND card_token IS NOT NULL AND status = 'completed'
		ORDER BY created_at DESC LIMIT 1`, userID)
	p, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return Payment{}, ErrNotFound
	}
	if err != nil {
		return Payment{}, fmt.Errorf("latest card token: %w", err)
	}
	return p, nil
}

// --- Subscriptions ---

const subscriptionColumns = `id, user_id, tariff_id, start_date, end_date, status,
	pause_days_used, paused_at, cloudpayments_subscription_id, card_token, auto_renewal,
	failed_attempts, last_payment_attempt, next_payment_date, original_tariff_id,
	downgrade_attempts, created_at, updated_at`

func scanSubscription(row interface{ Scan(...interface{}) error }) (Subscription, error) {
	var sub Subscription
	var endDate, pausedAt, lastAttempt, nextPayment sql.NullTime
	var gwSubID, token sql.NullString
	var status string
	var originalTariff sql.NullInt64

	err := row.Scan(&sub.ID, &sub.UserID, &sub.TariffID, &sub.StartDate, &endDate, &status,
		&sub.PauseDaysUsed, &pausedAt, &gwSubID, &token, &sub.AutoRenewal,
		&sub.FailedAttempts, &lastAttempt, &nextPayment, &originalTariff,
		&sub.DowngradeAttempts, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return Subscription{}, err
	}

	sub.Status = SubscriptionStatus(status)
	sub.EndDate = timePtr(endDate)
	sub.PausedAt = timePtr(pausedAt)
	sub.GatewaySubscriptionID = gwSubID.String
	sub.CardToken = token.String
	sub.LastPaymentAttempt = timePtr(lastAttempt)
	sub.NextPaymentDate = timePtr(nextPayment)
	sub.OriginalTariffID = int64Ptr(originalTariff)
	return sub, nil
}

func (s *PostgresStore) CreateSubscription(ctx context.Context, sub Subscription) (Subscription, error) {
	defer metrics.MeasureDBQuery(s.metrics, "create_subscription", "postgres")()
	if sub.Status == "" {
		sub.Status = SubscriptionActive
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO subscription_history (user_id, tariff_id, start_date, end_date, status,
			pause_days_used, paused_at, cloudpayments_subscription_id, card_token, auto_renewal,
			failed_attempts, last_payment_attempt, next_payment_date, original_tariff_id,
			downgrade_attempts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING `+subscriptionColumns,
		sub.UserID, sub.TariffID, sub.StartDate, nullTime(sub.EndDate), string(sub.Status),
		sub.PauseDaysUsed, nullTime(sub.PausedAt), nullString(sub.GatewaySubscriptionID),
		nullString(sub.CardToken), sub.AutoRenewal, sub.FailedAttempts,
		nullTime(sub.LastPaymentAttempt), nullTime(sub.NextPaymentDate),
		nullInt64(sub.OriginalTariffID), sub.DowngradeAttempts)

	saved, err := scanSubscription(row)
	if err != nil {
		return Subscription{}, fmt.Errorf("create subscription: %w", err)
	}
	return saved, nil
}

func (s *PostgresStore) UpdateSubscription(ctx context.Context, sub Subscription) error {
	defer metrics.MeasureDBQuery(s.metrics, "update_subscription", "postgres")()
	res, err := s.db.ExecContext(ctx, `
		UPDATE subscription_history SET
			tariff_id = $2, start_date = $3, end_date = $4, status = $5,
			pause_days_used = $6, paused_at = $7, cloudpayments_subscription_id = $8,
			card_token = $9, auto_renewal = $10, failed_attempts = $11,
			last_payment_attempt = $12, next_payment_date = $13, original_tariff_id = $14,
			downgrade_attempts = $15, updated_at = NOW()
		WHERE id = $1`,
		sub.ID, sub.TariffID, sub.StartDate, nullTime(sub.EndDate), string(sub.Status),
		sub.PauseDaysUsed, nullTime(sub.PausedAt), nullString(sub.GatewaySubscriptionID),
		nullString(sub.CardToken), sub.AutoRenewal, sub.FailedAttempts,
		nullTime(sub.LastPaymentAttempt), nullTime(sub.NextPaymentDate),
		nullInt64(sub.OriginalTariffID), sub.DowngradeAttempts)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	return requireRow(res)
}

func (s *PostgresStore) GetSubscription(ctx context.Context, id int64) (Subscription, error) {
	defer metrics.MeasureDBQuery(s.metrics, "get_subscription", "postgres")()
	row := s.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscription_history WHERE id = $1`, id)
	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return Subscription{}, ErrNotFound
	}
	if err != nil {
		return Subscription{}, fmt.Errorf("get subscription: %w", err)
	}
	return sub, nil
}

func (s *PostgresStore) ActiveSubscription(ctx context.Context, userID string) (Subscription, error) {
	defer metrics.MeasureDBQuery(s.metrics, "active_subscription", "postgres")()
	row := s.db.QueryRowContext(ctx, `
		SELECT `+subscriptionColumns+` FROM subscription_history
		WHERE user_id = $1 AND status IN ('active', 'paused')
		ORDER BY created_at DESC LIMIT 1`, userID)
	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return Subscription{}, ErrNotFound
	}
	if err != nil {
		return Subscription{}, fmt.Errorf("active subscription: %w", err)
	}
	return sub, nil
}

func (s *PostgresStore) DueSubscriptions(ctx context.Context, now time.Time) ([]Subscription, error) {
	defer metrics.MeasureDBQuery(s.metrics, "due_subscriptions", "postgres")()
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+subscriptionColumns+` FROM subscription_history
		WHERE status = 'active' AND auto_renewal = TRUE
			AND next_payment_date IS NOT NULL AND next_payment_date <= $1
		ORDER BY id`, now)
	if err != nil {
		return nil, fmt.Errorf("due subscriptions: %w", err)
	}
	defer rows.Close()

	var out []Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *PostgresStore) PausedSubscriptionsBefore(ctx context.Context, cutoff time.Time) ([]Subscription, error) {
	defer metrics.MeasureDBQuery(s.metrics, "paused_subscriptions_before", "postgres")()
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+subscriptionColumns+` FROM subscription_history
		WHERE status = 'paused' AND paused_at IS NOT NULL AND paused_at <= $1
		ORDER BY id`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("paused subscriptions: %w", err)
	}
	defer rows.Close()

	var out []Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// --- Activity ---

func (s *PostgresStore) RecordActivity(ctx context.Context, activity UserActivity) error {
	defer metrics.MeasureDBQuery(s.metrics, "record_activity", "postgres")()
	ts := activity.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_activities (user_id, activity_type, timestamp, extra_data)
		VALUES ($1, $2, $3, $4)`,
		activity.UserID, activity.ActivityType, ts, rawOrNil(activity.ExtraData))
	if err != nil {
		return fmt.Errorf("record activity: %w", err)
	}
	return nil
}

func (s *PostgresStore) CountActivities(ctx context.Context, userID string, since time.Time) (map[string]int, error) {
	defer metrics.MeasureDBQuery(s.metrics, "count_activities", "postgres")()
	rows, err := s.db.QueryContext(ctx, `
		SELECT activity_type, COUNT(*) FROM user_activities
		WHERE user_id = $1 AND timestamp >= $2
		GROUP BY activity_type`, userID, since)
	if err != nil {
		return nil, fmt.Errorf("count activities: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var activityType string
		var count int
		if err := rows.Scan(&activityType, &count); err != nil {
			return nil, fmt.Errorf("scan activity count: %w", err)
		}
		out[activityType] = count
	}
	return out, rows.Err()
}

// --- Notifications ---

func (s *PostgresStore) CreateNotifications(ctx context.Context, items []NotificationSchedule) error {
	defer metrics.MeasureDBQuery(s.metrics, "create_notifications", "postgres")()
	if len(items) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create notifications: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO notification_schedules (user_id, notification_type, scheduled_time,
			profile_username, message_text, button_text, button_url)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`)
	if err != nil {
		return fmt.Errorf("prepare notification insert: %w", err)
	}
	defer stmt.Close()

	for _, item := range items {
		if _, err := stmt.ExecContext(ctx, item.UserID, item.NotificationType,
			item.ScheduledTime, nullString(item.ProfileUsername), nullString(item.MessageText),
			nullString(item.ButtonText), nullString(item.ButtonURL)); err != nil {
			return fmt.Errorf("insert notification: %w", err)
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) DueNotifications(ctx context.Context, now time.Time, maxRetries int) ([]NotificationSchedule, error) {
	defer metrics.MeasureDBQuery(s.metrics, "due_notifications", "postgres")()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, notification_type, scheduled_time, sent, sent_at,
			profile_username, message_text, button_text, button_url, error_message,
			retry_count, created_at
		FROM notification_schedules
		WHERE sent = FALSE AND scheduled_time <= $1 AND retry_count < $2
		ORDER BY scheduled_time`, now, maxRetries)
	if err != nil {
		return nil, fmt.Errorf("due notifications: %w", err)
	}
	defer rows.Close()

	var out []NotificationSchedule
	for rows.Next() {
		var n NotificationSchedule
		var sentAt sql.NullTime
		var profile, message, buttonText, buttonURL, errorMsg sql.NullString
		if err := rows.Scan(&n.ID, &n.UserID, &n.NotificationType, &n.ScheduledTime,
			&n.Sent, &sentAt, &profile, &message, &buttonText, &buttonURL, &errorMsg,
			&n.RetryCount, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		n.SentAt = timePtr(sentAt)
		n.ProfileUsername = profile.String
		n.MessageText = message.String
		n.ButtonText = buttonText.String
		n.ButtonURL = buttonURL.String
		n.ErrorMessage = errorMsg.String
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkNotificationSent(ctx context.Context, id int64) error {
	defer metrics.MeasureDBQuery(s.metrics, "mark_notification_sent", "postgres")()
	res, err := s.db.ExecContext(ctx, `
		UPDATE notification_schedules SET sent = TRUE, sent_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark notification sent: %w", err)
	}
	return requireRow(res)
}

func (s *PostgresStore) MarkNotificationFailed(ctx context.Context, id int64, errorMessage string) error {
	defer metrics.MeasureDBQuery(s.metrics, "mark_notification_failed", "postgres")()
	res, err := s.db.ExecContext(ctx, `
		UPDATE notification_schedules SET retry_count = retry_count + 1, error_message = $2
		WHERE id = $1`, id, errorMessage)
	if err != nil {
		return fmt.Errorf("mark notification failed: %w", err)
	}
	return requireRow(res)
}

func (s *PostgresStore) DeletePendingNotifications(ctx context.Context, userID string) (int64, error) {
	defer metrics.MeasureDBQuery(s.metrics, "delete_pending_notifications", "postgres")()
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM notification_schedules WHERE user_id = $1 AND sent = FALSE`, userID)
	if err != nil {
		return 0, fmt.Errorf("delete pending notifications: %w", err)
	}
	return res.RowsAffected()
}

func (s *PostgresStore) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}
