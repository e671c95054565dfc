// Package scrape drives profile collection: a cache-first profile
// check, and a single-worker FIFO queue running deep scrapes (followers,
// followings, mutual audience, recent media, comments, image blobs).
package scrape

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	apierrors "github.com/instarding/server/internal/errors"
	"github.com/instarding/server/internal/blobstore"
	"github.com/instarding/server/internal/config"
	"github.com/instarding/server/internal/instagram"
	"github.com/instarding/server/internal/metrics"
	"github.com/instarding/server/internal/storage"
)

type task struct {
	id       string
	username string
}

// Service owns the profile check flow and the deep-scrape worker.
type Service struct {
	ig       *instagram.Client
	cache    *Cache
	store    storage.Store
	blobs    *blobstore.Store
	tasks    TaskStore
	fallback instagram.CommentFallback
	cfg      config.ScrapeConfig
	log      zerolog.Logger
	metrics  *metrics.Metrics

	mu      sync.Mutex
	pending []task
	wake    chan struct{}

	workerAlive bool

	stopChan chan struct{}
	doneChan chan struct{}
	stopOnce sync.Once
}

// NewService wires the orchestrator. The comment fallback may be nil;
// it is replaced with the no-op implementation.
func NewService(
	ig *instagram.Client,
	cache *Cache,
	store storage.Store,
	blobs *blobstore.Store,
	tasks TaskStore,
	fallback instagram.CommentFallback,
	cfg config.ScrapeConfig,
	log zerolog.Logger,
	m *metrics.Metrics,
) *Service {
	if fallback == nil {
		fallback = instagram.NoopCommentFallback{}
	}
	return &Service{
		ig:       ig,
		cache:    cache,
		store:    store,
		blobs:    blobs,
		tasks:    tasks,
		fallback: fallback,
		cfg:      cfg,
		log:      log.With().Str("component", "scrape").Logger(),
		metrics:  m,
		wake:     make(chan struct{}, 1),
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Start launches the worker and the task sweeper.
func (s *Service) Start() {
	s.mu.Lock()
	s.workerAlive = true
	s.mu.Unlock()
	go s.workerLoop()
}

// Stop shuts the worker down and waits for the in-flight task.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	<-s.doneChan
}

// CheckProfile serves the profile from cache when fresh, otherwise
// scrapes it, stores the avatar blob, and upserts the cache row.
func (s *Service) CheckProfile(ctx context.Context, username string) (storage.InstagramProfile, bool, error) {
	username = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(username, "@")))
	if username == "" {
		return storage.InstagramProfile{}, false, apierrors.New(apierrors.ErrCodeValidation, "username is required")
	}

	cached, fresh, err := s.cache.Lookup(ctx, username)
	if err != nil {
		return storage.InstagramProfile{}, false, err
	}
	if fresh {
		return cached, true, nil
	}

	started := time.Now()
	profile, err := s.ig.GetProfile(ctx, username)
	if err != nil {
		s.observeJob("profile_error", started)
		// A stale cached copy beats a hard failure when the upstream
		// is down but the account was seen before.
		if cached.ID != 0 {
			s.log.Warn().Err(err).Str("username", username).Msg("serving stale profile after scrape failure")
			return cached, true, nil
		}
		return storage.InstagramProfile{}, false, err
	}

	localPic := ""
	picURL := profile.ProfilePicURLOriginal
	if picURL == "" {
		picURL = profile.ProfilePicURL
	}
	if path, err := s.blobs.SaveProfileAvatar(ctx, username, picURL); err != nil {
		s.log.Warn().Err(err).Str("username", username).Msg("avatar download failed")
	} else {
		localPic = path
	}

	row := storage.InstagramProfile{
		Username:       username,
		FullName:       profile.FullName,
		Biography:      profile.Biography,
		ExternalURL:    profile.ExternalURL,
		FollowersCount: profile.FollowersCount,
		FollowingCount: profile.FollowingCount,
		PostsCount:     profile.PostsCount,
		IsVerified:     profile.IsVerified,
		IsPrivate:      profile.IsPrivate,
		IsBusiness:     profile.IsBusiness,
		ProfilePicURL:  profile.ProfilePicURL,
	}
	if localPic != "" {
		row.ProfilePicURL = localPic
	}
	row.AnalyticsData = marshalDoc(map[string]interface{}{
		"profile_id":   profile.ID,
		"recent_media": profile.RecentMedia,
	})
	if cached.ID != 0 {
		// Keep documents produced by an earlier deep scrape.
		row.PostsData = cached.PostsData
		row.StatsData = cached.StatsData
		row.CommentsData = cached.CommentsData
		row.ParsingStatus = cached.ParsingStatus
		row.ParseTaskID = cached.ParseTaskID
	}

	saved, err := s.cache.Save(ctx, row)
	if err != nil {
		return storage.InstagramProfile{}, false, err
	}
	s.observeJob("profile_ok", started)
	return saved, false, nil
}

// EnqueueDeepScrape queues a follower/media deep scrape and returns the
// task id.
func (s *Service) EnqueueDeepScrape(ctx context.Context, username string) (string, error) {
	username = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(username, "@")))
	if username == "" {
		return "", apierrors.New(apierrors.ErrCodeValidation, "username is required")
	}

	taskID := username + "_" + strconv.FormatInt(time.Now().UnixMilli(), 10)
	now := time.Now()
	if err := s.tasks.Put(ctx, TaskRecord{
		TaskID:    taskID,
		Username:  username,
		State:     TaskPending,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		return "", err
	}
	if err := s.cache.SetParseStatus(ctx, username, storage.ParsePending, taskID); err != nil && !isNotFound(err) {
		s.log.Warn().Err(err).Str("username", username).Msg("parse status update failed")
	}

	s.mu.Lock()
	s.pending = append(s.pending, task{id: taskID, username: username})
	depth := len(s.pending)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}

	s.log.Info().Str("task_id", taskID).Int("queue_depth", depth).Msg("deep scrape queued")
	return taskID, nil
}

// TaskStatus returns the record for one task; found=false maps to the
// API's not_found answer.
func (s *Service) TaskStatus(ctx context.Context, taskID string) (TaskRecord, bool, error) {
	return s.tasks.Get(ctx, taskID)
}

// Status aggregates the queue for the monitoring endpoint.
func (s *Service) Status(ctx context.Context) (QueueStatus, error) {
	records, err := s.tasks.List(ctx)
	if err != nil {
		return QueueStatus{}, err
	}

	s.mu.Lock()
	alive := s.workerAlive
	s.mu.Unlock()

	out := QueueStatus{WorkerAlive: alive}
	for _, rec := range records {
		switch rec.State {
		case TaskPending:
			out.PendingCount++
		case TaskProcessing:
			out.Processing = append(out.Processing, rec.TaskID)
		case TaskCompleted:
			out.Completed = append(out.Completed, rec.TaskID)
		case TaskFailed:
			out.Failed = append(out.Failed, rec.TaskID)
		}
	}
	return out, nil
}

func (s *Service) workerLoop() {
	defer close(s.doneChan)

	sweep := time.NewTicker(s.sweepInterval())
	defer sweep.Stop()

	for {
		if t, ok := s.pop(); ok {
			s.run(t)
			continue
		}
		select {
		case <-s.stopChan:
			s.mu.Lock()
			s.workerAlive = false
			s.mu.Unlock()
			return
		case <-s.wake:
		case <-sweep.C:
			if ms, ok := s.tasks.(*MemoryTaskStore); ok {
				if n := ms.Sweep(time.Now()); n > 0 {
					s.log.Debug().Int("evicted", n).Msg("task records swept")
				}
			}
		}
	}
}

func (s *Service) pop() (task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return task{}, false
	}
	t := s.pending[0]
	s.pending = s.pending[1:]
	return t, true
}

func (s *Service) run(t task) {
	ctx := context.Background()
	started := time.Now()

	s.updateTask(ctx, t, TaskProcessing, "", nil)
	if err := s.cache.SetParseStatus(ctx, t.username, storage.ParseProcessing, t.id); err != nil && !isNotFound(err) {
		s.log.Warn().Err(err).Str("username", t.username).Msg("parse status update failed")
	}

	result, err := s.deepScrape(ctx, t)
	if err != nil {
		s.log.Error().Err(err).Str("task_id", t.id).Msg("deep scrape failed")
		s.updateTask(ctx, t, TaskFailed, err.Error(), nil)
		if serr := s.cache.SetParseStatus(ctx, t.username, storage.ParseFailed, t.id); serr != nil && !isNotFound(serr) {
			s.log.Warn().Err(serr).Str("username", t.username).Msg("parse status update failed")
		}
		s.observeJob("deep_failed", started)
		return
	}

	s.updateTask(ctx, t, TaskCompleted, "", result)
	if serr := s.cache.SetParseStatus(ctx, t.username, storage.ParseCompleted, t.id); serr != nil && !isNotFound(serr) {
		s.log.Warn().Err(serr).Str("username", t.username).Msg("parse status update failed")
	}
	s.observeJob("deep_ok", started)
	s.log.Info().Str("task_id", t.id).Dur("took", time.Since(started)).Msg("deep scrape completed")
}

func (s *Service) deepScrape(ctx context.Context, t task) (*TaskResult, error) {
	profile, _, err := s.CheckProfile(ctx, t.username)
	if err != nil {
		return nil, fmt.Errorf("profile fetch: %w", err)
	}
	userID := profileUserID(profile)
	if userID == "" {
		return nil, fmt.Errorf("profile %s carries no numeric id", t.username)
	}

	followers, err := s.ig.GetFollowers(ctx, userID, s.cfg.MaxFollowers)
	if err != nil {
		return nil, fmt.Errorf("followers: %w", err)
	}
	// Traversal stages pace like result pages do; two list walks
	// starting back to back stand out.
	if err := s.ig.Pace(ctx); err != nil {
		return nil, err
	}
	followings, err := s.ig.GetFollowings(ctx, userID, s.cfg.MaxFollowings)
	if err != nil {
		s.log.Warn().Err(err).Str("username", t.username).Msg("followings traversal failed")
		followings = nil
	}
	if err := s.ig.Pace(ctx); err != nil {
		return nil, err
	}

	mutuals := instagram.FindMutuals(followers, followings)
	if len(mutuals) == 0 {
		// Private-ish accounts often expose no overlap; fall back to a
		// random sample so the audience view is never empty, preferring
		// the accounts the profile itself follows.
		if len(followings) > 0 {
			mutuals = sampleUsers(followings, s.cfg.MutualSampleSize)
		} else if len(followers) > 0 {
			mutuals = sampleUsers(followers, s.cfg.MutualSampleSize)
		}
	}

	rows := s.storeFollowers(ctx, profile.ID, mutuals)

	media := s.collectMedia(ctx, profile, userID)
	comments := s.collectComments(ctx, media)
	postPaths := s.storePostImages(ctx, media)

	profile.PostsData = marshalDoc(map[string]interface{}{
		"items":       media,
		"local_paths": postPaths,
	})
	profile.StatsData = marshalDoc(map[string]interface{}{
		"followers_sampled":  len(followers),
		"followings_sampled": len(followings),
		"mutual_count":       len(rows),
		"media_count":        len(media),
	})
	profile.CommentsData = marshalDoc(map[string]interface{}{
		"comments": comments,
	})

	if _, err := s.cache.Save(ctx, profile); err != nil {
		return nil, fmt.Errorf("persist scrape result: %w", err)
	}

	result := &TaskResult{
		FollowersCount:  len(followers),
		FollowingsCount: len(followings),
		MutualsCount:    len(rows),
		MediaCount:      len(media),
		CommentsCount:   len(comments),
		Mutuals:         make([]string, 0, len(rows)),
	}
	for _, row := range rows {
		result.Mutuals = append(result.Mutuals, row.Username)
	}
	return result, nil
}

// sampleUsers picks up to n users uniformly without replacement.
func sampleUsers(users []instagram.FollowerUser, n int) []instagram.FollowerUser {
	if n <= 0 {
		n = 20
	}
	if n > len(users) {
		n = len(users)
	}
	out := make([]instagram.FollowerUser, len(users))
	copy(out, users)
	rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out[:n]
}

// storeFollowers downloads avatars and replaces the follower rows.
func (s *Service) storeFollowers(ctx context.Context, profileID int64, users []instagram.FollowerUser) []storage.InstagramFollower {
	items := make([]blobstore.BatchItem, 0, len(users))
	for _, u := range users {
		if u.HasAnonymousProfilePicture || u.ProfilePicURL == "" {
			continue
		}
		items = append(items, blobstore.BatchItem{Key: u.Username, URL: u.ProfilePicURL})
	}
	localPaths := s.blobs.BatchSave(ctx, blobstore.KindFollower, items)

	rows := make([]storage.InstagramFollower, 0, len(users))
	for _, u := range users {
		row := storage.InstagramFollower{
			FollowerPK:                 u.FollowerPK,
			Username:                   u.Username,
			FullName:                   u.FullName,
			ProfilePicURL:              u.ProfilePicURL,
			ProfilePicURLLocal:         localPaths[u.Username],
			IsVerified:                 u.IsVerified,
			IsPrivate:                  u.IsPrivate,
			HasAnonymousProfilePicture: u.HasAnonymousProfilePicture,
			FBIDV2:                     u.FBIDV2,
			ThirdPartyDownloadsEnabled: u.ThirdPartyDownloadsEnabled,
		}
		if u.LatestReelMedia > 0 {
			row.LatestReelMedia = strconv.FormatInt(u.LatestReelMedia, 10)
		}
		rows = append(rows, row)
	}

	if err := s.store.ReplaceFollowers(ctx, profileID, rows); err != nil {
		s.log.Warn().Err(err).Int64("profile_id", profileID).Msg("follower rows not persisted")
	}
	return rows
}

// collectMedia prefers the timeline captured by the profile lookup and
// falls back to the mobile feed when it is empty.
func (s *Service) collectMedia(ctx context.Context, profile storage.InstagramProfile, userID string) []instagram.MediaItem {
	limit := s.cfg.MediaLimit
	if limit <= 0 {
		limit = 12
	}

	var analytics struct {
		RecentMedia []instagram.RecentMedia `json:"recent_media"`
	}
	if len(profile.AnalyticsData) > 0 {
		_ = json.Unmarshal(profile.AnalyticsData, &analytics)
	}

	if len(analytics.RecentMedia) > 0 {
		out := make([]instagram.MediaItem, 0, limit)
		for _, m := range analytics.RecentMedia {
			if len(out) >= limit {
				break
			}
			out = append(out, instagram.MediaItem{
				PK:               m.ID,
				Shortcode:        m.Shortcode,
				CommentsDisabled: m.CommentsDisabled,
				CommentCount:     m.CommentCount,
				IsVideo:          m.IsVideo,
				TakenAtTimestamp: m.TakenAtTimestamp,
			})
		}
		return out
	}

	media, err := s.ig.GetRecentMediaMobile(ctx, userID, limit)
	if err != nil {
		s.log.Warn().Err(err).Str("user_id", userID).Msg("mobile feed fallback failed")
		return nil
	}
	return media
}

// collectComments accumulates up to the configured total across posts,
// skipping media with comments disabled.
func (s *Service) collectComments(ctx context.Context, media []instagram.MediaItem) []instagram.Comment {
	budget := s.cfg.CommentLimit
	if budget <= 0 {
		budget = 5
	}

	var out []instagram.Comment
	for _, m := range media {
		if len(out) >= budget {
			break
		}
		if m.CommentsDisabled || m.CommentCount == 0 {
			continue
		}
		ref := m.PK
		if ref == "" {
			ref = m.Shortcode
		}
		comments, err := s.ig.GetComments(ctx, ref, budget-len(out), m.Shortcode)
		if err != nil {
			s.log.Debug().Err(err).Str("media", ref).Msg("comment fetch failed")
			continue
		}
		if len(comments) == 0 && s.cfg.SessionFallback && m.Shortcode != "" {
			comments, err = s.fallback.CommentsByShortcode(ctx, m.Shortcode, budget-len(out))
			if err != nil {
				s.log.Debug().Err(err).Str("media", ref).Msg("comment fallback failed")
			}
		}
		out = append(out, comments...)
	}
	if len(out) > budget {
		out = out[:budget]
	}
	return out
}

func (s *Service) storePostImages(ctx context.Context, media []instagram.MediaItem) map[string]string {
	items := make([]blobstore.BatchItem, 0, len(media))
	for _, m := range media {
		if m.ImageURL == "" || m.PK == "" {
			continue
		}
		items = append(items, blobstore.BatchItem{Key: m.PK, URL: m.ImageURL})
	}
	return s.blobs.BatchSave(ctx, blobstore.KindPost, items)
}

func (s *Service) updateTask(ctx context.Context, t task, state TaskState, errMsg string, result *TaskResult) {
	rec, ok, err := s.tasks.Get(ctx, t.id)
	if err != nil || !ok {
		rec = TaskRecord{TaskID: t.id, Username: t.username, CreatedAt: time.Now()}
	}
	rec.State = state
	rec.Error = errMsg
	rec.Result = result
	rec.UpdatedAt = time.Now()
	if err := s.tasks.Put(ctx, rec); err != nil {
		s.log.Warn().Err(err).Str("task_id", t.id).Msg("task record update failed")
	}
}

func (s *Service) sweepInterval() time.Duration {
	if s.cfg.SweepInterval.Duration > 0 {
		return s.cfg.SweepInterval.Duration
	}
	return 5 * time.Minute
}

func (s *Service) observeJob(outcome string, started time.Time) {
	if s.metrics != nil {
		s.metrics.ObserveScrapeJob(outcome, time.Since(started))
	}
}

func marshalDoc(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}

func profileUserID(profile storage.InstagramProfile) string {
	var analytics struct {
		ProfileID string `json:"profile_id"`
	}
	if len(profile.AnalyticsData) > 0 {
		if err := json.Unmarshal(profile.AnalyticsData, &analytics); err == nil {
			return analytics.ProfileID
		}
	}
	return ""
}
