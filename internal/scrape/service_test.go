package scrape

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/instarding/server/internal/blobstore"
	"github.com/instarding/server/internal/circuitbreaker"
	"github.com/instarding/server/internal/config"
	"github.com/instarding/server/internal/httpclient"
	"github.com/instarding/server/internal/instagram"
	"github.com/instarding/server/internal/parserconfig"
	"github.com/instarding/server/internal/storage"
)

// fixture serves the Instagram endpoints and the image blobs the deep
// scrape downloads, counting profile hits for cache assertions.
type fixture struct {
	srv         *httptest.Server
	profileHits int64
	profileFail int32

	mu              sync.Mutex
	followersNodes  string
	followingsNodes string
}

// setUserLists replaces the GraphQL follower and following edges; the
// {base} placeholder expands to the fixture URL.
func (f *fixture) setUserLists(followers, followings string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.followersNodes = followers
	f.followingsNodes = followings
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{}

	img := func() []byte {
		m := image.NewRGBA(image.Rect(0, 0, 8, 8))
		for y := 0; y < 8; y++ {
			for x := 0; x < 8; x++ {
				m.Set(x, y, color.RGBA{R: 10, G: 20, B: 30, A: 255})
			}
		}
		var buf bytes.Buffer
		jpeg.Encode(&buf, m, nil)
		return buf.Bytes()
	}()

	mux := http.NewServeMux()

	mux.HandleFunc("/img/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write(img)
	})

	mux.HandleFunc("/api/v1/users/web_profile_info/", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&f.profileHits, 1)
		if atomic.LoadInt32(&f.profileFail) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprintf(w, `{"data":{"user":{
			"id":"777",
			"username":%q,
			"full_name":"Target User",
			"biography":"bio",
			"profile_pic_url":"%s/img/avatar_small.jpg",
			"profile_pic_url_hd":"%s/img/avatar.jpg",
			"edge_followed_by":{"count":100},
			"edge_follow":{"count":50},
			"edge_owner_to_timeline_media":{"count":3,"edges":[
				{"node":{"id":"111","shortcode":"SC1","is_video":false,
					"taken_at_timestamp":1700000000,"comments_disabled":false,
					"edge_media_to_comment":{"count":2}}},
				{"node":{"id":"112","shortcode":"SC2","is_video":false,
					"taken_at_timestamp":1700000100,"comments_disabled":true,
					"edge_media_to_comment":{"count":9}}}
			]}
		}}}`, r.URL.Query().Get("username"), f.srv.URL, f.srv.URL)
	})

	f.setUserLists(`[
		{"node":{"id":"1","username":"alice","full_name":"Alice","profile_pic_url":"{base}/img/f1.jpg"}},
		{"node":{"id":"2","username":"bob","full_name":"Bob","profile_pic_url":"{base}/img/f2.jpg"}}
	]`, `[
		{"node":{"id":"2","username":"bob","full_name":"Bob","profile_pic_url":"{base}/img/f2.jpg"}},
		{"node":{"id":"3","username":"carol","full_name":"Carol","profile_pic_url":"{base}/img/f3.jpg"}}
	]`)

	mux.HandleFunc("/graphql/query/", func(w http.ResponseWriter, r *http.Request) {
		var vars struct {
			ID string `json:"id"`
		}
		json.Unmarshal([]byte(r.URL.Query().Get("variables")), &vars)

		f.mu.Lock()
		edgeKey := "edge_followed_by"
		nodes := f.followersNodes
		if r.URL.Query().Get("query_hash") == "d04b0a864b4b54837c0d870b0e77e076" {
			edgeKey = "edge_follow"
			nodes = f.followingsNodes
		}
		f.mu.Unlock()

		nodes = strings.ReplaceAll(nodes, "{base}", f.srv.URL)
		fmt.Fprintf(w, `{"data":{"user":{%q:{"edges":`+nodes+
			`,"page_info":{"has_next_page":false,"end_cursor":""}}}}}`, edgeKey)
	})

	mux.HandleFunc("/api/v1/media/111/comments/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"comments":[
			{"pk":9001,"text":"nice shot","user":{"username":"alice","full_name":"Alice"}},
			{"pk":9002,"text":"love it","user":{"username":"bob","full_name":"Bob"}}
		]}`)
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func newTestService(t *testing.T, f *fixture, tweaks ...func(*config.ScrapeConfig)) (*Service, storage.Store) {
	t.Helper()

	ingest := config.IngestConfig{
		MaxConcurrent:       10,
		MaxParallelRequests: 1,
		RequestTimeout:      config.Duration{Duration: 2 * time.Second},
		SockReadTimeout:     config.Duration{Duration: 2 * time.Second},
		MetricsWindow:       config.Duration{Duration: time.Minute},
		RefreshSuccessRate:  0.7,
		Retry: config.IngestRetryConfig{
			MaxRetries:      0,
			InitialInterval: config.Duration{Duration: time.Millisecond},
			MaxInterval:     config.Duration{Duration: time.Millisecond},
			Multiplier:      2,
		},
	}

	pcStore, err := parserconfig.Open(filepath.Join(t.TempDir(), "parser_config.json"), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	pcStore.AddCookie("ds_user_id=1;csrftoken=testtoken;sessionid=abc")

	scrapeCfg := config.ScrapeConfig{
		ProfileCacheTTL:  config.Duration{Duration: time.Hour},
		TaskStatusTTL:    config.Duration{Duration: time.Hour},
		SweepInterval:    config.Duration{Duration: time.Minute},
		PageSize:         25,
		MaxFollowers:     10,
		MaxFollowings:    10,
		MutualSampleSize: 5,
		MediaLimit:       12,
		CommentLimit:     5,
		RateLimit: config.ScrapeRateLimitConfig{
			BaseDelay: config.Duration{Duration: time.Millisecond},
		},
	}
	for _, tweak := range tweaks {
		tweak(&scrapeCfg)
	}

	ig := instagram.NewClient(
		httpclient.New(ingest, zerolog.Nop(), nil),
		instagram.NewRotator(pcStore, zerolog.Nop()),
		instagram.NewLimiter(scrapeCfg.RateLimit),
		circuitbreaker.NewManager(circuitbreaker.Config{Enabled: false}),
		scrapeCfg,
		zerolog.Nop(),
	)
	ig.SetBaseURLs(f.srv.URL, f.srv.URL)

	blobs, err := blobstore.New(filepath.Join(t.TempDir(), "images"), 1200, zerolog.Nop(), nil)
	if err != nil {
		t.Fatal(err)
	}

	store := storage.NewMemoryStore()
	cache := NewCache(store, scrapeCfg.ProfileCacheTTL.Duration, zerolog.Nop(), nil)
	tasks := NewMemoryTaskStore(scrapeCfg.TaskStatusTTL.Duration)

	return NewService(ig, cache, store, blobs, tasks, nil, scrapeCfg, zerolog.Nop(), nil), store
}

func TestCheckProfile_ScrapesThenServesCache(t *testing.T) {
	f := newFixture(t)
	svc, _ := newTestService(t, f)
	ctx := context.Background()

	profile, cached, err := svc.CheckProfile(ctx, "@Target")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if cached {
		t.Error("first check must scrape, not hit the cache")
	}
	if profile.Username != "target" {
		t.Errorf("username = %q, want normalized target", profile.Username)
	}
	if profile.FollowersCount != 100 || profile.FollowingCount != 50 {
		t.Errorf("counts = %d/%d", profile.FollowersCount, profile.FollowingCount)
	}
	if !strings.Contains(profile.ProfilePicURL, "/profiles/target_") {
		t.Errorf("avatar not stored locally: %q", profile.ProfilePicURL)
	}

	again, cached, err := svc.CheckProfile(ctx, "target")
	if err != nil {
		t.Fatalf("second check: %v", err)
	}
	if !cached {
		t.Error("second check must come from cache")
	}
	if again.ID != profile.ID {
		t.Errorf("cache returned a different row: %d vs %d", again.ID, profile.ID)
	}
	if hits := atomic.LoadInt64(&f.profileHits); hits != 1 {
		t.Errorf("profile endpoint hits = %d, want 1", hits)
	}
}

func TestCheckProfile_ServesStaleCopyWhenUpstreamFails(t *testing.T) {
	f := newFixture(t)
	svc, store := newTestService(t, f)
	ctx := context.Background()

	if _, _, err := svc.CheckProfile(ctx, "target"); err != nil {
		t.Fatalf("prime: %v", err)
	}
	if err := store.MarkProfileStale(ctx, "target"); err != nil {
		t.Fatal(err)
	}
	atomic.StoreInt32(&f.profileFail, 1)

	profile, cached, err := svc.CheckProfile(ctx, "target")
	if err != nil {
		t.Fatalf("stale check: %v", err)
	}
	if !cached || profile.Username != "target" {
		t.Errorf("expected the stale copy, got cached=%v profile=%+v", cached, profile)
	}
}

func TestCheckProfile_ValidatesUsername(t *testing.T) {
	f := newFixture(t)
	svc, _ := newTestService(t, f)

	if _, _, err := svc.CheckProfile(context.Background(), "  @ "); err == nil {
		t.Error("blank username must fail validation")
	}
}

func TestDeepScrape_EndToEnd(t *testing.T) {
	f := newFixture(t)
	svc, store := newTestService(t, f)
	ctx := context.Background()

	svc.Start()
	defer svc.Stop()

	taskID, err := svc.EnqueueDeepScrape(ctx, "target")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if !strings.HasPrefix(taskID, "target_") {
		t.Errorf("task id = %q, want target_{unix_ms}", taskID)
	}

	var rec TaskRecord
	deadline := time.After(10 * time.Second)
	for {
		r, ok, err := svc.TaskStatus(ctx, taskID)
		if err != nil {
			t.Fatal(err)
		}
		if ok && r.State == TaskFailed {
			t.Fatalf("task failed: %s", r.Error)
		}
		if ok && r.State == TaskCompleted {
			rec = r
			break
		}
		select {
		case <-deadline:
			t.Fatal("deep scrape did not complete")
		case <-time.After(20 * time.Millisecond):
		}
	}

	if rec.Result == nil {
		t.Fatal("completed record must carry the aggregated result")
	}
	if rec.Result.FollowersCount != 2 || rec.Result.FollowingsCount != 2 {
		t.Errorf("result counts = %d followers / %d followings, want 2 / 2",
			rec.Result.FollowersCount, rec.Result.FollowingsCount)
	}
	if rec.Result.MutualsCount != 1 || len(rec.Result.Mutuals) != 1 || rec.Result.Mutuals[0] != "bob" {
		t.Errorf("result mutuals = %v", rec.Result.Mutuals)
	}
	if rec.Result.CommentsCount != 2 || rec.Result.MediaCount != 2 {
		t.Errorf("result = %d comments / %d media, want 2 / 2",
			rec.Result.CommentsCount, rec.Result.MediaCount)
	}

	profile, err := store.GetProfile(ctx, "target")
	if err != nil {
		t.Fatal(err)
	}
	if profile.ParsingStatus != storage.ParseCompleted {
		t.Errorf("parsing status = %s", profile.ParsingStatus)
	}
	if profile.FollowersParsedAt == nil {
		t.Error("completion must stamp followers_parsed_at")
	}
	if len(profile.CommentsData) == 0 || len(profile.PostsData) == 0 {
		t.Error("scrape documents missing")
	}

	var comments struct {
		Comments []instagram.Comment `json:"comments"`
	}
	if err := json.Unmarshal(profile.CommentsData, &comments); err != nil {
		t.Fatal(err)
	}
	if len(comments.Comments) != 2 {
		t.Errorf("comments = %d, want 2 (disabled media skipped)", len(comments.Comments))
	}

	// Follower rows come from the mutual intersection (bob only).
	followers, err := store.ListFollowers(ctx, profile.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(followers) != 1 || followers[0].Username != "bob" {
		t.Errorf("followers = %+v, want the single mutual bob", followers)
	}
	if followers[0].ProfilePicURLLocal == "" {
		t.Error("mutual avatar not downloaded")
	}
}

func TestDeepScrape_SamplesFollowingsWhenNoMutuals(t *testing.T) {
	f := newFixture(t)
	// Disjoint lists: no mutuals, so the audience falls back to a
	// random sample drawn from the followings.
	f.setUserLists(`[
		{"node":{"id":"10","username":"fol_a","full_name":"A"}},
		{"node":{"id":"11","username":"fol_b","full_name":"B"}}
	]`, `[
		{"node":{"id":"20","username":"fng_c","full_name":"C"}},
		{"node":{"id":"21","username":"fng_d","full_name":"D"}},
		{"node":{"id":"22","username":"fng_e","full_name":"E"}}
	]`)
	svc, store := newTestService(t, f)
	ctx := context.Background()

	svc.Start()
	defer svc.Stop()

	taskID, err := svc.EnqueueDeepScrape(ctx, "target")
	if err != nil {
		t.Fatal(err)
	}
	waitForTask(t, svc, taskID)

	profile, err := store.GetProfile(ctx, "target")
	if err != nil {
		t.Fatal(err)
	}
	rows, err := store.ListFollowers(ctx, profile.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Fatalf("sampled rows = %d, want all 3 followings (sample cap is above the list)", len(rows))
	}
	followings := map[string]bool{"fng_c": true, "fng_d": true, "fng_e": true}
	for _, row := range rows {
		if !followings[row.Username] {
			t.Errorf("sampled %q from the follower list, want followings only", row.Username)
		}
	}
}

func TestSampleUsers(t *testing.T) {
	users := make([]instagram.FollowerUser, 40)
	for i := range users {
		users[i] = instagram.FollowerUser{
			FollowerPK: fmt.Sprintf("%d", i),
			Username:   fmt.Sprintf("u%d", i),
		}
	}

	got := sampleUsers(users, 20)
	if len(got) != 20 {
		t.Fatalf("sampled = %d, want 20", len(got))
	}
	seen := map[string]bool{}
	for _, u := range got {
		if seen[u.Username] {
			t.Fatalf("user %s sampled twice", u.Username)
		}
		seen[u.Username] = true
	}
	if users[0].Username != "u0" || users[39].Username != "u39" {
		t.Error("input slice mutated")
	}

	// Zero falls back to the default cap; a short list returns whole.
	if got := sampleUsers(users, 0); len(got) != 20 {
		t.Errorf("default sample = %d, want 20", len(got))
	}
	if got := sampleUsers(users[:3], 20); len(got) != 3 {
		t.Errorf("short list sample = %d, want 3", len(got))
	}
}

func TestDeepScrape_PacesBetweenTraversalStages(t *testing.T) {
	f := newFixture(t)
	svc, _ := newTestService(t, f, func(cfg *config.ScrapeConfig) {
		cfg.RateLimit.BaseDelay = config.Duration{Duration: 40 * time.Millisecond}
	})
	ctx := context.Background()

	svc.Start()
	defer svc.Stop()

	started := time.Now()
	taskID, err := svc.EnqueueDeepScrape(ctx, "target")
	if err != nil {
		t.Fatal(err)
	}
	waitForTask(t, svc, taskID)

	// Single-page traversals never wait between pages, so the elapsed
	// floor comes from the two inter-stage pauses.
	if elapsed := time.Since(started); elapsed < 80*time.Millisecond {
		t.Errorf("deep scrape finished in %v, want at least two pacing intervals", elapsed)
	}
}

func waitForTask(t *testing.T, svc *Service, taskID string) TaskRecord {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		rec, ok, err := svc.TaskStatus(context.Background(), taskID)
		if err != nil {
			t.Fatal(err)
		}
		if ok && rec.State == TaskFailed {
			t.Fatalf("task failed: %s", rec.Error)
		}
		if ok && rec.State == TaskCompleted {
			return rec
		}
		select {
		case <-deadline:
			t.Fatal("deep scrape did not complete")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestQueueStatusAggregate(t *testing.T) {
	f := newFixture(t)
	svc, _ := newTestService(t, f)
	ctx := context.Background()

	svc.Start()
	taskID, err := svc.EnqueueDeepScrape(ctx, "target")
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.After(10 * time.Second)
	for {
		rec, ok, _ := svc.TaskStatus(ctx, taskID)
		if ok && (rec.State == TaskCompleted || rec.State == TaskFailed) {
			break
		}
		select {
		case <-deadline:
			t.Fatal("task did not settle")
		case <-time.After(20 * time.Millisecond):
		}
	}

	status, err := svc.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !status.WorkerAlive {
		t.Error("worker should report alive before Stop")
	}
	if len(status.Completed) != 1 || status.Completed[0] != taskID {
		t.Errorf("completed = %v", status.Completed)
	}

	svc.Stop()
	status, err = svc.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if status.WorkerAlive {
		t.Error("worker must report dead after Stop")
	}
}

func TestTaskStatus_UnknownTask(t *testing.T) {
	f := newFixture(t)
	svc, _ := newTestService(t, f)

	_, ok, err := svc.TaskStatus(context.Background(), "nobody_123")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("unknown task must report not found")
	}
}

func TestMemoryTaskStore_Sweep(t *testing.T) {
	s := NewMemoryTaskStore(time.Hour)
	ctx := context.Background()

	old := time.Now().Add(-2 * time.Hour)
	s.Put(ctx, TaskRecord{TaskID: "old_1", State: TaskCompleted, UpdatedAt: old})
	s.Put(ctx, TaskRecord{TaskID: "new_1", State: TaskPending, UpdatedAt: time.Now()})

	// Expired records are invisible even before the sweep runs.
	if _, ok, _ := s.Get(ctx, "old_1"); ok {
		t.Error("expired record visible")
	}

	if removed := s.Sweep(time.Now()); removed != 1 {
		t.Errorf("swept = %d, want 1", removed)
	}
	list, _ := s.List(ctx)
	if len(list) != 1 || list[0].TaskID != "new_1" {
		t.Errorf("list = %+v", list)
	}
}
