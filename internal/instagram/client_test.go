package instagram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/instarding/server/internal/circuitbreaker"
	"github.com/instarding/server/internal/config"
	apierrors "github.com/instarding/server/internal/errors"
	"github.com/instarding/server/internal/httpclient"
	"github.com/instarding/server/internal/parserconfig"
)

func newTestAPIClient(t *testing.T, srv *httptest.Server) *Client {
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

	store, err := parserconfig.Open(filepath.Join(t.TempDir(), "parser_config.json"), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	store.AddCookie("ds_user_id=1;csrftoken=testtoken;sessionid=abc")

	scrapeCfg := config.ScrapeConfig{
		PageSize: 2,
		RateLimit: config.ScrapeRateLimitConfig{
			BaseDelay: config.Duration{Duration: time.Millisecond},
		},
	}

	c := NewClient(
		httpclient.New(ingest, zerolog.Nop(), nil),
		NewRotator(store, zerolog.Nop()),
		NewLimiter(scrapeCfg.RateLimit),
		circuitbreaker.NewManager(circuitbreaker.Config{Enabled: false}),
		scrapeCfg,
		zerolog.Nop(),
	)
	c.webBase = srv.URL
	c.mobileBase = srv.URL
	return c
}

func TestGetProfile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/users/web_profile_info/" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("username"); got != "testuser" {
			t.Errorf("username = %q", got)
		}
		if got := r.Header.Get("X-IG-App-ID"); got != igAppID {
			t.Errorf("app id header = %q", got)
		}
		if got := r.Header.Get("Referer"); got != "https://www.instagram.com/testuser/" {
			t.Errorf("referer = %q", got)
		}

		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{
				"user": map[string]interface{}{
					"id":                  "12345",
					"username":            "testuser",
					"full_name":           "Test User",
					"biography":           "bio",
					"is_private":          false,
					"is_verified":         true,
					"profile_pic_url":     "https://cdn.example/low.jpg",
					"profile_pic_url_hd":  "https://cdn.example/hd.jpg",
					"edge_followed_by":    map[string]interface{}{"count": 150},
					"edge_follow":         nil,
					"edge_owner_to_timeline_media": map[string]interface{}{
						"count": 42,
						"edges": []interface{}{
							map[string]interface{}{"node": map[string]interface{}{
								"id":                   "m1",
								"shortcode":            "ABC123",
								"is_video":             false,
								"taken_at_timestamp":   1700000000,
								"comments_disabled":    false,
								"edge_media_to_comment": map[string]interface{}{"count": 7},
							}},
						},
					},
				},
			},
		})
	}))
	defer srv.Close()

	c := newTestAPIClient(t, srv)
	p, err := c.GetProfile(context.Background(), "testuser")
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}

	if p.ID != "12345" || p.Username != "testuser" {
		t.Errorf("profile = %+v", p)
	}
	if p.FollowersCount != 150 {
		t.Errorf("followers = %d, want 150", p.FollowersCount)
	}
	// Null edge must not panic and must read as zero.
	if p.FollowingCount != 0 {
		t.Errorf("following = %d, want 0 for null edge", p.FollowingCount)
	}
	if p.PostsCount != 42 {
		t.Errorf("posts = %d", p.PostsCount)
	}
	if p.ProfilePicURL != "https://cdn.example/hd.jpg" {
		t.Errorf("pic = %q, want the HD url preferred", p.ProfilePicURL)
	}
	if len(p.RecentMedia) != 1 || p.RecentMedia[0].Shortcode != "ABC123" || p.RecentMedia[0].CommentCount != 7 {
		t.Errorf("recent media = %+v", p.RecentMedia)
	}
}

func TestGetProfile_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"data": map[string]interface{}{"user": nil}})
	}))
	defer srv.Close()

	c := newTestAPIClient(t, srv)
	_, err := c.GetProfile(context.Background(), "ghost")
	if code := apierrors.CodeOf(err); code != apierrors.ErrCodeProfileNotFound {
		t.Errorf("code = %q, want profile_not_found", code)
	}
}

func TestGetFollowers_PaginatesUntilLimit(t *testing.T) {
	page := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/graphql/query/" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("query_hash"); got != queryHashFollowers {
			t.Errorf("query_hash = %q", got)
		}

		var vars map[string]interface{}
		if err := json.Unmarshal([]byte(r.URL.Query().Get("variables")), &vars); err != nil {
			t.Fatalf("variables: %v", err)
		}
		if page == 0 && vars["after"] != nil {
			t.Error("first page must not carry a cursor")
		}
		if page == 1 && vars["after"] != "cursor-1" {
			t.Errorf("second page cursor = %v", vars["after"])
		}

		page++
		edges := []interface{}{}
		for i := 0; i < 2; i++ {
			edges = append(edges, map[string]interface{}{"node": map[string]interface{}{
				"id":       strconv.Itoa(page*2 + i),
				"username": "u",
			}})
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{
				"user": map[string]interface{}{
					"edge_followed_by": map[string]interface{}{
						"edges": edges,
						"page_info": map[string]interface{}{
							"has_next_page": true,
							"end_cursor":    "cursor-1",
						},
					},
				},
			},
		})
	}))
	defer srv.Close()

	c := newTestAPIClient(t, srv)
	followers, err := c.GetFollowers(context.Background(), "12345", 3)
	if err != nil {
		t.Fatalf("get followers: %v", err)
	}
	if len(followers) != 3 {
		t.Errorf("collected %d followers, want exactly the limit 3", len(followers))
	}
	if page != 2 {
		t.Errorf("server saw %d pages, want 2", page)
	}
}

func TestGetFollowers_StopsWhenNoNextPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{
				"user": map[string]interface{}{
					"edge_follow": map[string]interface{}{
						"edges": []interface{}{
							map[string]interface{}{"node": map[string]interface{}{"id": "7", "username": "only"}},
						},
						"page_info": map[string]interface{}{"has_next_page": false, "end_cursor": ""},
					},
				},
			},
		})
	}))
	defer srv.Close()

	c := newTestAPIClient(t, srv)
	followings, err := c.GetFollowings(context.Background(), "12345", 50)
	if err != nil {
		t.Fatalf("get followings: %v", err)
	}
	if len(followings) != 1 || followings[0].Username != "only" {
		t.Errorf("followings = %+v", followings)
	}
}

func TestFindMutuals(t *testing.T) {
	followers := []FollowerUser{
		{FollowerPK: "1", Username: "alice"},
		{FollowerPK: "2", Username: "bob"},
		{FollowerPK: "", Username: "broken"},
	}
	followings := []FollowerUser{
		{FollowerPK: "2", Username: "bob_following_view"},
		{FollowerPK: "3", Username: "carol"},
		{FollowerPK: "", Username: "broken2"},
	}

	mutuals := FindMutuals(followers, followings)
	if len(mutuals) != 1 {
		t.Fatalf("mutuals = %+v, want 1", mutuals)
	}
	// The follower-side record wins.
	if mutuals[0].Username != "bob" {
		t.Errorf("mutual = %+v, want the follower-side record", mutuals[0])
	}
}

func TestGetRecentMediaMobile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/feed/user/12345/" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("count"); got != "12" {
			t.Errorf("count = %q", got)
		}
		if got := r.Header.Get("X-ASBD-ID"); got != asbdID {
			t.Errorf("asbd header = %q", got)
		}
		if got := r.Header.Get("X-CSRFToken"); got != "testtoken" {
			t.Errorf("csrf header = %q", got)
		}

		json.NewEncoder(w).Encode(map[string]interface{}{
			"items": []interface{}{
				map[string]interface{}{
					"pk":            111,
					"code":          "AAA",
					"comment_count": 3,
					"media_type":    2,
					"image_versions2": map[string]interface{}{
						"candidates": []interface{}{map[string]interface{}{"url": "https://cdn.example/a.jpg"}},
					},
				},
				map[string]interface{}{
					"pk":                  222,
					"code":                "BBB",
					"commenting_disabled": true,
					"carousel_media": []interface{}{
						map[string]interface{}{
							"image_versions2": map[string]interface{}{
								"candidates": []interface{}{map[string]interface{}{"url": "https://cdn.example/b.jpg"}},
							},
						},
					},
				},
			},
		})
	}))
	defer srv.Close()

	c := newTestAPIClient(t, srv)
	media, err := c.GetRecentMediaMobile(context.Background(), "12345", 12)
	if err != nil {
		t.Fatalf("mobile feed: %v", err)
	}
	if len(media) != 2 {
		t.Fatalf("media = %+v", media)
	}
	if media[0].PK != "111" || media[0].ImageURL != "https://cdn.example/a.jpg" || !media[0].IsVideo {
		t.Errorf("first item = %+v", media[0])
	}
	// Carousel image comes from the first child; commenting_disabled counts.
	if media[1].ImageURL != "https://cdn.example/b.jpg" || !media[1].CommentsDisabled {
		t.Errorf("second item = %+v", media[1])
	}
}

func TestGetComments_MobileThenWebFallback(t *testing.T) {
	var mobileCalls, webCalls int
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/media/555/comments/", func(w http.ResponseWriter, r *http.Request) {
		// The same path serves both hosts in this test; tell them apart
		// by call order: mobile first returns empty, web returns data.
		if mobileCalls == 0 {
			mobileCalls++
			json.NewEncoder(w).Encode(map[string]interface{}{"comments": []interface{}{}})
			return
		}
		webCalls++
		json.NewEncoder(w).Encode(map[string]interface{}{
			"comments": []interface{}{
				map[string]interface{}{
					"pk":   9001,
					"text": "nice shot",
					"user": map[string]interface{}{"username": "fan", "profile_pic_url": "https://cdn.example/f.jpg"},
				},
			},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestAPIClient(t, srv)
	comments, err := c.GetComments(context.Background(), "555", 5, "SHORT1")
	if err != nil {
		t.Fatalf("get comments: %v", err)
	}
	if mobileCalls != 1 || webCalls != 1 {
		t.Errorf("mobile=%d web=%d, want 1 and 1", mobileCalls, webCalls)
	}
	if len(comments) != 1 {
		t.Fatalf("comments = %+v", comments)
	}
	if comments[0].ID != "9001" || comments[0].Text != "nice shot" {
		t.Errorf("comment = %+v", comments[0])
	}
	if comments[0].PostURL != "https://www.instagram.com/p/SHORT1/" {
		t.Errorf("post_url = %q", comments[0].PostURL)
	}
}

func TestGetComments_ResolvesShortcode(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/media/shortcode/XYZ/", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"items": []interface{}{map[string]interface{}{"pk": 777}},
		})
	})
	mux.HandleFunc("/api/v1/media/777/comments/", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"comments": []interface{}{
				map[string]interface{}{"pk": 1, "text": "hello", "user": map[string]interface{}{"username": "x"}},
			},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestAPIClient(t, srv)
	comments, err := c.GetComments(context.Background(), "XYZ", 2, "XYZ")
	if err != nil {
		t.Fatalf("get comments: %v", err)
	}
	if len(comments) != 1 || comments[0].Text != "hello" {
		t.Errorf("comments = %+v", comments)
	}
}

func TestLimiter_DelayBounds(t *testing.T) {
	l := NewLimiter(config.ScrapeRateLimitConfig{
		BaseDelay: config.Duration{Duration: 100 * time.Millisecond},
		JitterMax: 0.5,
		DelayMin:  config.Duration{Duration: 10 * time.Millisecond},
		DelayMax:  config.Duration{Duration: 30 * time.Millisecond},
	})

	for i := 0; i < 100; i++ {
		d := l.Delay()
		if d < 110*time.Millisecond || d > 180*time.Millisecond {
			t.Fatalf("delay = %v, want within [110ms, 180ms]", d)
		}
	}
}

func TestLimiter_WaitRespectsContext(t *testing.T) {
	l := NewLimiter(config.ScrapeRateLimitConfig{
		BaseDelay: config.Duration{Duration: 10 * time.Second},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	if err := l.Wait(ctx); err == nil {
		t.Error("expected context error")
	}
	if time.Since(start) > time.Second {
		t.Error("wait did not honor cancellation")
	}
}
