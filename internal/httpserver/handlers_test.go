package httpserver

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/instarding/server/internal/billing"
	"github.com/instarding/server/internal/blobstore"
	"github.com/instarding/server/internal/circuitbreaker"
	"github.com/instarding/server/internal/cloudpayments"
	"github.com/instarding/server/internal/config"
	"github.com/instarding/server/internal/httpclient"
	"github.com/instarding/server/internal/instagram"
	"github.com/instarding/server/internal/notify"
	"github.com/instarding/server/internal/parserconfig"
	"github.com/instarding/server/internal/scrape"
	"github.com/instarding/server/internal/storage"
)

// env stands up the full HTTP stack against httptest fixtures for the
// Instagram endpoints and the payment gateway.
type env struct {
	t      *testing.T
	srv    *httptest.Server
	router *chi.Mux
	store  storage.Store
	scrape *scrape.Service
	secret string
}

func newEnv(t *testing.T, gatewaySecret string) *env {
	t.Helper()

	store := storage.NewMemoryStore()
	t.Cleanup(func() { store.Close() })

	igSrv := newInstagramFixture(t)
	cpSrv := newGatewayFixture(t)

	pcStore, err := parserconfig.Open(filepath.Join(t.TempDir(), "parser_config.json"), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	pcStore.AddCookie("ds_user_id=1;csrftoken=testtoken;sessionid=abc")

	blobs, err := blobstore.New(filepath.Join(t.TempDir(), "images"), 1200, zerolog.Nop(), nil)
	if err != nil {
		t.Fatal(err)
	}

	breakers := circuitbreaker.NewManager(circuitbreaker.Config{Enabled: false})

	ingest := config.IngestConfig{
		MaxConcurrent:       10,
		MaxParallelRequests: 1,
		RequestTimeout:      config.Duration{Duration: 2 * time.Second},
		SockReadTimeout:     config.Duration{Duration: 2 * time.Second},
		MetricsWindow:       config.Duration{Duration: time.Minute},
		RefreshSuccessRate:  0.7,
		Retry: config.IngestRetryConfig{
			InitialInterval: config.Duration{Duration: time.Millisecond},
			MaxInterval:     config.Duration{Duration: time.Millisecond},
			Multiplier:      2,
		},
	}
	scrapeCfg := config.ScrapeConfig{
		ProfileCacheTTL: config.Duration{Duration: time.Hour},
		TaskStatusTTL:   config.Duration{Duration: time.Hour},
		SweepInterval:   config.Duration{Duration: time.Minute},
		PageSize:        25,
		MaxFollowers:    10,
		MaxFollowings:   10,
		MediaLimit:      12,
		CommentLimit:    5,
		RateLimit: config.ScrapeRateLimitConfig{
			BaseDelay: config.Duration{Duration: time.Millisecond},
		},
	}

	ig := instagram.NewClient(
		httpclient.New(ingest, zerolog.Nop(), nil),
		instagram.NewRotator(pcStore, zerolog.Nop()),
		instagram.NewLimiter(scrapeCfg.RateLimit),
		breakers,
		scrapeCfg,
		zerolog.Nop(),
	)
	ig.SetBaseURLs(igSrv.URL, igSrv.URL)

	cache := scrape.NewCache(store, scrapeCfg.ProfileCacheTTL.Duration, zerolog.Nop(), nil)
	tasks := scrape.NewMemoryTaskStore(scrapeCfg.TaskStatusTTL.Duration)
	scrapeSvc := scrape.NewService(ig, cache, store, blobs, tasks, nil, scrapeCfg, zerolog.Nop(), nil)

	cpCfg := config.CloudPaymentsConfig{
		PublicID:    "pk_test",
		APISecret:   gatewaySecret,
		BaseURL:     cpSrv.URL,
		Timeout:     config.Duration{Duration: 2 * time.Second},
		ServiceName: "instarding",
	}
	gateway := cloudpayments.New(cpCfg, breakers, zerolog.Nop(), nil)

	billingCfg := config.BillingConfig{
		FailedAttemptsThreshold: 3,
		MaxDowngradeDepth:       5,
		RetryDelay:              config.Duration{Duration: 24 * time.Hour},
		PauseDuration:           config.Duration{Duration: 168 * time.Hour},
		RecurrentPeriodDays:     10,
		DemoFirstChargeDelay:    config.Duration{Duration: 24 * time.Hour},
		DemoTargetTariff:        "Exclusive",
	}
	billingSvc := billing.NewService(store, gateway, billingCfg, zerolog.Nop(), nil)
	scheduler := billing.NewScheduler(billingSvc, store, billingCfg, zerolog.Nop())

	notifySvc := notify.NewService(store, nil, config.NotificationsConfig{
		Enabled:    true,
		MaxRetries: 3,
		MiniAppURL: "https://t.me/instarding/app",
	}, zerolog.Nop(), nil)

	cfg := &config.Config{}
	cfg.Server.AdminMetricsAPIKey = "admin-key"
	cfg.CloudPayments = cpCfg
	cfg.Billing = billingCfg
	cfg.BlobStore.CleanupDays = 30
	cfg.Storage.Backend = "memory"

	router := chi.NewRouter()
	ConfigureRouter(router, Deps{
		Config:       cfg,
		Store:        store,
		Scrape:       scrapeSvc,
		Billing:      billingSvc,
		Scheduler:    scheduler,
		Notify:       notifySvc,
		Gateway:      gateway,
		ParserConfig: pcStore,
		Blobs:        blobs,
		Breakers:     breakers,
		Logger:       zerolog.Nop(),
	})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &env{t: t, srv: srv, router: router, store: store, scrape: scrapeSvc, secret: gatewaySecret}
}

func newInstagramFixture(t *testing.T) *httptest.Server {
	t.Helper()

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
	var srv *httptest.Server

	mux.HandleFunc("/img/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write(img)
	})
	mux.HandleFunc("/api/v1/users/web_profile_info/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"data":{"user":{
			"id":"777",
			"username":%q,
			"full_name":"Target User",
			"biography":"bio",
			"profile_pic_url":"%s/img/avatar.jpg",
			"profile_pic_url_hd":"%s/img/avatar_hd.jpg",
			"edge_followed_by":{"count":100},
			"edge_follow":{"count":50},
			"edge_owner_to_timeline_media":{"count":0,"edges":[]}
		}}}`, r.URL.Query().Get("username"), srv.URL, srv.URL)
	})

	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newGatewayFixture(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/payments/tokens/charge", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"Success":true,"Model":{"TransactionId":700001,"Status":"Completed"}}`))
	})
	mux.HandleFunc("/subscriptions/create", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"Success":true,"Model":{"Id":"sc_http_1","Status":"Active"}}`))
	})
	mux.HandleFunc("/subscriptions/cancel", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"Success":true}`))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// doJSON issues a request with an optional JSON body and decodes the
// JSON response into a generic map.
func (e *env) doJSON(method, path string, body interface{}, headers map[string]string) (int, map[string]interface{}) {
	e.t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			e.t.Fatal(err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	if err != nil {
		e.t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		e.t.Fatal(err)
	}
	defer resp.Body.Close()

	var out map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func (e *env) admin(method, path string, body interface{}) (int, map[string]interface{}) {
	return e.doJSON(method, path, body, map[string]string{"Authorization": "Bearer admin-key"})
}

func seedTariff(t *testing.T, store storage.Store, tariff storage.Tariff) storage.Tariff {
	t.Helper()
	saved, err := store.SaveTariff(t.Context(), tariff)
	if err != nil {
		t.Fatal(err)
	}
	return saved
}

func seedUser(t *testing.T, store storage.Store, user storage.User) storage.User {
	t.Helper()
	saved, err := store.SaveUser(t.Context(), user)
	if err != nil {
		t.Fatal(err)
	}
	return saved
}

func intp(v int) *int { return &v }

func TestAuthLogin(t *testing.T) {
	e := newEnv(t, "")

	code, resp := e.doJSON("POST", "/api/auth/login", map[string]string{
		"user_id": "u1", "first_name": "Ada", "username": "ada",
	}, nil)
	if code != http.StatusOK {
		t.Fatalf("login status = %d, body %v", code, resp)
	}
	if resp["is_new"] != true {
		t.Error("first login must report is_new")
	}

	code, resp = e.doJSON("POST", "/api/auth/login", map[string]string{
		"user_id": "u1", "first_name": "Grace",
	}, nil)
	if code != http.StatusOK || resp["is_new"] != false {
		t.Fatalf("second login: status %d, is_new %v", code, resp["is_new"])
	}

	user, err := e.store.GetUser(t.Context(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if user.FirstName != "Grace" || user.TelegramUsername != "ada" {
		t.Errorf("user = %+v", user)
	}
	if user.LastLogin == nil {
		t.Error("last_login not stamped")
	}

	code, _ = e.doJSON("POST", "/api/auth/login", map[string]string{"first_name": "nobody"}, nil)
	if code != http.StatusBadRequest {
		t.Errorf("missing user_id: status = %d", code)
	}
}

func TestGetUser(t *testing.T) {
	e := newEnv(t, "")
	seedUser(t, e.store, storage.User{UserID: "u1", FirstName: "Ada"})

	code, resp := e.doJSON("GET", "/api/auth/user/u1", nil, nil)
	if code != http.StatusOK || resp["user_id"] != "u1" {
		t.Errorf("status %d, body %v", code, resp)
	}

	code, resp = e.doJSON("GET", "/api/auth/user/missing", nil, nil)
	if code != http.StatusNotFound {
		t.Errorf("missing user: status = %d, body %v", code, resp)
	}
}

func TestCheckProfile_FlowAndWarming(t *testing.T) {
	e := newEnv(t, "")

	code, resp := e.doJSON("POST", "/api/profile/check", map[string]string{
		"username": " @Target ", "user_id": "u1",
	}, nil)
	if code != http.StatusOK {
		t.Fatalf("check status = %d, body %v", code, resp)
	}

	profile := resp["profile"].(map[string]interface{})
	if profile["username"] != "target" {
		t.Errorf("username = %v", profile["username"])
	}
	if resp["from_cache"] != false {
		t.Error("first check must not come from cache")
	}
	if resp["has_active_subscription"] != false {
		t.Error("fresh user must not have access")
	}
	taskID, _ := resp["parse_task_id"].(string)
	if taskID == "" {
		t.Fatal("deep scrape not queued")
	}

	// The user was auto-created and the request counted.
	user, err := e.store.GetUser(t.Context(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if user.TotalRequests != 1 {
		t.Errorf("total_requests = %d", user.TotalRequests)
	}

	// First parse plans the five warming notifications.
	due, err := e.store.DueNotifications(t.Context(), time.Now().Add(97*time.Hour), 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 5 {
		t.Errorf("warming notifications = %d, want 5", len(due))
	}

	// Second check serves the cache and plans nothing new.
	code, resp = e.doJSON("POST", "/api/profile/check", map[string]string{
		"username": "target", "user_id": "u1",
	}, nil)
	if code != http.StatusOK || resp["from_cache"] != true {
		t.Errorf("second check: status %d, from_cache %v", code, resp["from_cache"])
	}
	due, _ = e.store.DueNotifications(t.Context(), time.Now().Add(97*time.Hour), 3)
	if len(due) != 5 {
		t.Errorf("repeat parse planned more notifications: %d", len(due))
	}

	// Task and queue status endpoints see the queued work.
	code, taskResp := e.doJSON("GET", "/api/parse/tasks/"+taskID, nil, nil)
	if code != http.StatusOK || taskResp["status"] != "pending" {
		t.Errorf("task status: %d %v", code, taskResp)
	}
	code, _ = e.doJSON("GET", "/api/parse/tasks/unknown-task", nil, nil)
	if code != http.StatusNotFound {
		t.Errorf("unknown task: status = %d", code)
	}
	code, queueResp := e.doJSON("GET", "/api/parse/queue", nil, nil)
	if code != http.StatusOK || queueResp["pending_count"] != float64(1) {
		t.Errorf("queue: %d %v", code, queueResp)
	}

	code, statusResp := e.doJSON("GET", "/api/profile/target/parse-status", nil, nil)
	if code != http.StatusOK || statusResp["parsing_status"] != "pending" {
		t.Errorf("parse-status: %d %v", code, statusResp)
	}
}

func TestCheckProfile_Validation(t *testing.T) {
	e := newEnv(t, "")

	code, _ := e.doJSON("POST", "/api/profile/check", map[string]string{"username": "  @  "}, nil)
	if code != http.StatusBadRequest {
		t.Errorf("blank username: status = %d", code)
	}
}

func TestCheckProfile_AccessGate(t *testing.T) {
	e := newEnv(t, "")

	quota := seedTariff(t, e.store, storage.Tariff{
		Name: "Combo 5", Price: 299, RequestsCount: intp(5), IsActive: true,
	})
	seedUser(t, e.store, storage.User{
		UserID: "paid-quota", IsPaid: true, CurrentTariffID: &quota.ID, RemainingRequests: 2,
	})

	code, resp := e.doJSON("POST", "/api/profile/check", map[string]string{
		"username": "target", "user_id": "paid-quota",
	}, nil)
	if code != http.StatusOK || resp["has_active_subscription"] != true {
		t.Errorf("quota user: status %d, has_active %v", code, resp["has_active_subscription"])
	}

	past := time.Now().Add(-time.Hour)
	seedUser(t, e.store, storage.User{
		UserID: "expired", IsPaid: true, SubscriptionEnd: &past,
	})
	code, resp = e.doJSON("POST", "/api/profile/check", map[string]string{
		"username": "target", "user_id": "expired",
	}, nil)
	if code != http.StatusOK || resp["has_active_subscription"] != false {
		t.Errorf("expired user: status %d, has_active %v", code, resp["has_active_subscription"])
	}

	// The expired window clears the paid flag in place.
	user, err := e.store.GetUser(t.Context(), "expired")
	if err != nil {
		t.Fatal(err)
	}
	if user.IsPaid {
		t.Error("expired user still marked paid")
	}
}

func TestTariffEndpoints(t *testing.T) {
	e := newEnv(t, "")
	active := seedTariff(t, e.store, storage.Tariff{Name: "Daily", Price: 499, DurationDays: intp(1), IsActive: true})
	seedTariff(t, e.store, storage.Tariff{Name: "Legacy", Price: 100, IsActive: false})

	code, resp := e.doJSON("GET", "/api/tariffs", nil, nil)
	if code != http.StatusOK || resp["count"] != float64(1) {
		t.Errorf("list: status %d, count %v", code, resp["count"])
	}

	code, resp = e.doJSON("GET", fmt.Sprintf("/api/tariffs/%d", active.ID), nil, nil)
	if code != http.StatusOK || resp["name"] != "Daily" {
		t.Errorf("get: status %d, body %v", code, resp)
	}

	code, _ = e.doJSON("GET", "/api/tariffs/99999", nil, nil)
	if code != http.StatusNotFound {
		t.Errorf("missing tariff: status = %d", code)
	}
	code, _ = e.doJSON("GET", "/api/tariffs/abc", nil, nil)
	if code != http.StatusBadRequest {
		t.Errorf("bad id: status = %d", code)
	}
}

func TestSubscriptionLifecycle(t *testing.T) {
	e := newEnv(t, "")
	tariff := seedTariff(t, e.store, storage.Tariff{
		Name: "Exclusive", Price: 999, DurationDays: intp(10), IsActive: true, AutoRenewal: true,
	})
	seedUser(t, e.store, storage.User{UserID: "u1"})

	code, resp := e.doJSON("POST", "/api/subscription/purchase", map[string]interface{}{
		"user_id": "u1", "tariff_id": tariff.ID, "card_token": "tok_visa",
	}, nil)
	if code != http.StatusOK {
		t.Fatalf("purchase: status %d, body %v", code, resp)
	}
	sub := resp["subscription"].(map[string]interface{})
	if sub["auto_renewal"] != true || sub["cloudpayments_subscription_id"] != "sc_http_1" {
		t.Errorf("subscription = %v", sub)
	}

	code, resp = e.doJSON("GET", "/api/subscription/status/u1", nil, nil)
	if code != http.StatusOK || resp["has_active_subscription"] != true {
		t.Errorf("status: %d %v", code, resp)
	}
	if _, ok := resp["tariff"]; !ok {
		t.Error("status view missing tariff")
	}

	code, resp = e.doJSON("POST", "/api/subscription/pause", map[string]string{"user_id": "u1"}, nil)
	if code != http.StatusOK || resp["status"] != "paused" {
		t.Fatalf("pause: %d %v", code, resp)
	}
	if resp["subscription"].(map[string]interface{})["paused_at"] == nil {
		t.Error("paused_at not stamped")
	}

	code, resp = e.doJSON("POST", "/api/subscription/resume", map[string]string{"user_id": "u1"}, nil)
	if code != http.StatusOK || resp["status"] != "active" {
		t.Fatalf("resume: %d %v", code, resp)
	}

	code, resp = e.doJSON("POST", "/api/subscription/cancel", map[string]string{"user_id": "u1"}, nil)
	if code != http.StatusOK || resp["status"] != "cancelled" {
		t.Fatalf("cancel: %d %v", code, resp)
	}
	user, err := e.store.GetUser(t.Context(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if user.IsPaid {
		t.Error("cancel must revoke access")
	}

	// Pausing again without an active subscription is a client error.
	code, _ = e.doJSON("POST", "/api/subscription/pause", map[string]string{"user_id": "u1"}, nil)
	if code == http.StatusOK {
		t.Error("pause after cancel must fail")
	}
}

func TestPurchaseValidation(t *testing.T) {
	e := newEnv(t, "")

	code, _ := e.doJSON("POST", "/api/subscription/purchase", map[string]interface{}{"tariff_id": 1}, nil)
	if code != http.StatusBadRequest {
		t.Errorf("missing user_id: status = %d", code)
	}
	code, _ = e.doJSON("POST", "/api/subscription/purchase", map[string]interface{}{"user_id": "u1"}, nil)
	if code != http.StatusBadRequest {
		t.Errorf("missing tariff_id: status = %d", code)
	}
}

func TestGatewayWebhook_FormEncoded(t *testing.T) {
	e := newEnv(t, "")
	tariff := seedTariff(t, e.store, storage.Tariff{
		Name: "Daily", Price: 499, DurationDays: intp(1), IsActive: true,
	})
	seedUser(t, e.store, storage.User{UserID: "u9"})

	form := url.Values{}
	form.Set("TransactionId", "900001")
	form.Set("Status", "Completed")
	form.Set("AccountId", "u9")
	form.Set("Amount", "499.00")
	form.Set("Token", "tok_9")
	form.Set("Data", fmt.Sprintf(`{"tariff_id":%d}`, tariff.ID))

	resp, err := http.Post(e.srv.URL+"/api/payments/cloudpayments/notification",
		"application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var ack map[string]int
	json.NewDecoder(resp.Body).Decode(&ack)
	if resp.StatusCode != http.StatusOK || ack["code"] != 0 {
		t.Fatalf("ack = %d %v", resp.StatusCode, ack)
	}

	payments, err := e.store.ListPaymentsByUser(t.Context(), "u9")
	if err != nil {
		t.Fatal(err)
	}
	if len(payments) != 1 {
		t.Fatalf("payments = %d, want the parked webhook payment", len(payments))
	}
	if payments[0].Status != storage.PaymentCompleted || payments[0].CardToken != "tok_9" {
		t.Errorf("parked payment = %+v", payments[0])
	}
}

func webhookSignature(secret string, fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+fields[k])
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strings.Join(parts, "&")))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestGatewayWebhook_Signature(t *testing.T) {
	e := newEnv(t, "whsec")

	fields := map[string]string{
		"TransactionId": "900002",
		"Status":        "Completed",
		"AccountId":     "ghost",
		"Amount":        "499",
	}

	post := func(signature string) map[string]int {
		t.Helper()
		raw, _ := json.Marshal(fields)
		req, _ := http.NewRequest("POST", e.srv.URL+"/api/payments/cloudpayments/notification", bytes.NewReader(raw))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Content-HMAC", signature)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		var ack map[string]int
		json.NewDecoder(resp.Body).Decode(&ack)
		return ack
	}

	// A forged delivery is acked like any other so the gateway never
	// retries it, but it must not change state.
	if ack := post("deadbeef"); ack["code"] != 0 {
		t.Errorf("forged signature ack = %v", ack)
	}
	if payments, _ := e.store.ListPaymentsByUser(t.Context(), "ghost"); len(payments) != 0 {
		t.Errorf("forged delivery wrote %d payments", len(payments))
	}

	if ack := post(webhookSignature("whsec", fields)); ack["code"] != 0 {
		t.Errorf("valid signature ack = %v", ack)
	}
}

func TestGatewayWebhook_UnparseableBodyStillAcked(t *testing.T) {
	e := newEnv(t, "")

	resp, err := http.Post(e.srv.URL+"/api/payments/cloudpayments/notification",
		"application/json", strings.NewReader("{not json"))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var ack map[string]int
	json.NewDecoder(resp.Body).Decode(&ack)
	if resp.StatusCode != http.StatusOK || ack["code"] != 0 {
		t.Errorf("ack = %d %v, want 200 code 0", resp.StatusCode, ack)
	}
}

func TestActivityEndpoints(t *testing.T) {
	e := newEnv(t, "")

	code, _ := e.doJSON("POST", "/api/activity/app-start", map[string]string{"user_id": "u1"}, nil)
	if code != http.StatusOK {
		t.Fatalf("app-start: %d", code)
	}
	code, _ = e.doJSON("POST", "/api/activity/app-exit", map[string]string{"user_id": "u1"}, nil)
	if code != http.StatusOK {
		t.Fatalf("app-exit: %d", code)
	}

	code, resp := e.doJSON("GET", "/api/activity/stats/u1", nil, nil)
	if code != http.StatusOK {
		t.Fatalf("stats: %d %v", code, resp)
	}
	counts := resp["counts"].(map[string]interface{})
	if counts["app_start"] != float64(1) || counts["app_exit"] != float64(1) {
		t.Errorf("counts = %v", counts)
	}

	code, _ = e.doJSON("GET", "/api/activity/stats/u1?days=abc", nil, nil)
	if code != http.StatusBadRequest {
		t.Errorf("bad days: status = %d", code)
	}

	code, _ = e.doJSON("POST", "/api/activity/app-start", map[string]string{}, nil)
	if code != http.StatusBadRequest {
		t.Errorf("missing user_id: status = %d", code)
	}
}

func TestAdminParserEndpoints(t *testing.T) {
	e := newEnv(t, "")

	// The admin key protects every operator endpoint.
	code, _ := e.doJSON("GET", "/api/admin/parser/config", nil, nil)
	if code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated admin call: status = %d", code)
	}

	code, resp := e.admin("GET", "/api/admin/parser/config", nil)
	if code != http.StatusOK || resp["cookie_count"] != float64(1) {
		t.Fatalf("config: %d %v", code, resp)
	}

	code, resp = e.admin("POST", "/api/admin/parser/cookies",
		map[string]string{"cookie": "ds_user_id=2;sessionid=def"})
	if code != http.StatusOK || resp["count"] != float64(2) {
		t.Fatalf("add cookie: %d %v", code, resp)
	}
	code, _ = e.admin("POST", "/api/admin/parser/cookies",
		map[string]string{"cookie": "ds_user_id=2;sessionid=def"})
	if code != http.StatusBadRequest {
		t.Errorf("duplicate cookie: status = %d", code)
	}

	code, _ = e.admin("PUT", "/api/admin/parser/cookies/1",
		map[string]string{"cookie": "ds_user_id=3;sessionid=ghi"})
	if code != http.StatusOK {
		t.Errorf("update cookie: status = %d", code)
	}
	code, _ = e.admin("PUT", "/api/admin/parser/cookies/9",
		map[string]string{"cookie": "x"})
	if code != http.StatusBadRequest {
		t.Errorf("out-of-range update: status = %d", code)
	}

	code, resp = e.admin("DELETE", "/api/admin/parser/cookies/1", nil)
	if code != http.StatusOK || resp["count"] != float64(1) {
		t.Errorf("remove cookie: %d %v", code, resp)
	}
	// The last cookie cannot be removed.
	code, _ = e.admin("DELETE", "/api/admin/parser/cookies/0", nil)
	if code != http.StatusBadRequest {
		t.Errorf("removing last cookie: status = %d", code)
	}

	code, resp = e.admin("PUT", "/api/admin/parser/timings", map[string]float64{"base_delay": 20})
	if code != http.StatusOK {
		t.Fatalf("timings: %d %v", code, resp)
	}
	timings := resp["timings"].(map[string]interface{})
	if timings["base_delay"] != float64(20) {
		t.Errorf("base_delay = %v", timings["base_delay"])
	}
	code, _ = e.admin("PUT", "/api/admin/parser/timings", map[string]float64{"bogus": 1})
	if code != http.StatusBadRequest {
		t.Errorf("unknown timing: status = %d", code)
	}

	code, resp = e.admin("POST", "/api/admin/parser/reset", nil)
	if code != http.StatusOK || resp["cookie_count"] != float64(0) {
		t.Errorf("reset: %d %v", code, resp)
	}
}

func TestStorageAdminEndpoints(t *testing.T) {
	e := newEnv(t, "")

	code, resp := e.admin("GET", "/api/admin/storage/stats", nil)
	if code != http.StatusOK {
		t.Fatalf("stats: %d %v", code, resp)
	}
	if _, ok := resp["total_size_mb"]; !ok {
		t.Errorf("stats body = %v", resp)
	}

	code, resp = e.admin("POST", "/api/admin/storage/cleanup", map[string]int{})
	if code != http.StatusOK || resp["days"] != float64(30) {
		t.Errorf("cleanup: %d %v", code, resp)
	}
	code, resp = e.admin("POST", "/api/admin/storage/cleanup", map[string]int{"days": 7})
	if code != http.StatusOK || resp["days"] != float64(7) {
		t.Errorf("cleanup override: %d %v", code, resp)
	}
}

func TestPaymentHistory(t *testing.T) {
	e := newEnv(t, "")
	tariff := seedTariff(t, e.store, storage.Tariff{Name: "Eco", Price: 199, DurationDays: intp(30), IsActive: true})
	seedUser(t, e.store, storage.User{UserID: "u1"})

	code, _ := e.doJSON("POST", "/api/subscription/purchase", map[string]interface{}{
		"user_id": "u1", "tariff_id": tariff.ID,
	}, nil)
	if code != http.StatusOK {
		t.Fatalf("purchase: %d", code)
	}

	code, resp := e.doJSON("GET", "/api/payments/history/u1", nil, nil)
	if code != http.StatusOK || resp["count"] != float64(1) {
		t.Errorf("history: %d %v", code, resp)
	}
}

func TestHealth(t *testing.T) {
	e := newEnv(t, "")

	code, resp := e.doJSON("GET", "/health", nil, nil)
	if code != http.StatusOK {
		t.Fatalf("health: %d %v", code, resp)
	}
	// Background loops are not started in this harness.
	if resp["status"] != "degraded" || resp["worker_alive"] != false {
		t.Errorf("health body = %v", resp)
	}
	breakers := resp["breakers"].(map[string]interface{})
	if breakers["cloudpayments"] != "disabled" {
		t.Errorf("breakers = %v", breakers)
	}

	e.scrape.Start()
	t.Cleanup(e.scrape.Stop)
	code, resp = e.doJSON("GET", "/health", nil, nil)
	if code != http.StatusOK || resp["worker_alive"] != true {
		t.Errorf("health after start = %d %v", code, resp)
	}
}
