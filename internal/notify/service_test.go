package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/instarding/server/internal/config"
	"github.com/instarding/server/internal/storage"
)

// recordingNotifier captures sends and can be told to fail.
type recordingNotifier struct {
	mu    sync.Mutex
	sent  []Message
	chats []string
	fail  bool
}

func (r *recordingNotifier) Send(ctx context.Context, chatID string, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("delivery refused")
	}
	r.chats = append(r.chats, chatID)
	r.sent = append(r.sent, msg)
	return nil
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func newTestNotifyService(t *testing.T, enabled bool) (*Service, storage.Store, *recordingNotifier) {
	t.Helper()
	store := storage.NewMemoryStore()
	t.Cleanup(func() { store.Close() })
	rec := &recordingNotifier{}

	svc := NewService(store, rec, config.NotificationsConfig{
		Enabled:      enabled,
		TickInterval: config.Duration{Duration: time.Minute},
		MaxRetries:   3,
		MiniAppURL:   "https://t.me/instarding/app",
	}, zerolog.Nop(), nil)
	return svc, store, rec
}

func TestRegisterProfileParse_PlansWarmingSequence(t *testing.T) {
	svc, store, _ := newTestNotifyService(t, true)
	ctx := context.Background()

	if err := svc.RegisterProfileParse(ctx, "user-1", "target"); err != nil {
		t.Fatalf("register: %v", err)
	}

	// Everything within the 96h horizon plus slack.
	horizon := time.Now().Add(97 * time.Hour)
	due, err := store.DueNotifications(ctx, horizon, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 5 {
		t.Fatalf("planned = %d, want 5", len(due))
	}

	byType := map[string]storage.NotificationSchedule{}
	for _, n := range due {
		byType[n.NotificationType] = n
	}
	for _, want := range []string{"like", "follower", "message", "observer", "activity"} {
		if _, ok := byType[want]; !ok {
			t.Errorf("missing %q notification", want)
		}
	}

	likeDelay := time.Until(byType["like"].ScheduledTime)
	if likeDelay < 4*time.Minute || likeDelay > 11*time.Minute {
		t.Errorf("like scheduled in %v, want 5-10 minutes", likeDelay)
	}
	followerDelay := time.Until(byType["follower"].ScheduledTime)
	if followerDelay < time.Hour || followerDelay > 3*time.Hour {
		t.Errorf("follower scheduled in %v, want ~2h", followerDelay)
	}
	if byType["observer"].MessageText != "A new observer appeared on your page" {
		t.Errorf("observer text = %q", byType["observer"].MessageText)
	}
	if byType["like"].ButtonURL != "https://t.me/instarding/app" {
		t.Errorf("button url = %q", byType["like"].ButtonURL)
	}

	counts, err := svc.ActivityStats(ctx, "user-1", 7)
	if err != nil {
		t.Fatal(err)
	}
	if counts[ActivityProfileParse] != 1 {
		t.Errorf("profile_parse count = %d", counts[ActivityProfileParse])
	}
}

func TestRegisterProfileParse_DisabledStillRecordsActivity(t *testing.T) {
	svc, store, _ := newTestNotifyService(t, false)
	ctx := context.Background()

	if err := svc.RegisterProfileParse(ctx, "user-1", "target"); err != nil {
		t.Fatal(err)
	}

	due, _ := store.DueNotifications(ctx, time.Now().Add(100*time.Hour), 3)
	if len(due) != 0 {
		t.Errorf("planned = %d, want none while disabled", len(due))
	}
	counts, _ := svc.ActivityStats(ctx, "user-1", 7)
	if counts[ActivityProfileParse] != 1 {
		t.Error("activity must be recorded even when disabled")
	}
}

func TestRegisterAppStartAndExit(t *testing.T) {
	svc, _, _ := newTestNotifyService(t, true)
	ctx := context.Background()

	if err := svc.RegisterAppStart(ctx, "user-1"); err != nil {
		t.Fatal(err)
	}
	if err := svc.RegisterAppExit(ctx, "user-1"); err != nil {
		t.Fatal(err)
	}

	counts, err := svc.ActivityStats(ctx, "user-1", 7)
	if err != nil {
		t.Fatal(err)
	}
	if counts[ActivityAppStart] != 1 || counts[ActivityAppExit] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestTick_DeliversDueAndMarksSent(t *testing.T) {
	svc, store, rec := newTestNotifyService(t, true)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)
	err := store.CreateNotifications(ctx, []storage.NotificationSchedule{
		{UserID: "user-1", NotificationType: "like", ScheduledTime: past,
			MessageText: "due now", ButtonText: "View", ButtonURL: "https://x"},
		{UserID: "user-1", NotificationType: "follower", ScheduledTime: future,
			MessageText: "not yet"},
	})
	if err != nil {
		t.Fatal(err)
	}

	svc.Tick(ctx)

	if rec.count() != 1 {
		t.Fatalf("sent = %d, want only the due one", rec.count())
	}
	if rec.sent[0].Text != "due now" || rec.chats[0] != "user-1" {
		t.Errorf("sent = %+v to %q", rec.sent[0], rec.chats[0])
	}

	// The delivered record stays gone on the next tick.
	svc.Tick(ctx)
	if rec.count() != 1 {
		t.Errorf("sent = %d after second tick, want still 1", rec.count())
	}
}

func TestTick_FailuresExhaustRetryBudget(t *testing.T) {
	svc, store, rec := newTestNotifyService(t, true)
	ctx := context.Background()
	rec.fail = true

	past := time.Now().Add(-time.Minute)
	if err := store.CreateNotifications(ctx, []storage.NotificationSchedule{
		{UserID: "user-1", NotificationType: "like", ScheduledTime: past, MessageText: "doomed"},
	}); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 4; i++ {
		svc.Tick(ctx)
	}

	// Three failures spend the budget; the record must not be due anymore.
	due, err := store.DueNotifications(ctx, time.Now(), 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 0 {
		t.Errorf("due = %d after exhausted retries, want 0", len(due))
	}
}

func TestCancelPending(t *testing.T) {
	svc, store, _ := newTestNotifyService(t, true)
	ctx := context.Background()

	if err := svc.RegisterProfileParse(ctx, "user-1", "target"); err != nil {
		t.Fatal(err)
	}
	n, err := svc.CancelPending(ctx, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Errorf("cancelled = %d, want 5", n)
	}

	due, _ := store.DueNotifications(ctx, time.Now().Add(100*time.Hour), 3)
	if len(due) != 0 {
		t.Errorf("due = %d after cancel", len(due))
	}
}

func TestServiceStartStop(t *testing.T) {
	svc, _, _ := newTestNotifyService(t, true)
	svc.Start()
	if !svc.Alive() {
		t.Error("loop not alive after start")
	}
	svc.Stop()
	if svc.Alive() {
		t.Error("loop alive after stop")
	}
}

func TestServiceStartDisabled(t *testing.T) {
	svc, _, _ := newTestNotifyService(t, false)
	svc.Start()
	if svc.Alive() {
		t.Error("disabled service must not report alive")
	}
	svc.Stop() // must not block
}

func TestTelegramNotifier_SendShape(t *testing.T) {
	var gotPath string
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{"ok":true,"result":{"message_id":42}}`))
	}))
	defer srv.Close()

	n := NewTelegramNotifier(srv.URL, "123:abc", zerolog.Nop())
	err := n.Send(context.Background(), "555", Message{
		Text: "hello", ButtonText: "Open", ButtonURL: "https://x",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if gotPath != "/bot123:abc/sendMessage" {
		t.Errorf("path = %q", gotPath)
	}
	if gotBody["chat_id"] != "555" || gotBody["text"] != "hello" || gotBody["parse_mode"] != "HTML" {
		t.Errorf("body = %v", gotBody)
	}
	if _, ok := gotBody["reply_markup"]; !ok {
		t.Error("inline keyboard missing")
	}
}

func TestTelegramNotifier_RefusalIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"ok":false,"description":"chat not found"}`))
	}))
	defer srv.Close()

	n := NewTelegramNotifier(srv.URL, "123:abc", zerolog.Nop())
	if err := n.Send(context.Background(), "555", Message{Text: "hi"}); err == nil {
		t.Error("refusal must surface as an error")
	}
}
