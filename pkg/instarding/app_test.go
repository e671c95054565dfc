package instarding

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/instarding/server/internal/config"
	"github.com/instarding/server/internal/storage"
)

// newTestApp isolates the metrics registry so several apps can live in
// one test binary.
func newTestApp(t *testing.T, opts ...Option) *App {
	t.Helper()
	opts = append(opts, WithMetricsRegistry(prometheus.NewRegistry()))
	app, err := NewApp(testConfig(t), opts...)
	if err != nil {
		t.Fatal(err)
	}
	return app
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	cfg := &config.Config{}
	cfg.Storage.Backend = "memory"
	cfg.ParserConfig.Path = filepath.Join(dir, "parser_config.json")
	cfg.BlobStore.BaseDir = filepath.Join(dir, "images")
	cfg.BlobStore.MaxDimension = 1200
	cfg.Scrape.TaskStore = "memory"
	return cfg
}

func TestNewAppRequiresConfig(t *testing.T) {
	if _, err := NewApp(nil); err == nil {
		t.Fatal("expected error for nil config")
	}
}

func TestNewAppWiresRoutes(t *testing.T) {
	app := newTestApp(t)
	defer app.Close()

	if app.Store == nil || app.Scrape == nil || app.Billing == nil || app.Notify == nil {
		t.Fatal("expected all services to be constructed")
	}

	for _, rt := range []struct{ method, path string }{
		{"GET", "/health"},
		{"POST", "/api/auth/login"},
		{"POST", "/api/profile/check"},
		{"GET", "/api/tariffs"},
		{"POST", "/api/payments/cloudpayments/notification"},
	} {
		if !app.Router().Match(chi.NewRouteContext(), rt.method, rt.path) {
			t.Errorf("%s %s not registered", rt.method, rt.path)
		}
	}
}

func TestWithStoreOption(t *testing.T) {
	store := storage.NewMemoryStore()
	app := newTestApp(t, WithStore(store))
	defer app.Close()

	if app.Store != storage.Store(store) {
		t.Fatal("custom store not used")
	}
}

func TestRegisterRoutesOnExistingRouter(t *testing.T) {
	app := newTestApp(t)
	defer app.Close()

	router := chi.NewRouter()
	RegisterRoutes(router, app)

	srv := httptest.NewServer(router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}
}

func TestStartAndClose(t *testing.T) {
	app := newTestApp(t)

	app.Start()
	if !app.Scheduler.Alive() {
		t.Error("scheduler not running after Start")
	}
	if err := app.Close(); err != nil {
		t.Fatal(err)
	}
}
