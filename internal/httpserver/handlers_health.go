package httpserver

import (
	"net/http"
	"time"

	"github.com/instarding/server/internal/circuitbreaker"
	"github.com/instarding/server/pkg/responders"
)

// health reports process liveness plus the state of the background
// loops and the outbound circuit breakers. Always HTTP 200; "degraded"
// means a loop that should be running is not.
func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	status := "ok"

	workerAlive := false
	if h.scrape != nil {
		if qs, err := h.scrape.Status(r.Context()); err == nil {
			workerAlive = qs.WorkerAlive
		}
		if !workerAlive {
			status = "degraded"
		}
	}

	schedulerAlive := h.scheduler != nil && h.scheduler.Alive()
	if h.scheduler != nil && !schedulerAlive {
		status = "degraded"
	}

	notifyAlive := h.notify != nil && h.notify.Alive()

	resp := map[string]interface{}{
		"status":          status,
		"uptime_seconds":  int64(time.Since(serverStartTime).Seconds()),
		"worker_alive":    workerAlive,
		"scheduler_alive": schedulerAlive,
		"notifier_alive":  notifyAlive,
		"storage_backend": h.cfg.Storage.Backend,
	}

	if h.breakers != nil {
		resp["breakers"] = map[string]string{
			"instagram_profile": h.breakers.State(circuitbreaker.ServiceInstagramProfile),
			"instagram_graphql": h.breakers.State(circuitbreaker.ServiceInstagramGraphQL),
			"cloudpayments":     h.breakers.State(circuitbreaker.ServiceGateway),
		}
	}

	responders.JSON(w, http.StatusOK, resp)
}
