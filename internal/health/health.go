// Package health serves liveness and readiness probes for the transcription
// server.
//
//   - /healthz — liveness; a process that answers HTTP is alive. Reports
//     service name and uptime.
//   - /readyz  — readiness; 200 only when every registered [Checker]
//     (transcript store, recording storage, transcription backend) passes.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// checkTimeout bounds one readiness probe of one dependency.
const checkTimeout = 5 * time.Second

// Checker probes one dependency. Check returns nil when healthy and must
// respect context cancellation.
type Checker struct {
	// Name labels the check in the JSON response ("store", "storage",
	// "transcription").
	Name string

	Check func(ctx context.Context) error
}

// liveBody is the /healthz response.
type liveBody struct {
	Status        string  `json:"status"`
	Service       string  `json:"service"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// readyBody is the /readyz response.
type readyBody struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves both probe endpoints. Safe for concurrent use; the checker
// list is fixed at construction.
type Handler struct {
	service  string
	started  time.Time
	checkers []Checker
}

// New creates a probe handler for the named service. Checkers run
// sequentially in the order given on each /readyz request.
func New(service string, checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{service: service, started: time.Now(), checkers: c}
}

// Healthz always answers 200; it carries the uptime so a restart loop is
// visible from probe output alone.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, liveBody{
		Status:        "ok",
		Service:       h.service,
		UptimeSeconds: time.Since(h.started).Seconds(),
	})
}

// Readyz answers 200 only when every checker passes, each bounded by
// checkTimeout.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers))
	ready := true

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			ready = false
		} else {
			checks[c.Name] = "ok"
		}
	}

	body := readyBody{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !ready {
		body.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, body)
}

// Register adds both probe routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
