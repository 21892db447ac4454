// Package server exposes the resilient call pipelines over HTTP: batch
// invocation endpoints that exercise the guarded destinations, read-only
// circuit inspection, administrative circuit overrides, and a log tail.
package server

import (
	"encoding/json"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dskow/resilience-core/internal/breaker"
	"github.com/dskow/resilience-core/internal/config"
	"github.com/dskow/resilience-core/internal/pipeline"
)

// maxBatchSize caps the count query parameter so one request cannot spawn
// an unbounded number of goroutines.
const maxBatchSize = 200

// logTailBytes is how much of the log file the /logs endpoint returns.
const logTailBytes = 256 * 1024

// LogReader supplies the tail of the structured log for /logs.
// Nil is valid when logging goes to stdout/stderr.
type LogReader interface {
	Tail(maxBytes int64) ([]byte, error)
}

// Handler serves the service endpoints over the configured pipelines.
type Handler struct {
	pipelines map[string]*pipeline.Client
	order     []string
	scenarios map[string]config.ScenarioConfig
	guard     func(http.HandlerFunc) http.HandlerFunc
	logs      LogReader
	logger    *slog.Logger
}

// New creates a Handler. guard wraps the administrative endpoints
// (pass an identity function when auth is disabled). order preserves the
// configured destination order; the first destination is the default for
// the invoke endpoints.
func New(
	pipelines []*pipeline.Client,
	scenarios map[string]config.ScenarioConfig,
	guard func(http.HandlerFunc) http.HandlerFunc,
	logs LogReader,
	logger *slog.Logger,
) *Handler {
	byName := make(map[string]*pipeline.Client, len(pipelines))
	order := make([]string, 0, len(pipelines))
	for _, p := range pipelines {
		byName[p.Destination()] = p
		order = append(order, p.Destination())
	}
	if guard == nil {
		guard = func(next http.HandlerFunc) http.HandlerFunc { return next }
	}
	return &Handler{
		pipelines: byName,
		order:     order,
		scenarios: scenarios,
		guard:     guard,
		logs:      logs,
		logger:    logger,
	}
}

// RegisterRoutes adds all service routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/invoke", h.method(http.MethodGet, h.invokeMixed))
	mux.HandleFunc("/invoke_delay", h.method(http.MethodGet, h.invokeDelay))
	mux.HandleFunc("/invoke_error", h.method(http.MethodGet, h.invokeError))
	mux.HandleFunc("/circuit", h.method(http.MethodGet, h.circuitState))
	mux.HandleFunc("/circuit/force_open", h.method(http.MethodPost, h.guard(h.forceOpen)))
	mux.HandleFunc("/circuit/reset", h.method(http.MethodPost, h.guard(h.resetCircuit)))
	mux.HandleFunc("/logs", h.method(http.MethodGet, h.tailLogs))
	mux.HandleFunc("/health", h.method(http.MethodGet, h.health))
}

// method rejects requests with the wrong HTTP method.
func (h *Handler) method(want string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != want {
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{
				"error": "Method Not Allowed",
			})
			return
		}
		next(w, r)
	}
}

// callResult is one entry in a batch response.
type callResult struct {
	ID         string `json:"id"`
	Path       string `json:"path"`
	Outcome    string `json:"outcome"`
	Reason     string `json:"reason,omitempty"`
	HTTPStatus int    `json:"http_status,omitempty"`
	Attempts   int    `json:"attempts"`
	LatencyMs  int64  `json:"latency_ms"`
	OK         bool   `json:"ok"`
}

// batchResponse summarizes a batch of guarded calls.
type batchResponse struct {
	Destination string       `json:"destination"`
	Requested   int          `json:"requested"`
	Successful  int          `json:"successful"`
	Results     []callResult `json:"results"`
}

// invokeMixed runs a batch with the demo traffic mix: roughly 60% fast
// successes, 25% slow responses, 15% guaranteed upstream errors.
func (h *Handler) invokeMixed(w http.ResponseWriter, r *http.Request) {
	p, sc, ok := h.target(w, r)
	if !ok {
		return
	}
	count := countParam(r, 10)

	paths := make([]string, count)
	for i := range paths {
		switch v := rand.Float64(); {
		case v < 0.6:
			paths[i] = sc.OKPath
		case v < 0.85:
			paths[i] = sc.SlowPath
		default:
			paths[i] = sc.ErrorPath
		}
	}

	h.logger.Info("running batch", "destination", p.Destination(), "count", count, "mix", "60/25/15")
	h.runBatch(w, r, p, paths)
}

// invokeDelay runs a batch entirely against the slow path.
func (h *Handler) invokeDelay(w http.ResponseWriter, r *http.Request) {
	p, sc, ok := h.target(w, r)
	if !ok {
		return
	}
	count := countParam(r, 8)

	paths := make([]string, count)
	for i := range paths {
		paths[i] = sc.SlowPath
	}

	h.logger.Info("running batch", "destination", p.Destination(), "count", count, "mix", "slow")
	h.runBatch(w, r, p, paths)
}

// invokeError runs a batch entirely against the error path.
func (h *Handler) invokeError(w http.ResponseWriter, r *http.Request) {
	p, sc, ok := h.target(w, r)
	if !ok {
		return
	}
	count := countParam(r, 8)

	paths := make([]string, count)
	for i := range paths {
		paths[i] = sc.ErrorPath
	}

	h.logger.Info("running batch", "destination", p.Destination(), "count", count, "mix", "error")
	h.runBatch(w, r, p, paths)
}

// runBatch invokes the pipeline once per path, concurrently, and writes
// the collected results.
func (h *Handler) runBatch(w http.ResponseWriter, r *http.Request, p *pipeline.Client, paths []string) {
	results := make([]callResult, len(paths))

	var wg sync.WaitGroup
	for i, path := range paths {
		wg.Add(1)
		go func(i int, path string) {
			defer wg.Done()
			start := time.Now()
			out := p.Invoke(r.Context(), pipeline.Request{Method: http.MethodGet, Path: path})
			results[i] = callResult{
				ID:         uuid.NewString(),
				Path:       path,
				Outcome:    string(out.Status),
				Reason:     string(out.Reason),
				HTTPStatus: out.HTTPStatus,
				Attempts:   out.Attempts,
				LatencyMs:  time.Since(start).Milliseconds(),
				OK:         out.OK(),
			}
		}(i, path)
	}
	wg.Wait()

	successful := 0
	for _, res := range results {
		if res.OK {
			successful++
		}
	}

	writeJSON(w, http.StatusOK, batchResponse{
		Destination: p.Destination(),
		Requested:   len(paths),
		Successful:  successful,
		Results:     results,
	})
}

// circuitStatus is the response entry for /circuit.
type circuitStatus struct {
	Destination   string `json:"destination"`
	State         string `json:"state"`
	FailCount     int    `json:"fail_count"`
	OpenedAt      string `json:"opened_at,omitempty"`
	ProbeInFlight bool   `json:"probe_in_flight"`
	Permits       int    `json:"permits_in_use"`
}

func (h *Handler) circuitState(w http.ResponseWriter, r *http.Request) {
	if dest := r.URL.Query().Get("destination"); dest != "" {
		p, ok := h.pipelines[dest]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error":   "Not Found",
				"message": "unknown destination: " + dest,
			})
			return
		}
		writeJSON(w, http.StatusOK, snapshotStatus(p))
		return
	}

	statuses := make([]circuitStatus, 0, len(h.order))
	for _, name := range h.order {
		statuses = append(statuses, snapshotStatus(h.pipelines[name]))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"circuits": statuses})
}

func snapshotStatus(p *pipeline.Client) circuitStatus {
	snap := p.Snapshot()
	st := circuitStatus{
		Destination:   p.Destination(),
		State:         snap.State.String(),
		FailCount:     snap.Failures,
		ProbeInFlight: snap.ProbeBusy,
		Permits:       p.InFlight(),
	}
	if snap.State != breaker.StateClosed && !snap.OpenedAt.IsZero() {
		st.OpenedAt = snap.OpenedAt.UTC().Format(time.RFC3339Nano)
	}
	return st
}

func (h *Handler) forceOpen(w http.ResponseWriter, r *http.Request) {
	p, _, ok := h.target(w, r)
	if !ok {
		return
	}
	p.ForceOpen()
	h.logger.Info("circuit forced open via admin endpoint", "destination", p.Destination())
	writeJSON(w, http.StatusOK, map[string]string{
		"destination": p.Destination(),
		"status":      "circuit_forced_open",
	})
}

func (h *Handler) resetCircuit(w http.ResponseWriter, r *http.Request) {
	p, _, ok := h.target(w, r)
	if !ok {
		return
	}
	p.ResetCircuit()
	h.logger.Info("circuit reset via admin endpoint", "destination", p.Destination())
	writeJSON(w, http.StatusOK, map[string]string{
		"destination": p.Destination(),
		"status":      "circuit_reset",
	})
}

func (h *Handler) tailLogs(w http.ResponseWriter, r *http.Request) {
	if h.logs == nil {
		http.Error(w, "log output is not a file", http.StatusNotFound)
		return
	}
	data, err := h.logs.Tail(logTailBytes)
	if err != nil {
		h.logger.Error("reading log tail", "error", err)
		http.Error(w, "no logs yet", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write(data)
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// target resolves the destination query parameter, defaulting to the
// first configured destination. Writes a 404 and returns ok=false when
// the destination is unknown.
func (h *Handler) target(w http.ResponseWriter, r *http.Request) (*pipeline.Client, config.ScenarioConfig, bool) {
	name := r.URL.Query().Get("destination")
	if name == "" {
		name = h.order[0]
	}
	p, ok := h.pipelines[name]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error":   "Not Found",
			"message": "unknown destination: " + name,
		})
		return nil, config.ScenarioConfig{}, false
	}
	return p, h.scenarios[name], true
}

func countParam(r *http.Request, def int) int {
	v := r.URL.Query().Get("count")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return def
	}
	if n > maxBatchSize {
		return maxBatchSize
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
