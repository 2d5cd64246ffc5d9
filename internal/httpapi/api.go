// Package httpapi is the engine's thin HTTP surface: health, metrics,
// manual triggers, webhooks, and the workflow run event stream.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/scriptherd/scriptherd/internal/model"
	"github.com/scriptherd/scriptherd/internal/progress"
	"github.com/scriptherd/scriptherd/internal/queue"
	"github.com/scriptherd/scriptherd/internal/store"
	"github.com/scriptherd/scriptherd/internal/workflow"
)

const maxBodyBytes = 1 << 20

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// API wires the HTTP handlers to the engine services.
type API struct {
	store store.Store
	queue *queue.Queue
	wf    *workflow.Orchestrator
	hub   *progress.Hub
	log   zerolog.Logger
}

func New(st store.Store, q *queue.Queue, wf *workflow.Orchestrator, hub *progress.Hub, log zerolog.Logger) *API {
	return &API{
		store: st,
		queue: q,
		wf:    wf,
		hub:   hub,
		log:   log.With().Str("component", "httpapi").Logger(),
	}
}

// Routes returns the API's request mux.
func (a *API) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST /run", a.handleRun)
	mux.HandleFunc("GET /jobs/{id}", a.handleGetJob)
	mux.HandleFunc("GET /executions/{id}", a.handleGetExecution)
	mux.HandleFunc("POST /executions/{id}/stop", a.handleStopExecution)
	mux.HandleFunc("POST /workflows/{id}/run", a.handleRunWorkflow)
	mux.HandleFunc("POST /hooks/workflows/{id}", a.handleWorkflowHook)
	mux.HandleFunc("GET /workflow-runs/{id}", a.handleGetWorkflowRun)
	mux.HandleFunc("GET /ws/workflow-runs/{id}", a.handleRunStream)
	return mux
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScriptID string `json:"script_id"`
		HostID   string `json:"host_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.ScriptID == "" || req.HostID == "" {
		http.Error(w, "script_id and host_id are required", http.StatusBadRequest)
		return
	}
	if _, err := a.store.GetScript(r.Context(), req.ScriptID); err != nil {
		notFoundOr500(w, err, "script not found")
		return
	}
	if _, err := a.store.GetHost(r.Context(), req.HostID); err != nil {
		notFoundOr500(w, err, "host not found")
		return
	}

	job, err := a.queue.Enqueue(req.ScriptID, req.HostID, "manual")
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID})
}

// handleGetJob resolves a job handle returned by POST /run. Finished
// jobs expire from the lookup index after a retention window; callers
// should switch to the execution id once the job reports one.
func (a *API) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job := a.queue.Lookup(r.PathValue("id"))
	if job == nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	resp := map[string]any{
		"job_id":    job.ID,
		"script_id": job.ScriptID,
		"host_id":   job.HostID,
		"finished":  job.IsFinished(),
	}
	if job.IsFinished() {
		res, jobErr := job.Result()
		resp["execution_id"] = res.ExecutionID
		resp["status"] = string(res.Status)
		if jobErr != nil {
			resp["error"] = jobErr.Error()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := a.store.GetExecution(r.Context(), r.PathValue("id"))
	if err != nil {
		notFoundOr500(w, err, "execution not found")
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

// handleStopExecution marks a running execution cancelled. Advisory:
// the remote process is not killed, the row just stops accepting
// results.
func (a *API) handleStopExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	exec, err := a.store.GetExecution(r.Context(), id)
	if err != nil {
		notFoundOr500(w, err, "execution not found")
		return
	}
	if exec.Status.Terminal() {
		http.Error(w, "execution already finished", http.StatusConflict)
		return
	}
	err = a.store.FinalizeExecution(r.Context(), id, model.ExecCancelled, exec.Output, "cancelled by user", time.Now().UTC())
	if errors.Is(err, store.ErrConflict) {
		http.Error(w, "execution already finished", http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(model.ExecCancelled)})
}

func (a *API) handleRunWorkflow(w http.ResponseWriter, r *http.Request) {
	run, err := a.wf.StartRun(r.Context(), r.PathValue("id"), model.TriggerManual, "manual", "")
	if err != nil {
		notFoundOr500(w, err, "workflow not found")
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

// handleWorkflowHook starts a run from an external webhook. The body,
// when present, is stored verbatim as the run context.
func (a *API) handleWorkflowHook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if len(body) > 0 && !json.Valid(body) {
		http.Error(w, "body must be JSON", http.StatusBadRequest)
		return
	}
	run, err := a.wf.StartRun(r.Context(), r.PathValue("id"), model.TriggerWebhook, "webhook", string(body))
	if err != nil {
		notFoundOr500(w, err, "workflow not found")
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

func (a *API) handleGetWorkflowRun(w http.ResponseWriter, r *http.Request) {
	run, err := a.store.GetWorkflowRun(r.Context(), r.PathValue("id"))
	if err != nil {
		notFoundOr500(w, err, "workflow run not found")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// handleRunStream upgrades to a websocket and attaches the observer to
// the run's progress feed.
func (a *API) handleRunStream(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if _, err := a.store.GetWorkflowRun(r.Context(), runID); err != nil {
		notFoundOr500(w, err, "workflow run not found")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	a.hub.Register(conn, runID)
	defer a.hub.Unregister(conn)

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	// Reads only serve pong handling; any error ends the stream. The
	// hub owns all writes, keepalive pings included.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func notFoundOr500(w http.ResponseWriter, err error, msg string) {
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, msg, http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}
