package aggregator

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/thibmeu/daphne/dap"
	"github.com/thibmeu/daphne/hpke"
)

// Handler exposes one aggregator over HTTP: the DAP endpoints for its role
// plus the test-only control surface the harness drives.
type Handler struct {
	agg *Aggregator

	// basePath is the mount prefix of the versioned router, used to build
	// Location headers that resolve from anywhere.
	basePath string
}

// NewHandler wraps an aggregator. basePath is the router's mount prefix,
// for example "/v09".
func NewHandler(agg *Aggregator, basePath string) *Handler {
	return &Handler{agg: agg, basePath: strings.TrimRight(basePath, "/")}
}

// RegisterRoutes mounts the role's routes on the versioned router.
// Cross-origin calls are allowed because DAP clients embedded in web pages
// fetch HPKE configs and upload reports from foreign origins; the allowed
// headers stop there, so the token-bearing surfaces stay same-origin.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/hpke_config", h.handleHpkeConfig)

	switch h.agg.Role() {
	case dap.RoleNameLeader:
		r.Post("/upload", h.handleUpload)
		r.Post("/collect", h.handleCollectCreate)
		r.Post("/collect/task/{taskID}/req/{jobID}", h.handleCollectPoll)
	case dap.RoleNameHelper:
		r.Post("/internal/aggregate", h.handleAggregate)
		r.Post("/internal/aggregate_share", h.handleAggregateShare)
	}

	r.Post("/internal/delete_all", h.handleDeleteAll)
	r.Post("/internal/test/ready", h.handleReady)
	r.Post("/internal/test/add_hpke_config", h.handleAddHpkeConfig)
	r.Post("/internal/test/add_task", h.handleAddTask)
	if h.agg.Role() == dap.RoleNameLeader {
		r.Post("/internal/process", h.handleProcess)
		r.Get("/internal/current_batch/task/{taskID}", h.handleCurrentBatch)
	}
}

// handleHpkeConfig serves the TLS-encoded HPKE config list.
func (h *Handler) handleHpkeConfig(w http.ResponseWriter, r *http.Request) {
	encoded, err := dap.EncodeConfigList(h.agg.ConfigList())
	if err != nil {
		http.Error(w, "no HPKE configs provisioned", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", dap.MediaTypeHpkeConfigList)
	_, _ = w.Write(encoded)
}

// handleUpload accepts one wire-encoded report.
func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	var report dap.Report
	if err := report.UnmarshalBinary(body); err != nil {
		h.writeError(w, dap.NewProblem(dap.ErrorInvalidMessage, http.StatusBadRequest, err.Error()))
		return
	}
	if err := h.agg.StoreReport(report); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleCollectCreate opens a collection job and points the collector at its
// polling URL via a 303.
func (h *Handler) handleCollectCreate(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	req, err := dap.DecodeCollectionReq(body)
	if err != nil {
		h.writeError(w, dap.NewProblem(dap.ErrorInvalidMessage, http.StatusBadRequest, err.Error()))
		return
	}
	if p := h.authorizeCollector(r, req.TaskID); p != nil {
		dap.WriteProblem(w, p)
		return
	}
	jobID, err := h.agg.CreateCollectionJob(req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.Header().Set("Location", h.collectJobPath(req.TaskID, jobID))
	w.WriteHeader(http.StatusSeeOther)
}

// handleCollectPoll reports a job's state: 202 while pending, the collection
// body once complete, the failure document once failed.
func (h *Handler) handleCollectPoll(w http.ResponseWriter, r *http.Request) {
	taskID, err := dap.ParseTaskID(chi.URLParam(r, "taskID"))
	if err != nil {
		h.writeError(w, dap.NewProblem(dap.ErrorInvalidMessage, http.StatusBadRequest, err.Error()))
		return
	}
	if p := h.authorizeCollector(r, taskID); p != nil {
		dap.WriteProblem(w, p)
		return
	}
	state, err := h.agg.PollCollectionJob(taskID, chi.URLParam(r, "jobID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	switch state.State {
	case jobComplete:
		w.Header().Set("Content-Type", dap.MediaTypeCollection)
		_, _ = w.Write(state.Collection)
	case jobFailed:
		failure := state.Failure
		if failure == nil {
			failure = dap.NewProblem(dap.ErrorBatchMismatch, http.StatusBadRequest, "collection job failed")
		}
		dap.WriteProblem(w, failure)
	default:
		w.WriteHeader(http.StatusAccepted)
	}
}

// handleAggregate ingests the shares the leader forwarded.
func (h *Handler) handleAggregate(w http.ResponseWriter, r *http.Request) {
	var req aggregateReq
	if p := decodeJSONBody(r, &req); p != nil {
		dap.WriteProblem(w, p)
		return
	}
	if p := h.authorizeLeader(r, req.TaskID); p != nil {
		dap.WriteProblem(w, p)
		return
	}
	if err := h.agg.AcceptAggregate(req); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// handleAggregateShare seals this role's aggregate share for the leader.
func (h *Handler) handleAggregateShare(w http.ResponseWriter, r *http.Request) {
	var req aggregateShareReq
	if p := decodeJSONBody(r, &req); p != nil {
		dap.WriteProblem(w, p)
		return
	}
	if p := h.authorizeLeader(r, req.TaskID); p != nil {
		dap.WriteProblem(w, p)
		return
	}
	resp, err := h.agg.BuildAggregateShare(req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleDeleteAll(w http.ResponseWriter, r *http.Request) {
	h.agg.ResetAll()
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (h *Handler) handleAddHpkeConfig(w http.ResponseWriter, r *http.Request) {
	var rc hpke.ReceiverConfig
	if p := decodeJSONBody(r, &rc); p != nil {
		dap.WriteProblem(w, p)
		return
	}
	if err := h.agg.AddReceiverConfig(rc); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (h *Handler) handleAddTask(w http.ResponseWriter, r *http.Request) {
	var td dap.TaskDescriptor
	if p := decodeJSONBody(r, &td); p != nil {
		dap.WriteProblem(w, p)
		return
	}
	if err := h.agg.AddTask(&td); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// handleProcess runs one sweep and reports what it moved.
func (h *Handler) handleProcess(w http.ResponseWriter, r *http.Request) {
	res, err := h.agg.Sweep(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Status string `json:"status"`
		SweepResult
	}{Status: "success", SweepResult: res})
}

func (h *Handler) handleCurrentBatch(w http.ResponseWriter, r *http.Request) {
	taskID, err := dap.ParseTaskID(chi.URLParam(r, "taskID"))
	if err != nil {
		h.writeError(w, dap.NewProblem(dap.ErrorInvalidMessage, http.StatusBadRequest, err.Error()))
		return
	}
	id, err := h.agg.CurrentBatch(taskID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success", "batch_id": id.String()})
}

// authorizeCollector checks the DAP-Auth-Token on collection requests. A
// missing token and a wrong token are distinct failures so a misconfigured
// collector never mistakes either for an unfinished job.
func (h *Handler) authorizeCollector(r *http.Request, taskID dap.TaskID) *dap.Problem {
	token := r.Header.Get(dap.AuthHeader)
	if token == "" {
		p := dap.NewProblem(dap.ErrorUnauthorizedRequest, http.StatusUnauthorized, "missing DAP-Auth-Token header")
		p.TaskID = taskID.String()
		return p
	}
	if want := h.agg.CollectorToken(taskID); want == "" || token != want {
		p := dap.NewProblem(dap.ErrorUnauthorizedRequest, http.StatusForbidden, "DAP-Auth-Token does not match the task's collector token")
		p.TaskID = taskID.String()
		return p
	}
	return nil
}

// authorizeLeader checks the token on helper-internal requests.
func (h *Handler) authorizeLeader(r *http.Request, taskID dap.TaskID) *dap.Problem {
	token := r.Header.Get(dap.AuthHeader)
	if token == "" {
		p := dap.NewProblem(dap.ErrorUnauthorizedRequest, http.StatusUnauthorized, "missing DAP-Auth-Token header")
		p.TaskID = taskID.String()
		return p
	}
	if want := h.agg.LeaderToken(taskID); want == "" || token != want {
		p := dap.NewProblem(dap.ErrorUnauthorizedRequest, http.StatusForbidden, "DAP-Auth-Token does not match the task's leader token")
		p.TaskID = taskID.String()
		return p
	}
	return nil
}

func (h *Handler) collectJobPath(taskID dap.TaskID, jobID string) string {
	return fmt.Sprintf("%s/collect/task/%s/req/%s", h.basePath, taskID, jobID)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var problem *dap.Problem
	if errors.As(err, &problem) {
		dap.WriteProblem(w, problem)
		return
	}
	h.agg.log.Error("request failed", "err", err)
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return nil, dap.NewProblem(dap.ErrorInvalidMessage, http.StatusBadRequest, "reading request body")
	}
	return body, nil
}

func decodeJSONBody(r *http.Request, out any) *dap.Problem {
	defer r.Body.Close()
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(out); err != nil {
		return dap.NewProblem(dap.ErrorInvalidMessage, http.StatusBadRequest, fmt.Sprintf("parsing request body: %v", err))
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
