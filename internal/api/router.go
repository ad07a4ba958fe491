// Package api exposes the operations engine over HTTP: incident queries,
// approval decisions, action execution, health snapshots, reports, metrics,
// and the agent WebSocket endpoint.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/rvachov/helmsman/internal/agent"
	"github.com/rvachov/helmsman/internal/approval"
	"github.com/rvachov/helmsman/internal/catalog"
	"github.com/rvachov/helmsman/internal/fleet"
	"github.com/rvachov/helmsman/internal/incident"
	"github.com/rvachov/helmsman/internal/logging"
	"github.com/rvachov/helmsman/internal/monitor"
	"github.com/rvachov/helmsman/internal/remediation"
	"github.com/rvachov/helmsman/internal/report"
	"github.com/rvachov/helmsman/internal/validator"
)

// AgentServer is the fleet server surface the API needs.
type AgentServer interface {
	HandleWebSocket(w http.ResponseWriter, r *http.Request)
	GetConnectedAgents() []fleet.ConnectedAgent
}

// Deps carries everything the router serves. A nil field disables its
// endpoints with 503 rather than panicking.
type Deps struct {
	Catalog      *catalog.Catalog
	Validator    *validator.Validator
	Agent        *agent.Agent
	Approvals    *approval.Store
	Incidents    *incident.Store
	Orchestrator *remediation.Orchestrator
	Monitor      *monitor.Monitor
	AgentServer  AgentServer
	ReportData   func() *report.Data
}

// Router dispatches API requests.
type Router struct {
	mux      *http.ServeMux
	deps     Deps
	apiToken string
}

// NewRouter builds the router. An empty apiToken disables bearer auth.
func NewRouter(deps Deps, apiToken string) *Router {
	r := &Router{
		mux:      http.NewServeMux(),
		deps:     deps,
		apiToken: apiToken,
	}
	r.routes()
	return r
}

func (rt *Router) routes() {
	rt.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	rt.mux.Handle("GET /metrics", promhttp.Handler())

	rt.mux.HandleFunc("GET /api/health", rt.handleHealth)
	rt.mux.HandleFunc("GET /api/actions", rt.handleActions)
	rt.mux.HandleFunc("POST /api/actions/{name}/execute", rt.handleExecuteAction)
	rt.mux.HandleFunc("POST /api/validate", rt.handleValidate)
	rt.mux.HandleFunc("GET /api/incidents", rt.handleListIncidents)
	rt.mux.HandleFunc("GET /api/incidents/{id}", rt.handleGetIncident)
	rt.mux.HandleFunc("POST /api/incidents/{id}/remediate", rt.handleRemediate)
	rt.mux.HandleFunc("GET /api/approvals", rt.handleListApprovals)
	rt.mux.HandleFunc("POST /api/approvals/{id}/approve", rt.handleApprove)
	rt.mux.HandleFunc("POST /api/approvals/{id}/deny", rt.handleDeny)
	rt.mux.HandleFunc("GET /api/agents", rt.handleAgents)
	rt.mux.HandleFunc("GET /api/report", rt.handleReport)

	if rt.deps.AgentServer != nil {
		// Agents authenticate with their registration token, not the API
		// bearer token.
		rt.mux.HandleFunc("GET /ws/agent", rt.deps.AgentServer.HandleWebSocket)
	}
}

// Handler returns the full middleware chain.
func (rt *Router) Handler() http.Handler {
	return rt.withRequestID(rt.withAuth(rt.mux))
}

func (rt *Router) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, id := logging.WithRequestID(r.Context(), r.Header.Get("X-Request-ID"))
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (rt *Router) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Unauthenticated paths: liveness, metrics scrape, agent channel.
		if rt.apiToken == "" ||
			r.URL.Path == "/healthz" || r.URL.Path == "/metrics" || r.URL.Path == "/ws/agent" {
			next.ServeHTTP(w, r)
			return
		}

		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(rt.apiToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid or missing API token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	if rt.deps.Monitor == nil {
		writeError(w, http.StatusServiceUnavailable, "health monitor not running")
		return
	}
	hist := rt.deps.Monitor.History()
	resp := map[string]interface{}{"snapshots": hist}
	if len(hist) > 0 {
		resp["current"] = hist[len(hist)-1]
	}
	writeJSON(w, http.StatusOK, resp)
}

func (rt *Router) handleActions(w http.ResponseWriter, r *http.Request) {
	if rt.deps.Catalog == nil {
		writeError(w, http.StatusServiceUnavailable, "action catalog not loaded")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"actions": rt.deps.Catalog.Summaries()})
}

type executeRequest struct {
	DryRun bool              `json:"dry_run"`
	Params map[string]string `json:"params"`
}

func (rt *Router) handleExecuteAction(w http.ResponseWriter, r *http.Request) {
	if rt.deps.Agent == nil {
		writeError(w, http.StatusServiceUnavailable, "agent not running")
		return
	}
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	name := r.PathValue("name")
	result := rt.deps.Agent.ExecuteAction(r.Context(), name, req.DryRun, req.Params)
	log.Info().
		Str("action", name).
		Bool("dryRun", req.DryRun).
		Bool("success", result.Success).
		Str("requestId", logging.RequestID(r.Context())).
		Msg("Action executed via API")
	writeJSON(w, http.StatusOK, result)
}

type validateRequest struct {
	Command string `json:"command"`
}

func (rt *Router) handleValidate(w http.ResponseWriter, r *http.Request) {
	if rt.deps.Validator == nil {
		writeError(w, http.StatusServiceUnavailable, "validator not available")
		return
	}
	var req validateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Command == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}
	writeJSON(w, http.StatusOK, rt.deps.Validator.Validate(req.Command))
}

func (rt *Router) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	if rt.deps.Incidents == nil {
		writeError(w, http.StatusServiceUnavailable, "incident store not available")
		return
	}

	q := r.URL.Query()
	filter := incident.IncidentFilter{
		Status:      incident.Status(q.Get("status")),
		Type:        incident.Type(q.Get("type")),
		ServiceName: q.Get("service"),
		Severity:    incident.Severity(q.Get("severity")),
	}
	if since := q.Get("since"); since != "" {
		ts, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		filter.Since = ts
	}
	limit := 100
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	incidents, err := rt.deps.Incidents.QueryIncidents(r.Context(), filter, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "incident query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"incidents": incidents})
}

func (rt *Router) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	if rt.deps.Incidents == nil {
		writeError(w, http.StatusServiceUnavailable, "incident store not available")
		return
	}
	inc, err := rt.deps.Incidents.GetIncident(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "incident not found")
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

type remediateRequest struct {
	AutoExecute       bool   `json:"auto_execute"`
	ConfirmationToken string `json:"confirmation_token,omitempty"`
	Host              string `json:"host,omitempty"`
}

func (rt *Router) handleRemediate(w http.ResponseWriter, r *http.Request) {
	if rt.deps.Orchestrator == nil {
		writeError(w, http.StatusServiceUnavailable, "remediation not available")
		return
	}
	var req remediateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	outcome, err := rt.deps.Orchestrator.Remediate(r.Context(), r.PathValue("id"), remediation.Options{
		AutoExecute:       req.AutoExecute,
		ConfirmationToken: req.ConfirmationToken,
		Host:              req.Host,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (rt *Router) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	if rt.deps.Approvals == nil {
		writeError(w, http.StatusServiceUnavailable, "approval store not available")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pending": rt.deps.Approvals.Pending(),
		"stats":   rt.deps.Approvals.Stats(),
	})
}

type decisionRequest struct {
	Operator string `json:"operator"`
	Reason   string `json:"reason,omitempty"`
}

func (rt *Router) handleApprove(w http.ResponseWriter, r *http.Request) {
	if rt.deps.Approvals == nil {
		writeError(w, http.StatusServiceUnavailable, "approval store not available")
		return
	}
	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Operator == "" {
		writeError(w, http.StatusBadRequest, "operator is required")
		return
	}

	approved, err := rt.deps.Approvals.Approve(r.PathValue("id"), req.Operator)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, approved)
}

func (rt *Router) handleDeny(w http.ResponseWriter, r *http.Request) {
	if rt.deps.Approvals == nil {
		writeError(w, http.StatusServiceUnavailable, "approval store not available")
		return
	}
	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Operator == "" {
		writeError(w, http.StatusBadRequest, "operator is required")
		return
	}

	denied, err := rt.deps.Approvals.Deny(r.PathValue("id"), req.Operator, req.Reason)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, denied)
}

func (rt *Router) handleAgents(w http.ResponseWriter, r *http.Request) {
	if rt.deps.AgentServer == nil {
		writeError(w, http.StatusServiceUnavailable, "fleet server not running")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agents": rt.deps.AgentServer.GetConnectedAgents(),
	})
}

func (rt *Router) handleReport(w http.ResponseWriter, r *http.Request) {
	if rt.deps.ReportData == nil {
		writeError(w, http.StatusServiceUnavailable, "reporting not available")
		return
	}
	data := rt.deps.ReportData()

	switch r.URL.Query().Get("format") {
	case "", "pdf":
		out, err := report.NewPDFGenerator().Generate(data)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "report generation failed")
			return
		}
		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("Content-Disposition", `attachment; filename="helmsman-report.pdf"`)
		w.Write(out)
	case "csv":
		out, err := report.NewCSVGenerator().Generate(data)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "report generation failed")
			return
		}
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="helmsman-report.csv"`)
		w.Write(out)
	default:
		writeError(w, http.StatusBadRequest, "format must be pdf or csv")
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode API response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
