package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rvachov/helmsman/internal/approval"
	"github.com/rvachov/helmsman/internal/fleet"
	"github.com/rvachov/helmsman/internal/incident"
	"github.com/rvachov/helmsman/internal/report"
	"github.com/rvachov/helmsman/internal/validator"
)

type fakeAgentServer struct {
	agents []fleet.ConnectedAgent
}

func (f *fakeAgentServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusSwitchingProtocols)
}

func (f *fakeAgentServer) GetConnectedAgents() []fleet.ConnectedAgent { return f.agents }

func testDeps(t *testing.T) Deps {
	t.Helper()

	v, err := validator.New()
	require.NoError(t, err)

	approvals, err := approval.NewStore(approval.StoreConfig{DisablePersistence: true})
	require.NoError(t, err)

	incidents, err := incident.NewStore(incident.StoreConfig{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { incidents.Close() })

	return Deps{
		Validator: v,
		Approvals: approvals,
		Incidents: incidents,
		AgentServer: &fakeAgentServer{agents: []fleet.ConnectedAgent{
			{AgentID: "a1", Hostname: "node-1"},
		}},
		ReportData: func() *report.Data {
			now := time.Now()
			return &report.Data{GeneratedAt: now, Start: now.Add(-24 * time.Hour), End: now}
		},
	}
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthzNoAuth(t *testing.T) {
	h := NewRouter(testDeps(t), "secret").Handler()
	rec := doJSON(t, h, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthRequired(t *testing.T) {
	h := NewRouter(testDeps(t), "secret").Handler()

	rec := doJSON(t, h, http.MethodGet, "/api/approvals", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/approvals", nil, map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/approvals", nil, map[string]string{"Authorization": "Bearer secret"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthDisabledWhenNoToken(t *testing.T) {
	h := NewRouter(testDeps(t), "").Handler()
	rec := doJSON(t, h, http.MethodGet, "/api/approvals", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestValidateEndpoint(t *testing.T) {
	h := NewRouter(testDeps(t), "").Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/validate", map[string]string{"command": "docker ps"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var verdict validator.Verdict
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &verdict))
	assert.True(t, verdict.Allowed)

	rec = doJSON(t, h, http.MethodPost, "/api/validate", map[string]string{"command": "rm -rf /"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &verdict))
	assert.False(t, verdict.Allowed)

	rec = doJSON(t, h, http.MethodPost, "/api/validate", map[string]string{}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestApprovalFlow(t *testing.T) {
	deps := testDeps(t)
	h := NewRouter(deps, "").Handler()

	req := &approval.Request{Command: "docker restart web-1", Initiator: "autonomous"}
	require.NoError(t, deps.Approvals.Create(req))

	rec := doJSON(t, h, http.MethodGet, "/api/approvals", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listing struct {
		Pending []*approval.Request `json:"pending"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	require.Len(t, listing.Pending, 1)

	rec = doJSON(t, h, http.MethodPost, "/api/approvals/"+req.ID+"/approve",
		map[string]string{"operator": "alice"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var approved approval.Request
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &approved))
	assert.Equal(t, approval.StatusApproved, approved.Status)
	assert.Equal(t, "alice", approved.DecidedBy)

	// Deny after approve conflicts.
	rec = doJSON(t, h, http.MethodPost, "/api/approvals/"+req.ID+"/deny",
		map[string]string{"operator": "bob", "reason": "no"}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Missing operator.
	rec = doJSON(t, h, http.MethodPost, "/api/approvals/"+req.ID+"/approve", map[string]string{}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIncidentEndpoints(t *testing.T) {
	deps := testDeps(t)
	h := NewRouter(deps, "").Handler()

	inc := &incident.Incident{
		Type:        incident.TypeContainerDown,
		Severity:    incident.SeverityMedium,
		ServiceName: "web-1",
		Title:       "web-1 exited",
	}
	require.NoError(t, deps.Incidents.InsertIncident(context.Background(), inc))

	rec := doJSON(t, h, http.MethodGet, "/api/incidents?service=web-1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listing struct {
		Incidents []*incident.Incident `json:"incidents"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	require.Len(t, listing.Incidents, 1)

	rec = doJSON(t, h, http.MethodGet, "/api/incidents/"+inc.ID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/incidents/INC-00000000-DEADBEEF", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/incidents?limit=bogus", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAgentsEndpoint(t *testing.T) {
	h := NewRouter(testDeps(t), "").Handler()
	rec := doJSON(t, h, http.MethodGet, "/api/agents", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "node-1")
}

func TestReportEndpoint(t *testing.T) {
	h := NewRouter(testDeps(t), "").Handler()

	rec := doJSON(t, h, http.MethodGet, "/api/report?format=csv", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))

	rec = doJSON(t, h, http.MethodGet, "/api/report", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))

	rec = doJSON(t, h, http.MethodGet, "/api/report?format=xml", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDisabledEndpointsReturn503(t *testing.T) {
	h := NewRouter(Deps{}, "").Handler()

	for _, path := range []string{"/api/health", "/api/actions", "/api/approvals", "/api/agents", "/api/report"} {
		rec := doJSON(t, h, http.MethodGet, path, nil, nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
	}
}

func TestRequestIDHeader(t *testing.T) {
	h := NewRouter(testDeps(t), "").Handler()

	rec := doJSON(t, h, http.MethodGet, "/healthz", nil, nil)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = doJSON(t, h, http.MethodGet, "/healthz", nil, map[string]string{"X-Request-ID": "fixed"})
	assert.Equal(t, "fixed", rec.Header().Get("X-Request-ID"))
}
