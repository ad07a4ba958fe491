package fleet

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rvachov/helmsman/internal/executor"
)

// dialAgent connects a fake agent to the server and answers execute_command
// messages with the given result builder until the connection closes.
func dialAgent(t *testing.T, url string, reg AgentRegisterPayload, respond func(cmd ExecuteCommandPayload) CommandResultPayload) *websocket.Conn {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(url, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, conn.WriteJSON(Message{
		Type:      MsgTypeAgentRegister,
		Timestamp: time.Now(),
		Payload:   reg,
	}))

	var ack Message
	require.NoError(t, conn.ReadJSON(&ack))
	require.Equal(t, MsgTypeRegistered, ack.Type)
	ackBytes, _ := json.Marshal(ack.Payload)
	var registered RegisteredPayload
	require.NoError(t, json.Unmarshal(ackBytes, &registered))
	require.True(t, registered.Success)

	go func() {
		for {
			var msg Message
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg.Type != MsgTypeExecuteCmd {
				continue
			}
			payloadBytes, _ := json.Marshal(msg.Payload)
			var cmd ExecuteCommandPayload
			if err := json.Unmarshal(payloadBytes, &cmd); err != nil {
				continue
			}
			conn.WriteJSON(Message{
				Type:      MsgTypeCommandResult,
				ID:        cmd.RequestID,
				Timestamp: time.Now(),
				Payload:   respond(cmd),
			})
		}
	}()
	return conn
}

func TestRunRoundTrip(t *testing.T) {
	s := NewServer(nil)
	ts := httptest.NewServer(http.HandlerFunc(s.HandleWebSocket))
	defer ts.Close()

	dialAgent(t, ts.URL, AgentRegisterPayload{AgentID: "a1", Hostname: "node-2", Platform: "linux"},
		func(cmd ExecuteCommandPayload) CommandResultPayload {
			return CommandResultPayload{
				RequestID: cmd.RequestID,
				Success:   true,
				Stdout:    "ok\n",
				ExitCode:  0,
				Duration:  12,
			}
		})

	require.Eventually(t, func() bool { return s.IsAgentConnected("a1") }, 2*time.Second, 10*time.Millisecond)

	rec, err := s.Run(context.Background(), "node-2", "docker restart web-1", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, rec.Success)
	assert.Equal(t, "docker restart web-1", rec.Command)
	assert.Equal(t, "ok\n", rec.Stdout)
	assert.Equal(t, executor.ModeExecute, rec.Mode)
	assert.Equal(t, "fleet", rec.Initiator)
	require.NotNil(t, rec.ExitCode)
	assert.Equal(t, 0, *rec.ExitCode)
	assert.Equal(t, int64(12), rec.DurationMS)
}

func TestRunCommandFailure(t *testing.T) {
	s := NewServer(nil)
	ts := httptest.NewServer(http.HandlerFunc(s.HandleWebSocket))
	defer ts.Close()

	dialAgent(t, ts.URL, AgentRegisterPayload{AgentID: "a1", Hostname: "node-2"},
		func(cmd ExecuteCommandPayload) CommandResultPayload {
			return CommandResultPayload{
				RequestID: cmd.RequestID,
				Success:   false,
				ExitCode:  137,
				Error:     "container kept crashing",
			}
		})

	require.Eventually(t, func() bool { return s.IsAgentConnected("a1") }, 2*time.Second, 10*time.Millisecond)

	rec, err := s.Run(context.Background(), "node-2", "docker restart web-1", 5*time.Second)
	require.NoError(t, err)
	assert.False(t, rec.Success)
	require.NotNil(t, rec.ExitCode)
	assert.Equal(t, 137, *rec.ExitCode)
	assert.Equal(t, "container kept crashing", rec.Stderr)
}

func TestRunNoAgentForHost(t *testing.T) {
	s := NewServer(nil)
	_, err := s.Run(context.Background(), "ghost-host", "uptime", time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no agent connected for host")
}

func TestRegistrationRejectedToken(t *testing.T) {
	s := NewServer(func(token, agentID string) bool { return token == "secret" })
	ts := httptest.NewServer(http.HandlerFunc(s.HandleWebSocket))
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(Message{
		Type:      MsgTypeAgentRegister,
		Timestamp: time.Now(),
		Payload:   AgentRegisterPayload{AgentID: "a1", Hostname: "h1", Token: "wrong"},
	}))

	var ack Message
	require.NoError(t, conn.ReadJSON(&ack))
	ackBytes, _ := json.Marshal(ack.Payload)
	var registered RegisteredPayload
	require.NoError(t, json.Unmarshal(ackBytes, &registered))
	assert.False(t, registered.Success)
	assert.False(t, s.IsAgentConnected("a1"))
}

func TestExecuteCommandValidation(t *testing.T) {
	s := NewServer(nil)
	ctx := context.Background()

	cases := []struct {
		name    string
		agentID string
		payload ExecuteCommandPayload
		wantErr string
	}{
		{"empty agent id", "", ExecuteCommandPayload{RequestID: "r1", Command: "echo ok"}, "agent id is required"},
		{"missing request id", "a1", ExecuteCommandPayload{Command: "echo ok"}, "request id is required"},
		{"missing command", "a1", ExecuteCommandPayload{RequestID: "r1"}, "command is required"},
		{"negative timeout", "a1", ExecuteCommandPayload{RequestID: "r1", Command: "echo ok", Timeout: -1}, "timeout cannot be negative"},
		{"excessive timeout", "a1", ExecuteCommandPayload{RequestID: "r1", Command: "echo ok", Timeout: maxExecuteCommandTimeoutSeconds + 1}, "timeout cannot exceed"},
		{"request id too long", "a1", ExecuteCommandPayload{RequestID: strings.Repeat("a", maxRequestIDLength+1), Command: "echo ok"}, "request id exceeds"},
		{"hostile request id", "a1", ExecuteCommandPayload{RequestID: "r1; rm -rf /", Command: "echo ok"}, "invalid characters"},
		{"command too long", "a1", ExecuteCommandPayload{RequestID: "r1", Command: strings.Repeat("a", maxExecuteCommandLength+1)}, "command exceeds"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.ExecuteCommand(ctx, tc.agentID, tc.payload)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestConnectedAgentLookups(t *testing.T) {
	s := NewServer(nil)
	now := time.Now().Add(-time.Minute)

	s.mu.Lock()
	s.agents["a1"] = &agentConn{agent: ConnectedAgent{AgentID: "a1", Hostname: "host1", ConnectedAt: now}}
	s.agents["a2"] = &agentConn{agent: ConnectedAgent{AgentID: "a2", Hostname: "host2", ConnectedAt: now}}
	s.mu.Unlock()

	assert.True(t, s.IsAgentConnected("a1"))
	assert.False(t, s.IsAgentConnected("missing"))

	agentID, ok := s.GetAgentForHost("host2")
	require.True(t, ok)
	assert.Equal(t, "a2", agentID)
	_, ok = s.GetAgentForHost("missing")
	assert.False(t, ok)

	assert.Len(t, s.GetConnectedAgents(), 2)
}

func TestReplacedConnectionWins(t *testing.T) {
	s := NewServer(nil)
	ts := httptest.NewServer(http.HandlerFunc(s.HandleWebSocket))
	defer ts.Close()

	dialAgent(t, ts.URL, AgentRegisterPayload{AgentID: "a1", Hostname: "node-1"},
		func(cmd ExecuteCommandPayload) CommandResultPayload {
			return CommandResultPayload{RequestID: cmd.RequestID, Success: false, Stdout: "old"}
		})
	require.Eventually(t, func() bool { return s.IsAgentConnected("a1") }, 2*time.Second, 10*time.Millisecond)

	dialAgent(t, ts.URL, AgentRegisterPayload{AgentID: "a1", Hostname: "node-1"},
		func(cmd ExecuteCommandPayload) CommandResultPayload {
			return CommandResultPayload{RequestID: cmd.RequestID, Success: true, Stdout: "new"}
		})

	require.Eventually(t, func() bool {
		rec, err := s.Run(context.Background(), "node-1", "uptime", 2*time.Second)
		return err == nil && rec.Success && rec.Stdout == "new"
	}, 3*time.Second, 50*time.Millisecond)
}
