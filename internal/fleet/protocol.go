package fleet

import (
	"fmt"
	"regexp"
	"time"
)

// MessageType discriminates envelope payloads on the agent channel.
type MessageType string

const (
	MsgTypeAgentRegister MessageType = "agent_register"
	MsgTypeRegistered    MessageType = "registered"
	MsgTypeExecuteCmd    MessageType = "execute_command"
	MsgTypeCommandResult MessageType = "command_result"
	MsgTypeAgentPing     MessageType = "agent_ping"
	MsgTypePong          MessageType = "pong"
)

// Message is the wire envelope for all agent traffic.
type Message struct {
	Type      MessageType `json:"type"`
	ID        string      `json:"id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload,omitempty"`
}

// AgentRegisterPayload is the first message an agent must send.
type AgentRegisterPayload struct {
	AgentID  string   `json:"agent_id"`
	Hostname string   `json:"hostname"`
	Version  string   `json:"version"`
	Platform string   `json:"platform"`
	Tags     []string `json:"tags,omitempty"`
	Token    string   `json:"token"`
}

// RegisteredPayload acknowledges (or rejects) a registration.
type RegisteredPayload struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// ExecuteCommandPayload asks an agent to run one command.
type ExecuteCommandPayload struct {
	RequestID string `json:"request_id"`
	Command   string `json:"command"`
	Timeout   int    `json:"timeout,omitempty"` // seconds
}

// CommandResultPayload carries the outcome of one command.
type CommandResultPayload struct {
	RequestID string `json:"request_id"`
	Success   bool   `json:"success"`
	Stdout    string `json:"stdout,omitempty"`
	Stderr    string `json:"stderr,omitempty"`
	ExitCode  int    `json:"exit_code"`
	Error     string `json:"error,omitempty"`
	Duration  int64  `json:"duration_ms"`
}

// ConnectedAgent describes one registered agent.
type ConnectedAgent struct {
	AgentID     string    `json:"agent_id"`
	Hostname    string    `json:"hostname"`
	Version     string    `json:"version"`
	Platform    string    `json:"platform"`
	Tags        []string  `json:"tags,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
}

const (
	maxRequestIDLength              = 128
	maxExecuteCommandLength         = 4096
	maxExecuteCommandTimeoutSeconds = 600
)

var requestIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]+$`)

func validateExecutePayload(cmd ExecuteCommandPayload) error {
	if cmd.RequestID == "" {
		return fmt.Errorf("request id is required")
	}
	if len(cmd.RequestID) > maxRequestIDLength {
		return fmt.Errorf("request id exceeds %d characters", maxRequestIDLength)
	}
	if !requestIDPattern.MatchString(cmd.RequestID) {
		return fmt.Errorf("request id contains invalid characters")
	}
	if cmd.Command == "" {
		return fmt.Errorf("command is required")
	}
	if len(cmd.Command) > maxExecuteCommandLength {
		return fmt.Errorf("command exceeds %d characters", maxExecuteCommandLength)
	}
	if cmd.Timeout < 0 {
		return fmt.Errorf("timeout cannot be negative")
	}
	if cmd.Timeout > maxExecuteCommandTimeoutSeconds {
		return fmt.Errorf("timeout cannot exceed %d seconds", maxExecuteCommandTimeoutSeconds)
	}
	return nil
}
