package types

// PermissionMode controls how the backend gates tool use.
type PermissionMode string

const (
	PermissionDefault  PermissionMode = "default"
	PermissionPlan     PermissionMode = "plan"
	PermissionBypass   PermissionMode = "bypassPermissions"
	PermissionDelegate PermissionMode = "delegate"
)

// SessionStatus is the backend's activity state. A nil pointer means the
// backend has not reported yet.
type SessionStatus string

const (
	StatusIdle       SessionStatus = "idle"
	StatusRunning    SessionStatus = "running"
	StatusCompacting SessionStatus = "compacting"
)

// SessionState is the user-visible description of a session, included in
// session_init frames and persisted alongside the message history.
type SessionState struct {
	SessionID      string               `json:"session_id"`
	Model          string               `json:"model,omitempty"`
	CWD            string               `json:"cwd,omitempty"`
	Tools          []string             `json:"tools,omitempty"`
	PermissionMode PermissionMode       `json:"permissionMode,omitempty"`
	MCPServers     []MCPServerInfo      `json:"mcp_servers,omitempty"`
	SlashCommands  []string             `json:"slash_commands,omitempty"`
	Skills         []SkillInfo          `json:"skills,omitempty"`
	Capabilities   *Capabilities        `json:"capabilities,omitempty"`
	TotalCostUSD   float64              `json:"total_cost_usd,omitempty"`
	TotalTokensIn  int64                `json:"total_tokens_in,omitempty"`
	TotalTokensOut int64                `json:"total_tokens_out,omitempty"`
	NumTurns       int                  `json:"num_turns,omitempty"`
	ContextTokens  int64                `json:"context_tokens,omitempty"`
	Git            *GitInfo             `json:"git,omitempty"`
	Status         *SessionStatus       `json:"status"`
	CircuitBreaker *CircuitBreakerState `json:"circuitBreaker,omitempty"`
	Watchdog       *WatchdogInfo        `json:"watchdog,omitempty"`
}

// Capabilities is the command/model/account metadata a backend reports once
// its initialize handshake succeeds.
type Capabilities struct {
	Commands []CommandInfo  `json:"commands,omitempty"`
	Models   []ModelInfo    `json:"models,omitempty"`
	Account  map[string]any `json:"account,omitempty"`
	Skills   []SkillInfo    `json:"skills,omitempty"`
}

// CommandInfo describes a slash command a backend supports.
type CommandInfo struct {
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	ArgumentHint string `json:"argument_hint,omitempty"`
}

// ModelInfo describes a selectable model.
type ModelInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
}

// SkillInfo describes a dynamic skill command.
type SkillInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// MCPServerInfo describes an MCP server the backend is connected to.
type MCPServerInfo struct {
	Name   string `json:"name"`
	Status string `json:"status,omitempty"`
}

// GitInfo is best-effort repository info resolved for the session cwd.
type GitInfo struct {
	Branch string `json:"branch,omitempty"`
	Remote string `json:"remote,omitempty"`
	Dirty  bool   `json:"dirty,omitempty"`
}

// WatchdogInfo surfaces pending watchdog activity in the session state.
type WatchdogInfo struct {
	RelaunchPending bool  `json:"relaunch_pending,omitempty"`
	GraceExpiresAt  int64 `json:"grace_expires_at,omitempty"`
}

// PersistedSession is the serialized subset of a session record.
type PersistedSession struct {
	ID                 string                   `json:"id"`
	State              SessionState             `json:"state"`
	MessageHistory     []*UnifiedMessage        `json:"messageHistory,omitempty"`
	PendingMessages    []*UnifiedMessage        `json:"pendingMessages,omitempty"`
	PendingPermissions []PendingPermissionEntry `json:"pendingPermissions,omitempty"`
	Archived           bool                     `json:"archived,omitempty"`
}

// PendingPermissionEntry is one (request_id, record) tuple of the pending
// permission map.
type PendingPermissionEntry struct {
	RequestID string          `json:"request_id"`
	Method    string          `json:"method,omitempty"`
	Request   *UnifiedMessage `json:"request"`
}

// LauncherState is the launcher's view of a session's process.
type LauncherState string

const (
	LauncherStarting  LauncherState = "starting"
	LauncherConnected LauncherState = "connected"
	LauncherExited    LauncherState = "exited"
	LauncherArchived  LauncherState = "archived"
)

// LauncherRecord is the per-session process record the launcher persists.
type LauncherRecord struct {
	SessionID        string        `json:"sessionId"`
	PID              *int          `json:"pid,omitempty"`
	State            LauncherState `json:"state"`
	CWD              string        `json:"cwd,omitempty"`
	BackendSessionID string        `json:"backendSessionId,omitempty"`
	CreatedAt        int64         `json:"createdAt"`
	AdapterName      string        `json:"adapterName"`
	Archived         bool          `json:"archived,omitempty"`
	Name             string        `json:"name,omitempty"`
}

// BreakerState is a circuit breaker position.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// CircuitBreakerState is the externally visible breaker snapshot.
type CircuitBreakerState struct {
	State                   BreakerState `json:"state"`
	FailureCount            int          `json:"failureCount"`
	WindowMs                int64        `json:"windowMs"`
	RecoveryTimeMs          int64        `json:"recoveryTimeMs"`
	SuccessThreshold        int          `json:"successThreshold"`
	FailureThreshold        int          `json:"failureThreshold"`
	RecoveryTimeRemainingMs int64        `json:"recoveryTimeRemainingMs,omitempty"`
}
