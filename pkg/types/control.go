package types

// ControlFrameType discriminates every frame carried on the agent<->server
// control stream. Both directions share one envelope shape so a single
// JSON decoder can dispatch on Type; frames for distinct commands or PTYs
// may interleave arbitrarily, but ordering within one direction is FIFO.
type ControlFrameType string

const (
	// agent -> server
	FrameRegister  ControlFrameType = "register"
	FrameHeartbeat ControlFrameType = "heartbeat"
	FrameCmdOutput ControlFrameType = "cmd_output"
	FramePtyOutput ControlFrameType = "pty_output"

	// server -> agent
	FrameRegisterAck ControlFrameType = "register_ack"
	FrameRunCommand  ControlFrameType = "run_command"
	FrameKillCommand ControlFrameType = "kill_command"
	FrameCreatePty   ControlFrameType = "create_pty"
	FramePtyInput    ControlFrameType = "pty_input"
	FrameResizePty   ControlFrameType = "resize_pty"
	FrameKillPty     ControlFrameType = "kill_pty"
)

// ResourceUsage is the optional payload on a Heartbeat frame.
type ResourceUsage struct {
	CPUPercent    float64 `json:"cpu_percent,omitempty"`
	MemUsedBytes  uint64  `json:"mem_used_bytes,omitempty"`
	DiskUsedBytes uint64  `json:"disk_used_bytes,omitempty"`
}

// ControlFrame is the single envelope for every control-stream message.
// Only the fields relevant to Type are populated; the rest are zero.
type ControlFrame struct {
	Type ControlFrameType `json:"type"`

	// Register (agent -> server)
	SandboxID string   `json:"sandbox_id,omitempty"`
	Caps      []string `json:"caps,omitempty"`

	// Heartbeat (agent -> server)
	Usage *ResourceUsage `json:"usage,omitempty"`

	// CmdOutput (agent -> server)
	CommandID string    `json:"command_id,omitempty"`
	Kind      FrameKind `json:"kind,omitempty"`
	Payload   string    `json:"payload,omitempty"` // base64 for binary-safe transport
	ExitCode  *int      `json:"exit_code,omitempty"`
	Error     string    `json:"error,omitempty"`

	// PtyOutput (agent -> server)
	PtyID string `json:"pty_id,omitempty"`

	// RegisterAck (server -> agent)
	HeartbeatIntervalSeconds int `json:"heartbeat_interval_seconds,omitempty"`
	MaxOutputBufferSize      int `json:"max_output_buffer_size,omitempty"`

	// RunCommand (server -> agent)
	ArgvOrShellLine []string          `json:"argv,omitempty"`
	ShellLine       string            `json:"shell_line,omitempty"`
	Cwd             string            `json:"cwd,omitempty"`
	Env             map[string]string `json:"env,omitempty"`
	TimeoutMs       int               `json:"timeout_ms,omitempty"`

	// KillCommand / KillPty (server -> agent)
	Signal string `json:"signal,omitempty"`

	// CreatePty (server -> agent)
	Shell string `json:"shell,omitempty"`
	Cols  int    `json:"cols,omitempty"`
	Rows  int    `json:"rows,omitempty"`
}
