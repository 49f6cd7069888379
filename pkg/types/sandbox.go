package types

import "time"

// SandboxState is the lifecycle state of a sandbox record.
type SandboxState string

const (
	SandboxStarting SandboxState = "starting"
	SandboxRunning  SandboxState = "running"
	SandboxStopping SandboxState = "stopping"
	SandboxStopped  SandboxState = "stopped"
	SandboxError    SandboxState = "error"
)

// ResourceCaps carries the requested CPU/memory/disk caps for a sandbox.
// The exact enforcement knob (CPU quota vs shares, memory swap cap) isn't
// fixed here; CPUCount and MemoryMB are passed through to the container
// runtime, and DiskMB is stored in the sandbox config only.
type ResourceCaps struct {
	CPUCount int `json:"cpuCount,omitempty"`
	MemoryMB int `json:"memoryMB,omitempty"`
	DiskMB   int `json:"diskMB,omitempty"`
}

// SandboxConfig is the opaque config blob persisted alongside a Sandbox
// record: requested caps, environment, and timeout budget.
type SandboxConfig struct {
	Env            map[string]string `json:"env,omitempty"`
	Resources      ResourceCaps      `json:"resources,omitempty"`
	TimeoutSeconds int               `json:"timeoutSeconds,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Sandbox is the durable record for one sandbox. The tuple (State,
// ContainerRef, WorkspacePath) is kept consistent after every committed
// transition by SandboxController; no other component mutates it.
type Sandbox struct {
	ID            string        `json:"id"`
	Name          string        `json:"name,omitempty"`
	State         SandboxState  `json:"state"`
	Template      string        `json:"template"`
	ContainerRef  string        `json:"containerRef,omitempty"`
	WorkspacePath string        `json:"workspacePath,omitempty"`
	CreatedAt     int64         `json:"createdAt"`
	UpdatedAt     int64         `json:"updatedAt"`
	ExpiresAt     int64         `json:"expiresAt"`
	Config        SandboxConfig `json:"config"`

	// ExpiringNotified marks that a sandbox.expiring event has already
	// fired for the current deadline, so the reaper doesn't re-fire it
	// on every tick inside the warn window.
	ExpiringNotified bool `json:"-"`
}

// CreateRequest is the POST /sandboxes request body.
type CreateRequest struct {
	Template       string            `json:"template"`
	Name           string            `json:"name,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	Resources      *ResourceCaps     `json:"resources,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// ListFilter is the predicate set for MetadataStore.list / GET /sandboxes.
type ListFilter struct {
	State      SandboxState
	NamePrefix string
	Page       int
	Limit      int
}

// ExtendRequest is the POST /sandboxes/{id}/extend request body.
type ExtendRequest struct {
	Seconds int64 `json:"seconds"`
}

// BatchDeleteRequest is the POST /sandboxes/batch-delete request body.
type BatchDeleteRequest struct {
	IDs           []string `json:"ids"`
	KeepWorkspace bool     `json:"keep_workspace,omitempty"`
}

// BatchDeleteResult reports the outcome for one id in a batch delete.
type BatchDeleteResult struct {
	ID     string `json:"id"`
	Ok     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

// Stats is the composed resource snapshot returned by
// SandboxController.Stats: container-level runtime stats and workspace
// disk usage. SandboxController.Stats does not fill LastHeartbeat; it is
// always the zero time.
type Stats struct {
	SandboxID     string    `json:"sandboxId"`
	CPUPercent    float64   `json:"cpuPercent"`
	MemUsageBytes uint64    `json:"memUsageBytes"`
	MemLimitBytes uint64    `json:"memLimitBytes"`
	NetInput      uint64    `json:"netInputBytes"`
	NetOutput     uint64    `json:"netOutputBytes"`
	PIDs          int       `json:"pids"`
	DiskUsedBytes uint64    `json:"diskUsedBytes"`
	LastHeartbeat time.Time `json:"lastHeartbeat,omitempty"`
}
