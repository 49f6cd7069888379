// Package runtime defines the ContainerRuntime capability SandboxController
// requires from the surrounding container engine, and a podman-backed
// implementation of it. The core never imports package podman directly —
// only this interface — so a different engine can be substituted later.
package runtime

import "context"

// Handle is the opaque reference ContainerRuntime.Create returns; the core
// treats it as an opaque string and never parses it.
type Handle string

// InspectResult is the liveness snapshot returned by Inspect.
type InspectResult struct {
	State    string // "running", "stopped", "exited", ...
	ExitCode int
}

// CreateSpec carries everything needed to create one sandbox's container.
type CreateSpec struct {
	Name         string
	Image        string
	Env          map[string]string
	BindMounts   []BindMount
	ResourceCaps ResourceCaps
	Entrypoint   []string
	Command      []string
	Labels       map[string]string
	Publish      []string
}

// BindMount maps a host path into the container.
type BindMount struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

// ResourceCaps is the resource envelope requested for a container. Which
// knob (quota vs shares, swap cap) is honored is engine-specific; callers
// pass through whatever they have and the runtime maps what it can.
type ResourceCaps struct {
	CPUCount int
	MemoryMB int
}

// StatsSnapshot is point-in-time resource usage for a running container.
type StatsSnapshot struct {
	CPUPercent float64
	MemUsage   uint64
	MemLimit   uint64
	NetInput   uint64
	NetOutput  uint64
	PIDs       int
}

// ContainerRuntime is the capability set the core requires from the
// surrounding runtime. A missing handle (container gone) is reported by
// Inspect returning state "stopped" rather than an error — the core
// treats that the same as a clean stop.
type ContainerRuntime interface {
	Create(ctx context.Context, spec CreateSpec) (Handle, error)
	Start(ctx context.Context, h Handle) error
	Stop(ctx context.Context, h Handle, graceSeconds int) error
	Remove(ctx context.Context, h Handle, force bool) error
	Inspect(ctx context.Context, h Handle) (InspectResult, error)
	Stats(ctx context.Context, h Handle) (StatsSnapshot, error)
	Logs(ctx context.Context, h Handle, tailLines int, since, until string) ([]byte, error)
	// List returns the handles of every container this service created,
	// identified by a fixed label, regardless of whether a MetadataStore
	// record still exists for them — Reaper uses this to find orphans.
	List(ctx context.Context) ([]Handle, error)
}
