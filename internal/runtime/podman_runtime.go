package runtime

import (
	"context"
	"fmt"

	"github.com/opensandbox/opensandboxd/internal/podman"
)

// LabelOwner marks every container this service creates, so Reaper and
// restart recovery can find containers podman knows about that the
// MetadataStore has no record of.
const LabelOwner = "opensandboxd.owner"

// PodmanRuntime implements ContainerRuntime over the podman CLI.
type PodmanRuntime struct {
	client *podman.Client
}

// NewPodmanRuntime builds a PodmanRuntime, failing fast if podman isn't
// on PATH.
func NewPodmanRuntime() (*PodmanRuntime, error) {
	client, err := podman.NewClient()
	if err != nil {
		return nil, err
	}
	return &PodmanRuntime{client: client}, nil
}

func (r *PodmanRuntime) Create(ctx context.Context, spec CreateSpec) (Handle, error) {
	cfg := podman.DefaultContainerConfig(spec.Name, spec.Image)
	cfg.Env = spec.Env
	if spec.ResourceCaps.MemoryMB > 0 {
		cfg.Memory = fmt.Sprintf("%dm", spec.ResourceCaps.MemoryMB)
	}
	if spec.ResourceCaps.CPUCount > 0 {
		cfg.CPUs = fmt.Sprintf("%d", spec.ResourceCaps.CPUCount)
	}
	if len(spec.Entrypoint) > 0 {
		cfg.Entrypoint = spec.Entrypoint
	}
	if len(spec.Command) > 0 {
		cfg.Command = spec.Command
	}
	cfg.Publish = spec.Publish

	cfg.Labels = map[string]string{LabelOwner: "true"}
	for k, v := range spec.Labels {
		cfg.Labels[k] = v
	}
	cfg.Mounts = toPodmanMounts(spec.BindMounts)

	id, err := r.client.CreateContainer(ctx, cfg)
	if err != nil {
		return "", err
	}
	return Handle(id), nil
}

func toPodmanMounts(mounts []BindMount) []podman.BindMount {
	out := make([]podman.BindMount, 0, len(mounts))
	for _, m := range mounts {
		out = append(out, podman.BindMount{
			HostPath:      m.HostPath,
			ContainerPath: m.ContainerPath,
			ReadOnly:      m.ReadOnly,
		})
	}
	return out
}

func (r *PodmanRuntime) Start(ctx context.Context, h Handle) error {
	return r.client.StartContainer(ctx, string(h))
}

func (r *PodmanRuntime) Stop(ctx context.Context, h Handle, graceSeconds int) error {
	err := r.client.StopContainer(ctx, string(h), graceSeconds)
	if err != nil && isMissingContainer(err) {
		return nil
	}
	return err
}

func (r *PodmanRuntime) Remove(ctx context.Context, h Handle, force bool) error {
	err := r.client.RemoveContainer(ctx, string(h), force)
	if err != nil && isMissingContainer(err) {
		return nil
	}
	return err
}

func (r *PodmanRuntime) Inspect(ctx context.Context, h Handle) (InspectResult, error) {
	info, err := r.client.InspectContainer(ctx, string(h))
	if err != nil {
		if isMissingContainer(err) {
			return InspectResult{State: "stopped"}, nil
		}
		return InspectResult{}, err
	}
	return InspectResult{State: info.State.Status}, nil
}

func (r *PodmanRuntime) Stats(ctx context.Context, h Handle) (StatsSnapshot, error) {
	s, err := r.client.ContainerStats(ctx, string(h))
	if err != nil {
		return StatsSnapshot{}, err
	}
	return StatsSnapshot{
		CPUPercent: s.CPUPercent,
		MemUsage:   s.MemUsage,
		MemLimit:   s.MemLimit,
		NetInput:   s.NetInput,
		NetOutput:  s.NetOutput,
		PIDs:       s.PIDs,
	}, nil
}

func (r *PodmanRuntime) Logs(ctx context.Context, h Handle, tailLines int, since, until string) ([]byte, error) {
	return r.client.ContainerLogs(ctx, string(h), tailLines, since, until)
}

func (r *PodmanRuntime) List(ctx context.Context) ([]Handle, error) {
	entries, err := r.client.ListContainers(ctx, LabelOwner)
	if err != nil {
		return nil, err
	}
	out := make([]Handle, 0, len(entries))
	for _, e := range entries {
		out = append(out, Handle(e.ID))
	}
	return out, nil
}

func isMissingContainer(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return containsAny(msg, "no such container") || containsAny(msg, "not found")
}

func containsAny(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
