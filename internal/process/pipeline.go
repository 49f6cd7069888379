// Package process is the ProcessPipeline: it assigns command identity,
// dispatches run/kill through the AgentRegistry, enforces server-side
// timeouts with a SIGTERM-then-SIGKILL escalation, and adapts the
// resulting frame stream into either a buffered ProcessResult or a lazy
// SSE-friendly sequence.
package process

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/opensandbox/opensandboxd/internal/agentreg"
	"github.com/opensandbox/opensandboxd/internal/apierr"
	"github.com/opensandbox/opensandboxd/internal/store"
	"github.com/opensandbox/opensandboxd/pkg/types"
)

const defaultFrameBufferLen = 256

// SandboxLookup is the subset of sandbox.Controller Pipeline needs to
// check run-state before dispatch.
type SandboxLookup interface {
	Get(id string) (*types.Sandbox, error)
}

// Pipeline is the ProcessPipeline.
type Pipeline struct {
	registry  *agentreg.Registry
	sandboxes SandboxLookup
	graceSec  int
}

// New builds a Pipeline. graceSec is the SIGTERM->SIGKILL grace period
// (default 2s).
func New(registry *agentreg.Registry, sandboxes SandboxLookup, graceSec int) *Pipeline {
	if graceSec <= 0 {
		graceSec = 2
	}
	return &Pipeline{registry: registry, sandboxes: sandboxes, graceSec: graceSec}
}

func (p *Pipeline) checkRunning(sandboxID string) error {
	sb, err := p.sandboxes.Get(sandboxID)
	if err != nil {
		if err == store.ErrNotFound {
			return apierr.New(apierr.KindNotFound, "sandbox %s not found", sandboxID)
		}
		return apierr.New(apierr.KindStorageUnavailable, "%v", err)
	}
	if sb.State != types.SandboxRunning {
		return apierr.New(apierr.KindSandboxNotRunning, "sandbox %s is %s", sandboxID, sb.State)
	}
	return nil
}

// Stream starts a command and returns the command id plus a channel of
// frames: zero or more stdout/stderr frames followed by exactly one
// terminal exit or error frame. The channel closes after the terminal
// frame. Timeout escalation and kill-on-disconnect are handled
// internally; callers that stop draining early should call Kill.
func (p *Pipeline) Stream(ctx context.Context, sandboxID string, spec types.CommandSpec) (string, <-chan *types.ProcessFrame, error) {
	if err := p.checkRunning(sandboxID); err != nil {
		return "", nil, err
	}
	commandID := uuid.New().String()

	waiter, err := p.registry.RunCommand(sandboxID, commandID, spec, defaultFrameBufferLen)
	if err != nil {
		if err == agentreg.ErrAgentUnavailable {
			return "", nil, apierr.New(apierr.KindAgentUnavailable, "no agent attached for sandbox %s", sandboxID)
		}
		return "", nil, apierr.New(apierr.KindRuntimeError, "%v", err)
	}

	out := make(chan *types.ProcessFrame, defaultFrameBufferLen)
	go p.pump(ctx, sandboxID, commandID, waiter, out)
	return commandID, out, nil
}

// pump relays waiter.Sink to out, enforcing the command's deadline with a
// SIGTERM-then-SIGKILL escalation and synthesizing a timeout error frame
// if the agent never reports exit.
func (p *Pipeline) pump(ctx context.Context, sandboxID, commandID string, waiter *agentreg.CommandWaiter, out chan<- *types.ProcessFrame) {
	defer close(out)

	deadlineCh := make(<-chan time.Time)
	if !waiter.Deadline.IsZero() {
		deadlineCh = time.After(time.Until(waiter.Deadline))
	}
	grace := time.Duration(p.graceSec) * time.Second

	// stage 0: waiting for the original deadline
	// stage 1: SIGTERM sent, waiting out the grace period
	// stage 2: SIGKILL sent, waiting out the grace period again before
	//          giving up and synthesizing a timeout frame
	stage := 0

	for {
		select {
		case frame, ok := <-waiter.Sink:
			if !ok {
				return
			}
			out <- frame
			if frame.Type == types.FrameExit || frame.Type == types.FrameError {
				return
			}
		case <-deadlineCh:
			switch stage {
			case 0:
				stage = 1
				_ = p.registry.KillCommand(sandboxID, commandID, "SIGTERM")
				deadlineCh = time.After(grace)
			case 1:
				stage = 2
				_ = p.registry.KillCommand(sandboxID, commandID, "SIGKILL")
				deadlineCh = time.After(grace)
			default:
				p.registry.RemoveCommandWaiter(sandboxID, commandID)
				out <- &types.ProcessFrame{
					Type:      types.FrameError,
					CommandID: commandID,
					Message:   "timeout",
					Timestamp: time.Now().UnixMilli(),
				}
				return
			}
		case <-ctx.Done():
			_ = p.registry.KillCommand(sandboxID, commandID, "SIGTERM")
			p.registry.RemoveCommandWaiter(sandboxID, commandID)
			return
		}
	}
}

// Run collects a command's output into a single ProcessResult, capping
// stdout/stderr at maxBuffer bytes each (default 1 MiB).
func (p *Pipeline) Run(ctx context.Context, sandboxID string, spec types.CommandSpec, maxBuffer int) (*types.ProcessResult, error) {
	if maxBuffer <= 0 {
		maxBuffer = 1 << 20
	}
	spec.MaxBuffer = maxBuffer

	commandID, frames, err := p.Stream(ctx, sandboxID, spec)
	if err != nil {
		return nil, err
	}

	result := &types.ProcessResult{CommandID: commandID}
	var stdout, stderr []byte
	for frame := range frames {
		switch frame.Type {
		case types.FrameStdout:
			if len(stdout) < maxBuffer {
				stdout = append(stdout, []byte(frame.Data)...)
				if len(stdout) > maxBuffer {
					stdout = stdout[:maxBuffer]
					result.StdoutTruncated = true
				}
			} else {
				result.StdoutTruncated = true
			}
		case types.FrameStderr:
			if len(stderr) < maxBuffer {
				stderr = append(stderr, []byte(frame.Data)...)
				if len(stderr) > maxBuffer {
					stderr = stderr[:maxBuffer]
					result.StderrTruncated = true
				}
			} else {
				result.StderrTruncated = true
			}
		case types.FrameExit:
			if frame.ExitCode != nil {
				result.ExitCode = *frame.ExitCode
			}
		case types.FrameError:
			return nil, apierr.New(apierr.KindCommandTimeout, "%s", frame.Message)
		}
	}
	result.Stdout = string(stdout)
	result.Stderr = string(stderr)
	return result, nil
}

// Kill dispatches KillCommand for an in-flight command.
func (p *Pipeline) Kill(sandboxID, commandID, signal string) error {
	if signal == "" {
		signal = "SIGTERM"
	}
	if err := p.registry.KillCommand(sandboxID, commandID, signal); err != nil {
		if err == agentreg.ErrAgentUnavailable {
			return apierr.New(apierr.KindAgentUnavailable, "no agent attached for sandbox %s", sandboxID)
		}
		return apierr.New(apierr.KindRuntimeError, "%v", err)
	}
	return nil
}
