package agent

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/opensandbox/opensandboxd/pkg/types"
)

// runningCommand tracks one in-flight RunCommand so a later KillCommand
// frame can find its process group.
type runningCommand struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
}

// baseEnv returns the process environment with HOME pinned to /workspace
// so tool caches (npm, pip, git) land on the mounted workspace volume.
func baseEnv() []string {
	env := make([]string, 0, len(os.Environ()))
	for _, e := range os.Environ() {
		if strings.HasPrefix(e, "HOME=") {
			continue
		}
		env = append(env, e)
	}
	return append(env, "HOME=/workspace")
}

func mapToEnv(m map[string]string) []string {
	env := make([]string, 0, len(m))
	for k, v := range m {
		env = append(env, k+"="+v)
	}
	return env
}

func (c *Client) handleRunCommand(frame *types.ControlFrame) {
	commandID := frame.CommandID

	ctx := context.Background()
	var cancel context.CancelFunc
	if frame.TimeoutMs > 0 {
		ctx, cancel = context.WithTimeout(ctx, time.Duration(frame.TimeoutMs)*time.Millisecond)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	var cmd *exec.Cmd
	if len(frame.ArgvOrShellLine) > 0 {
		cmd = exec.CommandContext(ctx, frame.ArgvOrShellLine[0], frame.ArgvOrShellLine[1:]...)
	} else {
		cmd = exec.CommandContext(ctx, "/bin/sh", "-c", frame.ShellLine)
	}
	cmd.Dir = frame.Cwd
	if cmd.Dir == "" {
		cmd.Dir = "/workspace"
	}
	cmd.Env = baseEnv()
	if len(frame.Env) > 0 {
		cmd.Env = append(cmd.Env, mapToEnv(frame.Env)...)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		c.sendCmdError(commandID, err.Error())
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		c.sendCmdError(commandID, err.Error())
		return
	}

	if err := cmd.Start(); err != nil {
		cancel()
		c.sendCmdError(commandID, err.Error())
		return
	}

	c.commandsMu.Lock()
	c.commands[commandID] = &runningCommand{cmd: cmd, cancel: cancel}
	c.commandsMu.Unlock()

	go c.pumpCommandOutput(commandID, cmd, stdout, stderr, cancel)
}

func (c *Client) pumpCommandOutput(commandID string, cmd *exec.Cmd, stdout, stderr io.Reader, cancel context.CancelFunc) {
	defer cancel()
	defer func() {
		c.commandsMu.Lock()
		delete(c.commands, commandID)
		c.commandsMu.Unlock()
	}()

	done := make(chan struct{}, 2)
	go c.pumpStream(commandID, types.FrameStdout, stdout, done)
	go c.pumpStream(commandID, types.FrameStderr, stderr, done)
	<-done
	<-done

	err := cmd.Wait()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			c.sendCmdError(commandID, err.Error())
			return
		}
	}
	_ = c.writeFrame(&types.ControlFrame{
		Type:      types.FrameCmdOutput,
		CommandID: commandID,
		Kind:      types.FrameExit,
		ExitCode:  &exitCode,
	})
}

func (c *Client) pumpStream(commandID string, kind types.FrameKind, r io.Reader, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()
	buf := make([]byte, 8192)
	reader := bufio.NewReader(r)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			_ = c.writeFrame(&types.ControlFrame{
				Type:      types.FrameCmdOutput,
				CommandID: commandID,
				Kind:      kind,
				Payload:   encodeB64(buf[:n]),
			})
		}
		if err != nil {
			return
		}
	}
}

func (c *Client) sendCmdError(commandID, message string) {
	_ = c.writeFrame(&types.ControlFrame{
		Type:      types.FrameCmdOutput,
		CommandID: commandID,
		Kind:      types.FrameError,
		Error:     message,
	})
}

func (c *Client) handleKillCommand(frame *types.ControlFrame) {
	c.commandsMu.Lock()
	rc, ok := c.commands[frame.CommandID]
	c.commandsMu.Unlock()
	if !ok {
		return
	}

	sig := syscall.SIGTERM
	if frame.Signal == "SIGKILL" {
		sig = syscall.SIGKILL
	}
	if rc.cmd.Process != nil {
		_ = syscall.Kill(-rc.cmd.Process.Pid, sig)
	}
}
