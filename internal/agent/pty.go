package agent

import (
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/creack/pty"

	"github.com/opensandbox/opensandboxd/pkg/types"
)

// runningPTY holds a live PTY session inside the container.
type runningPTY struct {
	cmd     *exec.Cmd
	ptyFile *os.File
}

func (c *Client) handleCreatePty(frame *types.ControlFrame) {
	ptyID := frame.PtyID

	shell := frame.Shell
	if shell == "" {
		shell = "/bin/bash"
	}

	cmd := exec.Command(shell)
	cmd.Dir = frame.Cwd
	if cmd.Dir == "" {
		cmd.Dir = "/workspace"
	}
	cmd.Env = append(baseEnv(), "TERM=xterm-256color")
	if len(frame.Env) > 0 {
		cmd.Env = append(cmd.Env, mapToEnv(frame.Env)...)
	}

	cols, rows := uint16(frame.Cols), uint16(frame.Rows)
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		_ = c.writeFrame(&types.ControlFrame{
			Type:  types.FramePtyOutput,
			PtyID: ptyID,
			Kind:  types.FrameError,
			Error: fmt.Sprintf("start pty: %v", err),
		})
		return
	}

	sess := &runningPTY{cmd: cmd, ptyFile: ptmx}
	c.ptysMu.Lock()
	c.ptys[ptyID] = sess
	c.ptysMu.Unlock()

	go c.pumpPTYOutput(ptyID, sess)
}

func (c *Client) pumpPTYOutput(ptyID string, sess *runningPTY) {
	defer func() {
		c.ptysMu.Lock()
		delete(c.ptys, ptyID)
		c.ptysMu.Unlock()
		sess.ptyFile.Close()
	}()

	buf := make([]byte, 8192)
	for {
		n, err := sess.ptyFile.Read(buf)
		if n > 0 {
			_ = c.writeFrame(&types.ControlFrame{
				Type:    types.FramePtyOutput,
				PtyID:   ptyID,
				Kind:    types.FrameStdout,
				Payload: encodeB64(buf[:n]),
			})
		}
		if err != nil {
			if err != io.EOF {
				_ = c.writeFrame(&types.ControlFrame{
					Type:  types.FramePtyOutput,
					PtyID: ptyID,
					Kind:  types.FrameError,
					Error: err.Error(),
				})
			}
			break
		}
	}
	_ = sess.cmd.Wait()
	exitCode := 0
	if sess.cmd.ProcessState != nil {
		exitCode = sess.cmd.ProcessState.ExitCode()
	}
	_ = c.writeFrame(&types.ControlFrame{
		Type:     types.FramePtyOutput,
		PtyID:    ptyID,
		Kind:     types.FrameExit,
		ExitCode: &exitCode,
	})
}

func (c *Client) handlePtyInput(frame *types.ControlFrame) {
	c.ptysMu.Lock()
	sess, ok := c.ptys[frame.PtyID]
	c.ptysMu.Unlock()
	if !ok {
		return
	}
	data, err := decodeB64(frame.Payload)
	if err != nil {
		return
	}
	_, _ = sess.ptyFile.Write(data)
}

func (c *Client) handleResizePty(frame *types.ControlFrame) {
	c.ptysMu.Lock()
	sess, ok := c.ptys[frame.PtyID]
	c.ptysMu.Unlock()
	if !ok {
		return
	}
	_ = pty.Setsize(sess.ptyFile, &pty.Winsize{Cols: uint16(frame.Cols), Rows: uint16(frame.Rows)})
}

func (c *Client) handleKillPty(frame *types.ControlFrame) {
	c.ptysMu.Lock()
	sess, ok := c.ptys[frame.PtyID]
	if ok {
		delete(c.ptys, frame.PtyID)
	}
	c.ptysMu.Unlock()
	if !ok {
		return
	}
	sess.ptyFile.Close()
	if sess.cmd.Process != nil {
		_ = sess.cmd.Process.Kill()
	}
}
