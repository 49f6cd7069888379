// Package agent is the in-container counterpart to the server's
// AgentRegistry: it dials the control-stream WebSocket, registers this
// sandbox, answers heartbeats, and executes the RunCommand/KillCommand/
// CreatePty/PtyInput/ResizePty/KillPty frames the server sends.
package agent

import (
	"encoding/base64"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opensandbox/opensandboxd/pkg/types"
)

// Client is the agent's control-stream connection.
type Client struct {
	sandboxID string
	token     string

	mu   sync.Mutex
	conn *websocket.Conn

	heartbeatInterval time.Duration

	commandsMu sync.Mutex
	commands   map[string]*runningCommand

	ptysMu sync.Mutex
	ptys   map[string]*runningPTY

	writeMu sync.Mutex
}

// New builds an agent Client for sandboxID, authenticating with token.
func New(sandboxID, token string) *Client {
	return &Client{
		sandboxID:         sandboxID,
		token:             token,
		heartbeatInterval: 30 * time.Second,
		commands:          make(map[string]*runningCommand),
		ptys:              make(map[string]*runningPTY),
	}
}

// Run dials serverAddr and serves the control stream until the
// connection drops or stop is closed, reconnecting with backoff in
// between. It only returns when stop fires.
func (c *Client) Run(serverAddr string, stop <-chan struct{}) {
	backoff := time.Second
	for {
		select {
		case <-stop:
			return
		default:
		}

		if err := c.connectAndServe(serverAddr); err != nil {
			log.Printf("agent: control stream error: %v", err)
		}

		select {
		case <-stop:
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (c *Client) connectAndServe(serverAddr string) error {
	u := url.URL{Scheme: "ws", Host: serverAddr, Path: "/control", RawQuery: "token=" + url.QueryEscape(c.token)}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	if err := c.writeFrame(&types.ControlFrame{
		Type:      types.FrameRegister,
		SandboxID: c.sandboxID,
		Caps:      []string{"exec", "pty"},
	}); err != nil {
		return fmt.Errorf("register: %w", err)
	}

	var ack types.ControlFrame
	if err := conn.ReadJSON(&ack); err != nil {
		return fmt.Errorf("register ack: %w", err)
	}
	if ack.Type != types.FrameRegisterAck {
		return fmt.Errorf("unexpected ack frame type %q", ack.Type)
	}
	if ack.HeartbeatIntervalSeconds > 0 {
		c.heartbeatInterval = time.Duration(ack.HeartbeatIntervalSeconds) * time.Second
	}
	log.Printf("agent: registered sandbox %s", c.sandboxID)

	stopHeartbeat := make(chan struct{})
	go c.heartbeatLoop(stopHeartbeat)
	defer close(stopHeartbeat)

	for {
		var frame types.ControlFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		c.dispatch(&frame)
	}
}

func (c *Client) heartbeatLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			usage := sampleUsage()
			_ = c.writeFrame(&types.ControlFrame{
				Type:  types.FrameHeartbeat,
				Usage: &usage,
			})
		}
	}
}

func (c *Client) writeFrame(frame *types.ControlFrame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(frame)
}

func (c *Client) dispatch(frame *types.ControlFrame) {
	switch frame.Type {
	case types.FrameRunCommand:
		c.handleRunCommand(frame)
	case types.FrameKillCommand:
		c.handleKillCommand(frame)
	case types.FrameCreatePty:
		c.handleCreatePty(frame)
	case types.FramePtyInput:
		c.handlePtyInput(frame)
	case types.FrameResizePty:
		c.handleResizePty(frame)
	case types.FrameKillPty:
		c.handleKillPty(frame)
	default:
		log.Printf("agent: unhandled frame type %q", frame.Type)
	}
}

func encodeB64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }
func decodeB64(s string) ([]byte, error) { return base64.StdEncoding.DecodeString(s) }
