package agentreg

import (
	"time"

	"github.com/gorilla/websocket"

	"github.com/opensandbox/opensandboxd/pkg/types"
)

// Transport is one framed, bidirectional, ordered connection to an agent.
// The control stream is carried over gorilla/websocket with JSON-framed
// messages rather than length-delimited protobuf: no protoc toolchain is
// available in this environment, and the wire contract only requires an
// equivalent framed transport.
type Transport interface {
	ReadFrame() (*types.ControlFrame, error)
	WriteFrame(*types.ControlFrame) error
	Close() error
}

// wsTransport adapts a *websocket.Conn to Transport.
type wsTransport struct {
	conn *websocket.Conn
}

// NewWSTransport wraps an upgraded websocket connection.
func NewWSTransport(conn *websocket.Conn) Transport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) ReadFrame() (*types.ControlFrame, error) {
	var frame types.ControlFrame
	if err := t.conn.ReadJSON(&frame); err != nil {
		return nil, err
	}
	return &frame, nil
}

func (t *wsTransport) WriteFrame(frame *types.ControlFrame) error {
	t.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return t.conn.WriteJSON(frame)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}
