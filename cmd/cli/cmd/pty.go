package cmd

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/term"

	"github.com/opensandbox/opensandboxd/pkg/client"
	"github.com/opensandbox/opensandboxd/pkg/types"
	"github.com/spf13/cobra"
)

var ptyCmd = &cobra.Command{
	Use:   "pty <sandbox-id>",
	Short: "Open an interactive shell in a sandbox",
	Long: `Open a PTY in a sandbox and attach the local terminal to it,
putting the local terminal into raw mode for the duration of the session.
Example: osbx pty abc123`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkAPIKey(); err != nil {
			return err
		}

		sandboxID := args[0]
		shell, _ := cmd.Flags().GetString("shell")

		cols, rows := 80, 24
		if w, h, err := term.GetSize(int(os.Stdin.Fd())); err == nil {
			cols, rows = w, h
		}

		c := client.NewClient(baseURL, apiKey)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		resp, err := c.CreatePTY(ctx, sandboxID, types.PTYCreateRequest{Shell: shell, Cols: cols, Rows: rows})
		cancel()
		if err != nil {
			return fmt.Errorf("failed to create pty: %w", err)
		}

		wsURL, err := wsURLFor(baseURL, resp.WsEndpoint)
		if err != nil {
			return err
		}

		header := http.Header{}
		header.Set("X-API-Key", apiKey)
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
		if err != nil {
			return fmt.Errorf("failed to attach to pty: %w", err)
		}
		defer conn.Close()

		oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err != nil {
			return fmt.Errorf("failed to set terminal to raw mode: %w", err)
		}
		defer term.Restore(int(os.Stdin.Fd()), oldState)

		return runPtySession(conn)
	},
}

func wsURLFor(baseURL, wsEndpoint string) (string, error) {
	if strings.HasPrefix(wsEndpoint, "ws://") || strings.HasPrefix(wsEndpoint, "wss://") {
		return wsEndpoint, nil
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = wsEndpoint
	return u.String(), nil
}

// runPtySession pumps stdin to the PTY over WS and WS output back to
// stdout until the remote shell exits or the connection drops. The local
// terminal must already be in raw mode before this is called.
func runPtySession(conn *websocket.Conn) error {
	resize := make(chan os.Signal, 1)
	signal.Notify(resize, syscall.SIGWINCH)
	defer signal.Stop(resize)

	go func() {
		for range resize {
			if w, h, err := term.GetSize(int(os.Stdin.Fd())); err == nil {
				_ = conn.WriteJSON(types.PTYClientMsg{Type: types.PTYClientResize, Cols: w, Rows: h})
			}
		}
	}()

	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				msg := types.PTYClientMsg{Type: types.PTYClientInput, Data: base64.StdEncoding.EncodeToString(buf[:n])}
				if err := conn.WriteJSON(msg); err != nil {
					return
				}
			}
			if err != nil {
				if err != io.EOF {
					return
				}
				return
			}
		}
	}()

	for {
		var msg types.PTYServerMsg
		if err := conn.ReadJSON(&msg); err != nil {
			return nil
		}
		switch msg.Type {
		case types.PTYServerOutput:
			data, err := base64.StdEncoding.DecodeString(msg.Data)
			if err == nil {
				os.Stdout.Write(data)
			}
		case types.PTYServerExit:
			if msg.ExitCode != nil && *msg.ExitCode != 0 {
				return fmt.Errorf("shell exited with code %d", *msg.ExitCode)
			}
			return nil
		case types.PTYServerError:
			return fmt.Errorf("pty error: %s", msg.Message)
		}
	}
}

func init() {
	rootCmd.AddCommand(ptyCmd)
	ptyCmd.Flags().String("shell", "", "Shell to run (default /bin/bash)")
}
