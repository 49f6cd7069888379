// osbx-agent is the reference agent that runs inside each sandbox
// container. It dials the server's control-stream WebSocket, registers
// this sandbox, and executes the commands and PTY sessions the server
// dispatches over that stream.
package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/opensandbox/opensandboxd/internal/agent"
)

func main() {
	log.SetFlags(log.Ltime | log.Lmicroseconds)

	sandboxID := os.Getenv("OPENSANDBOXD_SANDBOX_ID")
	if sandboxID == "" {
		log.Fatal("agent: OPENSANDBOXD_SANDBOX_ID is required")
	}
	serverAddr := os.Getenv("OPENSANDBOXD_CALLBACK_ADDR")
	if serverAddr == "" {
		log.Fatal("agent: OPENSANDBOXD_CALLBACK_ADDR is required")
	}
	token := os.Getenv("OPENSANDBOXD_AGENT_TOKEN")

	client := agent.New(sandboxID, token)

	stop := make(chan struct{})
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		log.Printf("agent: received %v, shutting down", sig)
		close(stop)
	}()

	log.Printf("agent: starting for sandbox %s, dialing %s", sandboxID, serverAddr)
	client.Run(serverAddr, stop)
}
