package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opensandbox/opensandboxd/pkg/client"
	"github.com/opensandbox/opensandboxd/pkg/types"
	"github.com/spf13/cobra"
)

var execCmd = &cobra.Command{
	Use:   "exec <sandbox-id> <command> [args...]",
	Short: "Execute a command in a sandbox",
	Long: `Execute a command in a running sandbox and print its output.
Example: osbx exec abc123 ls -la /workspace`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkAPIKey(); err != nil {
			return err
		}

		sandboxID := args[0]
		spec := types.CommandSpec{Command: args[1], Args: args[2:]}

		timeoutMs, _ := cmd.Flags().GetInt("timeout-ms")
		spec.TimeoutMs = timeoutMs

		c := client.NewClient(baseURL, apiKey)
		ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
		defer cancel()

		result, err := c.RunCommand(ctx, sandboxID, spec)
		if err != nil {
			return fmt.Errorf("failed to execute command: %w", err)
		}

		jsonOutput, _ := cmd.Flags().GetBool("json")
		if jsonOutput {
			data, _ := json.MarshalIndent(result, "", "  ")
			fmt.Println(string(data))
			return nil
		}

		if result.Stdout != "" {
			fmt.Print(result.Stdout)
		}
		if result.Stderr != "" {
			fmt.Fprint(cmd.ErrOrStderr(), result.Stderr)
		}
		if result.ExitCode != 0 {
			return fmt.Errorf("command exited with code %d", result.ExitCode)
		}
		return nil
	},
}

var shellCmd = &cobra.Command{
	Use:   "shell <sandbox-id> <command>",
	Short: "Execute a shell command in a sandbox",
	Long: `Execute a shell command (wrapped in /bin/sh -c) in a sandbox.
Example: osbx shell abc123 "cd /workspace && ls -la"`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkAPIKey(); err != nil {
			return err
		}

		sandboxID := args[0]
		spec := types.CommandSpec{Command: "/bin/sh", Args: []string{"-c", args[1]}}

		c := client.NewClient(baseURL, apiKey)
		ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
		defer cancel()

		result, err := c.RunCommand(ctx, sandboxID, spec)
		if err != nil {
			return fmt.Errorf("failed to execute command: %w", err)
		}

		if result.Stdout != "" {
			fmt.Print(result.Stdout)
		}
		if result.Stderr != "" {
			fmt.Fprint(cmd.ErrOrStderr(), result.Stderr)
		}
		if result.ExitCode != 0 {
			return fmt.Errorf("command exited with code %d", result.ExitCode)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(shellCmd)

	execCmd.Flags().Bool("json", false, "Output as JSON")
	execCmd.Flags().Int("timeout-ms", 0, "Command timeout in milliseconds")
	// Stop parsing flags after the first non-flag arg so that arguments
	// like --version are passed to the sandbox command, not interpreted
	// by Cobra.
	execCmd.Flags().SetInterspersed(false)
}
