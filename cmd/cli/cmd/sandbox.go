package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/opensandbox/opensandboxd/pkg/client"
	"github.com/opensandbox/opensandboxd/pkg/types"
	"github.com/spf13/cobra"
)

var sandboxCmd = &cobra.Command{
	Use:     "sandbox",
	Aliases: []string{"sb"},
	Short:   "Manage sandboxes",
	Long:    `Create, list, inspect, and delete sandboxes.`,
}

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new sandbox",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkAPIKey(); err != nil {
			return err
		}

		template, _ := cmd.Flags().GetString("template")
		name, _ := cmd.Flags().GetString("name")
		cpus, _ := cmd.Flags().GetInt("cpus")
		memory, _ := cmd.Flags().GetInt("memory")
		timeout, _ := cmd.Flags().GetInt("timeout")
		metadata, _ := cmd.Flags().GetStringToString("metadata")

		req := types.CreateRequest{
			Template:       template,
			Name:           name,
			TimeoutSeconds: timeout,
			Metadata:       metadata,
		}
		if cpus > 0 || memory > 0 {
			req.Resources = &types.ResourceCaps{CPUCount: cpus, MemoryMB: memory}
		}

		c := client.NewClient(baseURL, apiKey)
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		sb, err := c.CreateSandbox(ctx, req)
		if err != nil {
			return fmt.Errorf("failed to create sandbox: %w", err)
		}

		fmt.Printf("✓ Sandbox created: %s\n", sb.ID)
		fmt.Printf("  Template: %s\n", sb.Template)
		fmt.Printf("  State: %s\n", sb.State)
		if sb.WorkspacePath != "" {
			fmt.Printf("  Workspace: %s\n", sb.WorkspacePath)
		}
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List sandboxes",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkAPIKey(); err != nil {
			return err
		}

		state, _ := cmd.Flags().GetString("state")

		c := client.NewClient(baseURL, apiKey)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		sandboxes, err := c.ListSandboxes(ctx, types.ListFilter{State: types.SandboxState(state)})
		if err != nil {
			return fmt.Errorf("failed to list sandboxes: %w", err)
		}
		if len(sandboxes) == 0 {
			fmt.Println("No sandboxes found")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tTEMPLATE\tSTATE\tEXPIRES")
		for _, sb := range sandboxes {
			expires := ""
			if sb.ExpiresAt > 0 {
				expires = time.UnixMilli(sb.ExpiresAt).Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", sb.ID, sb.Name, sb.Template, sb.State, expires)
		}
		w.Flush()
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:   "get <sandbox-id>",
	Short: "Get sandbox details",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkAPIKey(); err != nil {
			return err
		}

		c := client.NewClient(baseURL, apiKey)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		sb, err := c.GetSandbox(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to get sandbox: %w", err)
		}

		jsonOutput, _ := cmd.Flags().GetBool("json")
		if jsonOutput {
			data, _ := json.MarshalIndent(sb, "", "  ")
			fmt.Println(string(data))
			return nil
		}

		fmt.Printf("Sandbox: %s\n", sb.ID)
		fmt.Printf("  Name: %s\n", sb.Name)
		fmt.Printf("  Template: %s\n", sb.Template)
		fmt.Printf("  State: %s\n", sb.State)
		fmt.Printf("  CPUs: %d\n", sb.Config.Resources.CPUCount)
		fmt.Printf("  Memory: %d MB\n", sb.Config.Resources.MemoryMB)
		if sb.ExpiresAt > 0 {
			fmt.Printf("  Expires: %s\n", time.UnixMilli(sb.ExpiresAt).Format(time.RFC3339))
		}
		if sb.WorkspacePath != "" {
			fmt.Printf("  Workspace: %s\n", sb.WorkspacePath)
		}
		return nil
	},
}

var rmCmd = &cobra.Command{
	Use:     "rm <sandbox-id>",
	Aliases: []string{"delete", "kill"},
	Short:   "Delete a sandbox",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkAPIKey(); err != nil {
			return err
		}

		c := client.NewClient(baseURL, apiKey)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := c.DeleteSandbox(ctx, args[0]); err != nil {
			return fmt.Errorf("failed to delete sandbox: %w", err)
		}
		fmt.Printf("✓ Sandbox %s deleted\n", args[0])
		return nil
	},
}

var extendCmd = &cobra.Command{
	Use:   "extend <sandbox-id> <seconds>",
	Short: "Extend a sandbox's deadline",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkAPIKey(); err != nil {
			return err
		}

		var seconds int64
		if _, err := fmt.Sscanf(args[1], "%d", &seconds); err != nil {
			return fmt.Errorf("invalid seconds %q: %w", args[1], err)
		}

		c := client.NewClient(baseURL, apiKey)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		sb, err := c.ExtendSandbox(ctx, args[0], seconds)
		if err != nil {
			return fmt.Errorf("failed to extend sandbox: %w", err)
		}
		fmt.Printf("✓ Sandbox %s extended, now expires %s\n", sb.ID, time.UnixMilli(sb.ExpiresAt).Format(time.RFC3339))
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats <sandbox-id>",
	Short: "Show sandbox resource usage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkAPIKey(); err != nil {
			return err
		}

		c := client.NewClient(baseURL, apiKey)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		st, err := c.Stats(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to get stats: %w", err)
		}
		fmt.Printf("CPU: %.1f%%\n", st.CPUPercent)
		fmt.Printf("Memory: %d / %d bytes\n", st.MemUsageBytes, st.MemLimitBytes)
		fmt.Printf("Disk: %d bytes\n", st.DiskUsedBytes)
		fmt.Printf("PIDs: %d\n", st.PIDs)
		return nil
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs <sandbox-id>",
	Short: "Show sandbox container logs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkAPIKey(); err != nil {
			return err
		}

		c := client.NewClient(baseURL, apiKey)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		logs, err := c.Logs(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to get logs: %w", err)
		}
		fmt.Print(logs)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sandboxCmd)

	sandboxCmd.AddCommand(createCmd)
	sandboxCmd.AddCommand(listCmd)
	sandboxCmd.AddCommand(getCmd)
	sandboxCmd.AddCommand(rmCmd)
	sandboxCmd.AddCommand(extendCmd)
	sandboxCmd.AddCommand(statsCmd)
	sandboxCmd.AddCommand(logsCmd)

	createCmd.Flags().String("template", "ubuntu", "Sandbox template")
	createCmd.Flags().String("name", "", "Sandbox name")
	createCmd.Flags().Int("cpus", 0, "Number of vCPUs")
	createCmd.Flags().Int("memory", 0, "Memory in MB")
	createCmd.Flags().Int("timeout", 0, "Timeout in seconds")
	createCmd.Flags().StringToString("metadata", nil, "Metadata key-value pairs")

	listCmd.Flags().String("state", "", "Filter by state (starting, running, stopping, stopped, error)")

	getCmd.Flags().Bool("json", false, "Output as JSON")
}
