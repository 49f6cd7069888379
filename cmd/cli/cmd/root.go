package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	baseURL string
	apiKey  string
)

var rootCmd = &cobra.Command{
	Use:   "osbx",
	Short: "opensandboxd CLI - manage sandboxes from the command line",
	Long: `osbx is a command-line tool for opensandboxd.

It creates, inspects, and tears down sandboxes, runs commands inside them,
and opens interactive shells over the control stream.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&baseURL, "url", getEnvOrDefault("OPENSANDBOXD_API_URL", "http://localhost:8080"), "opensandboxd API base URL")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("OPENSANDBOXD_API_KEY"), "opensandboxd API key")
}

func getEnvOrDefault(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}

func checkAPIKey() error {
	if apiKey == "" {
		return fmt.Errorf("API key is required. Set OPENSANDBOXD_API_KEY environment variable or use --api-key flag")
	}
	return nil
}
