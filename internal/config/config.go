// Package config loads opensandboxd's configuration from environment
// variables, optionally seeded from AWS Secrets Manager first the same way
// the rest of this codebase's configuration has always been bootstrapped.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// Config holds all configuration for opensandboxd.
type Config struct {
	Port     int
	APIKey   string
	LogLevel string

	DataDir   string // base dir for metadata.db and per-sandbox audit dbs
	Workspace string // root dir WorkspaceDirs allocates sandbox directories under

	JWTSecret string // shared secret for sandbox-scoped JWTs and control-stream auth

	DefaultSandboxMemoryMB int
	DefaultSandboxCPUs     int
	DefaultSandboxDiskMB   int // 0 = no quota
	DefaultImage           string
	DefaultTimeoutSeconds  int
	MaxTimeoutSeconds      int // lifetime ceiling enforced by extend()

	AgentAttachTimeoutSec  int // default 30
	HeartbeatIntervalSec   int // default 30
	HeartbeatTimeoutSec    int // default 90
	CommandGraceSec        int // SIGTERM->SIGKILL grace, default 2
	PtyIdleTimeoutSec      int // default 90

	ReaperIntervalSec int // default 60
	ExpiringWarnSec   int // default 300
	BatchDeleteMax    int // default 50

	WebhookURL    string
	WebhookSecret string

	NFSAddr string // host:port NFSv3 listens on

	// SecretsARN: if set, secrets are fetched from AWS Secrets Manager at
	// startup using IAM credentials. The secret should be a JSON object
	// with keys matching env var names. Env vars take precedence.
	SecretsARN string
}

// Load reads configuration from environment variables with sensible
// defaults. If OPENSANDBOXD_SECRETS_ARN is set, secrets are fetched from
// AWS Secrets Manager first, then environment variables are applied on
// top (env vars take precedence).
func Load() (*Config, error) {
	if arn := os.Getenv("OPENSANDBOXD_SECRETS_ARN"); arn != "" {
		if err := loadSecretsManager(arn); err != nil {
			return nil, fmt.Errorf("failed to load secrets from %s: %w", arn, err)
		}
	}

	cfg := &Config{
		Port:     8080,
		APIKey:   os.Getenv("OPENSANDBOXD_API_KEY"),
		LogLevel: envOrDefault("OPENSANDBOXD_LOG_LEVEL", "info"),

		DataDir:   envOrDefault("OPENSANDBOXD_DATA_DIR", "/data/opensandboxd"),
		Workspace: envOrDefault("OPENSANDBOXD_WORKSPACE_ROOT", "/data/opensandboxd/workspaces"),

		JWTSecret: os.Getenv("OPENSANDBOXD_JWT_SECRET"),

		DefaultSandboxMemoryMB: envOrDefaultInt("OPENSANDBOXD_DEFAULT_MEMORY_MB", 1024),
		DefaultSandboxCPUs:     envOrDefaultInt("OPENSANDBOXD_DEFAULT_CPUS", 1),
		DefaultSandboxDiskMB:   envOrDefaultInt("OPENSANDBOXD_DEFAULT_DISK_MB", 0),
		DefaultImage:           envOrDefault("OPENSANDBOXD_DEFAULT_IMAGE", "docker.io/library/ubuntu:22.04"),
		DefaultTimeoutSeconds:  envOrDefaultInt("OPENSANDBOXD_DEFAULT_TIMEOUT_SEC", 3600),
		MaxTimeoutSeconds:      envOrDefaultInt("OPENSANDBOXD_MAX_TIMEOUT_SEC", 86400),

		AgentAttachTimeoutSec: envOrDefaultInt("OPENSANDBOXD_AGENT_ATTACH_TIMEOUT_SEC", 30),
		HeartbeatIntervalSec:  envOrDefaultInt("OPENSANDBOXD_HEARTBEAT_INTERVAL_SEC", 30),
		HeartbeatTimeoutSec:   envOrDefaultInt("OPENSANDBOXD_HEARTBEAT_TIMEOUT_SEC", 90),
		CommandGraceSec:       envOrDefaultInt("OPENSANDBOXD_COMMAND_GRACE_SEC", 2),
		PtyIdleTimeoutSec:     envOrDefaultInt("OPENSANDBOXD_PTY_IDLE_TIMEOUT_SEC", 90),

		ReaperIntervalSec: envOrDefaultInt("OPENSANDBOXD_REAPER_INTERVAL_SEC", 60),
		ExpiringWarnSec:   envOrDefaultInt("OPENSANDBOXD_EXPIRING_WARN_SEC", 300),
		BatchDeleteMax:    envOrDefaultInt("OPENSANDBOXD_BATCH_DELETE_MAX", 50),

		WebhookURL:    os.Getenv("OPENSANDBOXD_WEBHOOK_URL"),
		WebhookSecret: os.Getenv("OPENSANDBOXD_WEBHOOK_SECRET"),

		NFSAddr: envOrDefault("OPENSANDBOXD_NFS_ADDR", ":2049"),

		SecretsARN: os.Getenv("OPENSANDBOXD_SECRETS_ARN"),
	}

	if portStr := os.Getenv("OPENSANDBOXD_PORT"); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid OPENSANDBOXD_PORT %q: %w", portStr, err)
		}
		cfg.Port = port
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// loadSecretsManager fetches a JSON secret from AWS Secrets Manager and
// sets any values as environment variables (only if not already set, so
// explicit env vars always win). Uses the default AWS credential chain
// (IAM instance profile, or ~/.aws/credentials locally).
func loadSecretsManager(arn string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var opts []func(*awsconfig.LoadOptions) error
	if parts := strings.Split(arn, ":"); len(parts) >= 4 && parts[3] != "" {
		opts = append(opts, awsconfig.WithRegion(parts[3]))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("load AWS config: %w", err)
	}

	client := secretsmanager.NewFromConfig(awsCfg)
	result, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &arn,
	})
	if err != nil {
		return fmt.Errorf("GetSecretValue: %w", err)
	}

	if result.SecretString == nil {
		return fmt.Errorf("secret %s has no string value", arn)
	}

	var secrets map[string]string
	if err := json.Unmarshal([]byte(*result.SecretString), &secrets); err != nil {
		return fmt.Errorf("parse secret JSON: %w", err)
	}

	applied := 0
	for key, value := range secrets {
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
			applied++
		}
	}

	log.Printf("config: loaded %d secrets from Secrets Manager (%d keys in secret, env overrides take precedence)", applied, len(secrets))
	return nil
}
