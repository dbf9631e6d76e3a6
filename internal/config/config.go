// Package config loads environment-backed configuration for both the
// control plane and the in-sandbox sidecar.
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

// Config holds all configuration for the shadow scheduler.
type Config struct {
	// Shared
	Port     int
	LogLevel string

	// Control plane
	AgentMode        string // "local", "remote", "vm"
	Namespace        string // k8s namespace for sandbox pods
	KubeconfigPath   string // empty = in-cluster config
	SidecarPort      int    // port the in-sandbox sidecar listens on
	SidecarImage     string // image for the sidecar container
	LocalWorkspaces  string // base dir for local-mode workspaces

	CircuitBreakerThreshold int           // consecutive failures before the breaker opens
	CircuitBreakerCooldown  time.Duration // how long the breaker stays open
	RPCTimeout              time.Duration // per-attempt sidecar request timeout
	RPCMaxRetries           int
	RPCRetryDelay           time.Duration // base backoff delay

	HealthCheckInterval time.Duration
	BootDeadline        time.Duration // overall readiness deadline

	MaxConcurrentSandboxes int
	MaxSandboxUptime       time.Duration

	// microVM backend
	VMCPUs          int
	VMMemoryMB      int
	VMStorageGB     int
	VMImageRegistry string
	VMImageTag      string
	FirecrackerBin  string
	KernelPath      string
	VMDataDir       string

	// Sidecar
	WorkspaceDir         string
	MaxFileSizeMB        int
	CommandTimeout       time.Duration
	RateLimitWindow      time.Duration
	RateLimitMaxRequests int
	CORSOrigin           string
	TaskID               string
	ControlPlaneURL      string // websocket endpoint for the upstream channel

	// AWS Secrets Manager — if set, secrets are fetched at startup using IAM
	// credentials. The secret is a JSON object keyed by env var names; env
	// vars take precedence over secret values.
	SecretsARN string
}

// Load reads configuration from environment variables with defaults.
// If SHADOW_SECRETS_ARN is set, secrets are fetched from AWS Secrets Manager
// first, then environment variables are applied on top.
func Load() (*Config, error) {
	if arn := os.Getenv("SHADOW_SECRETS_ARN"); arn != "" {
		if err := loadSecretsManager(arn); err != nil {
			return nil, fmt.Errorf("failed to load secrets from %s: %w", arn, err)
		}
	}

	cfg := &Config{
		Port:     envOrDefaultInt("PORT", 8080),
		LogLevel: envOrDefault("LOG_LEVEL", "info"),

		AgentMode:       envOrDefault("SHADOW_AGENT_MODE", "local"),
		Namespace:       envOrDefault("SHADOW_NAMESPACE", "shadow-agents"),
		KubeconfigPath:  os.Getenv("SHADOW_KUBECONFIG"),
		SidecarPort:     envOrDefaultInt("SHADOW_SIDECAR_PORT", 8080),
		SidecarImage:    envOrDefault("SHADOW_SIDECAR_IMAGE", "shadow-sidecar:latest"),
		LocalWorkspaces: envOrDefault("SHADOW_LOCAL_WORKSPACES", defaultLocalWorkspaces()),

		CircuitBreakerThreshold: envOrDefaultInt("SHADOW_CB_THRESHOLD", 5),
		CircuitBreakerCooldown:  envOrDefaultDuration("SHADOW_CB_COOLDOWN_MS", 60*time.Second),
		RPCTimeout:              envOrDefaultDuration("SHADOW_RPC_TIMEOUT_MS", 30*time.Second),
		RPCMaxRetries:           envOrDefaultInt("SHADOW_RPC_MAX_RETRIES", 3),
		RPCRetryDelay:           envOrDefaultDuration("SHADOW_RPC_RETRY_DELAY_MS", time.Second),

		HealthCheckInterval: envOrDefaultDuration("SHADOW_HEALTH_INTERVAL_MS", 30*time.Second),
		BootDeadline:        envOrDefaultDuration("SHADOW_BOOT_DEADLINE_MS", 120*time.Second),

		MaxConcurrentSandboxes: envOrDefaultInt("SHADOW_MAX_SANDBOXES", 20),
		MaxSandboxUptime:       envOrDefaultDuration("SHADOW_MAX_UPTIME_MS", 4*time.Hour),

		VMCPUs:          envOrDefaultInt("SHADOW_VM_CPUS", 2),
		VMMemoryMB:      envOrDefaultInt("SHADOW_VM_MEMORY_MB", 2048),
		VMStorageGB:     envOrDefaultInt("SHADOW_VM_STORAGE_GB", 10),
		VMImageRegistry: os.Getenv("SHADOW_VM_IMAGE_REGISTRY"),
		VMImageTag:      envOrDefault("SHADOW_VM_IMAGE_TAG", "latest"),
		FirecrackerBin:  envOrDefault("SHADOW_FIRECRACKER_BIN", "firecracker"),
		KernelPath:      os.Getenv("SHADOW_KERNEL_PATH"),
		VMDataDir:       envOrDefault("SHADOW_VM_DATA_DIR", "/var/lib/shadow/vms"),

		WorkspaceDir:         envOrDefault("WORKSPACE_DIR", "/workspace"),
		MaxFileSizeMB:        envOrDefaultInt("MAX_FILE_SIZE_MB", 10),
		CommandTimeout:       envOrDefaultDuration("COMMAND_TIMEOUT_MS", 30*time.Second),
		RateLimitWindow:      envOrDefaultDuration("RATE_LIMIT_WINDOW_MS", time.Minute),
		RateLimitMaxRequests: envOrDefaultInt("RATE_LIMIT_MAX_REQUESTS", 600),
		CORSOrigin:           envOrDefault("CORS_ORIGIN", "*"),
		TaskID:               os.Getenv("SHADOW_TASK_ID"),
		ControlPlaneURL:      os.Getenv("SHADOW_CONTROL_PLANE_URL"),

		SecretsARN: os.Getenv("SHADOW_SECRETS_ARN"),
	}

	if !validMode(cfg.AgentMode) {
		return nil, fmt.Errorf("invalid SHADOW_AGENT_MODE %q (want local, remote or vm)", cfg.AgentMode)
	}
	return cfg, nil
}

func validMode(mode string) bool {
	switch mode {
	case "local", "remote", "vm":
		return true
	}
	return false
}

func defaultLocalWorkspaces() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home + "/.shadow/workspaces"
	}
	return "/tmp/shadow/workspaces"
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

// envOrDefaultDuration reads a millisecond count from the environment.
func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Millisecond
		}
	}
	return fallback
}

// loadSecretsManager fetches a JSON secret from AWS Secrets Manager and sets
// any values as environment variables (only if not already set, so explicit
// env vars always win). Uses the default AWS credential chain.
func loadSecretsManager(arn string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Extract region from ARN: arn:aws:secretsmanager:REGION:ACCOUNT:secret:NAME
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
