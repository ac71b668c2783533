package main

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/fatih/color"
	"github.com/goodtune/parkmeter/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	validateDump bool
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the parkmeter configuration file for syntax and semantic errors.`,
	Args:  cobra.NoArgs,
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateDump, "dump", false, "Dump full configuration with defaults highlighted")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration validation failed: %v\n", err)
		return err
	}

	// Check for unknown keys (always, not just with --dump)
	unknownKeys, err := findUnknownKeys(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "⚠️  Warning: Could not check for unknown keys: %v\n", err)
	}

	_, _ = fmt.Fprintf(os.Stdout, "✅ Configuration is valid: %s\n", configPath)

	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)
		fmt.Fprintln(os.Stdout)
		_, _ = red.Fprintf(os.Stdout, "⚠️  WARNING: Found %d unknown configuration key(s):\n", len(unknownKeys))
		for _, key := range unknownKeys {
			_, _ = red.Fprintf(os.Stdout, "   - %s\n", key)
		}
		fmt.Fprintln(os.Stdout, "\nThese keys will be ignored and may indicate typos or deprecated settings.")
	}

	if validateDump {
		_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
		_, _ = fmt.Fprintln(os.Stdout, "FULL CONFIGURATION (values different from defaults are highlighted)")
		_, _ = fmt.Fprintln(os.Stdout, strings.Repeat("=", 80))

		dumpConfig(cfg, config.Defaults(), unknownKeys)
	}

	return nil
}

// findUnknownKeys loads the config file and checks for unknown keys
func findUnknownKeys(configPath string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	validKeys := getValidKeys()

	unknown := []string{}
	for _, key := range v.AllKeys() {
		if !validKeys[key] {
			unknown = append(unknown, key)
		}
	}

	return unknown, nil
}

// getValidKeys returns a set of all valid configuration keys
func getValidKeys() map[string]bool {
	return map[string]bool{
		// Storage
		"storage.type":                 true,
		"storage.key_prefix":           true,
		"storage.redis.host":           true,
		"storage.redis.port":           true,
		"storage.redis.password":       true,
		"storage.redis.db":             true,
		"storage.redis.pool_size":      true,
		"storage.redis.min_idle_conns": true,
		"storage.redis.dial_timeout":   true,
		"storage.redis.read_timeout":   true,
		"storage.redis.write_timeout":  true,
		"storage.bolt.path":            true,

		// Gateway
		"gateway.base_url": true,
		"gateway.token":    true,
		"gateway.timeout":  true,

		// Session
		"session.default_hour_limit": true,
		"session.announce":           true,

		// Warnings
		"warnings.lead_minutes": true,

		// Notifications
		"notifications.enabled":           true,
		"notifications.poll_interval":     true,
		"notifications.claim_batch":       true,
		"notifications.dedupe_cache_size": true,

		// Logging
		"logging.level":  true,
		"logging.format": true,

		// Metrics
		"metrics.enabled":      true,
		"metrics.bind_address": true,
		"metrics.port":         true,

		// Mock server
		"mock_server.bind_address":     true,
		"mock_server.port":             true,
		"mock_server.token_secret":     true,
		"mock_server.starting_balance": true,
		"mock_server.spaces":           true,
	}
}

// dumpConfig dumps configuration with color highlighting for non-default values
func dumpConfig(cfg, defaultCfg *config.Config, unknownKeys []string) {
	yellow := color.New(color.FgYellow, color.Bold)
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan, color.Bold)

	// Storage
	_, _ = cyan.Println("\n[storage]")
	dumpField("  type", cfg.Storage.Type, defaultCfg.Storage.Type, yellow, green)
	dumpField("  key_prefix", cfg.Storage.KeyPrefix, defaultCfg.Storage.KeyPrefix, yellow, green)
	_, _ = cyan.Println("  [storage.redis]")
	dumpField("    host", cfg.Storage.Redis.Host, defaultCfg.Storage.Redis.Host, yellow, green)
	dumpField("    port", cfg.Storage.Redis.Port, defaultCfg.Storage.Redis.Port, yellow, green)
	dumpField("    password", redactSecret(cfg.Storage.Redis.Password), redactSecret(defaultCfg.Storage.Redis.Password), yellow, green)
	dumpField("    db", cfg.Storage.Redis.DB, defaultCfg.Storage.Redis.DB, yellow, green)
	dumpField("    pool_size", cfg.Storage.Redis.PoolSize, defaultCfg.Storage.Redis.PoolSize, yellow, green)
	dumpField("    min_idle_conns", cfg.Storage.Redis.MinIdleConns, defaultCfg.Storage.Redis.MinIdleConns, yellow, green)
	dumpField("    dial_timeout", cfg.Storage.Redis.DialTimeout, defaultCfg.Storage.Redis.DialTimeout, yellow, green)
	dumpField("    read_timeout", cfg.Storage.Redis.ReadTimeout, defaultCfg.Storage.Redis.ReadTimeout, yellow, green)
	dumpField("    write_timeout", cfg.Storage.Redis.WriteTimeout, defaultCfg.Storage.Redis.WriteTimeout, yellow, green)
	_, _ = cyan.Println("  [storage.bolt]")
	dumpField("    path", cfg.Storage.Bolt.Path, defaultCfg.Storage.Bolt.Path, yellow, green)

	// Gateway
	_, _ = cyan.Println("\n[gateway]")
	dumpField("  base_url", cfg.Gateway.BaseURL, defaultCfg.Gateway.BaseURL, yellow, green)
	dumpField("  token", redactSecret(cfg.Gateway.Token), redactSecret(defaultCfg.Gateway.Token), yellow, green)
	dumpField("  timeout", cfg.Gateway.Timeout, defaultCfg.Gateway.Timeout, yellow, green)

	// Session
	_, _ = cyan.Println("\n[session]")
	dumpField("  default_hour_limit", cfg.Session.DefaultHourLimit, defaultCfg.Session.DefaultHourLimit, yellow, green)
	dumpField("  announce", cfg.Session.Announce, defaultCfg.Session.Announce, yellow, green)

	// Warnings
	_, _ = cyan.Println("\n[warnings]")
	dumpField("  lead_minutes", cfg.Warnings.LeadMinutes, defaultCfg.Warnings.LeadMinutes, yellow, green)

	// Notifications
	_, _ = cyan.Println("\n[notifications]")
	dumpField("  enabled", cfg.Notifications.Enabled, defaultCfg.Notifications.Enabled, yellow, green)
	dumpField("  poll_interval", cfg.Notifications.PollInterval, defaultCfg.Notifications.PollInterval, yellow, green)
	dumpField("  claim_batch", cfg.Notifications.ClaimBatch, defaultCfg.Notifications.ClaimBatch, yellow, green)
	dumpField("  dedupe_cache_size", cfg.Notifications.DedupeCacheSize, defaultCfg.Notifications.DedupeCacheSize, yellow, green)

	// Logging
	_, _ = cyan.Println("\n[logging]")
	dumpField("  level", cfg.Logging.Level, defaultCfg.Logging.Level, yellow, green)
	dumpField("  format", cfg.Logging.Format, defaultCfg.Logging.Format, yellow, green)

	// Metrics
	_, _ = cyan.Println("\n[metrics]")
	dumpField("  enabled", cfg.Metrics.Enabled, defaultCfg.Metrics.Enabled, yellow, green)
	dumpField("  bind_address", cfg.Metrics.BindAddress, defaultCfg.Metrics.BindAddress, yellow, green)
	dumpField("  port", cfg.Metrics.Port, defaultCfg.Metrics.Port, yellow, green)

	// Mock server
	_, _ = cyan.Println("\n[mock_server]")
	dumpField("  bind_address", cfg.MockServer.BindAddress, defaultCfg.MockServer.BindAddress, yellow, green)
	dumpField("  port", cfg.MockServer.Port, defaultCfg.MockServer.Port, yellow, green)
	dumpField("  token_secret", redactSecret(cfg.MockServer.TokenSecret), redactSecret(defaultCfg.MockServer.TokenSecret), yellow, green)
	dumpField("  starting_balance", cfg.MockServer.StartingBalance, defaultCfg.MockServer.StartingBalance, yellow, green)
	dumpField("  spaces", len(cfg.MockServer.Spaces), len(defaultCfg.MockServer.Spaces), yellow, green)

	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)

		_, _ = cyan.Println("\n[UNKNOWN KEYS - These will be ignored!]")
		for _, key := range unknownKeys {
			_, _ = red.Printf("  %s = (unknown key - check for typos)\n", key)
		}
	}

	_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
}

// dumpField prints a field with color if it differs from default
func dumpField(name string, value, defaultValue interface{}, modifiedColor, defaultColor *color.Color) {
	isDefault := reflect.DeepEqual(value, defaultValue)

	valueStr := fmt.Sprintf("%v", value)

	if isDefault {
		_, _ = defaultColor.Printf("%s = %s\n", name, valueStr)
	} else {
		_, _ = modifiedColor.Printf("%s = %s  (modified from default: %v)\n", name, valueStr, defaultValue)
	}
}

// redactSecret redacts a password or token if not empty
func redactSecret(secret string) string {
	if secret == "" {
		return ""
	}
	return "***REDACTED***"
}
