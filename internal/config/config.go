package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig holds status server settings.
type ServerConfig struct {
	Addr      string
	AuthToken string
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level     string
	Retention int
}

// RegistryConfig holds module proxy and index endpoints.
type RegistryConfig struct {
	ProxyURL string
	IndexURL string
}

// Config holds all runtime configuration options for the harness.
type Config struct {
	Server   ServerConfig
	Log      LogConfig
	Registry RegistryConfig

	StateDir         string
	Mode             string
	Workers          int
	Timeout          time.Duration
	BreakerThreshold int
	LogExcerptBytes  int
	Rerun            bool
	WebhookURL       string
	SweepCron        string
	ShutdownGrace    time.Duration

	// Specifiers are the positional package selectors.
	Specifiers []string
}

const (
	defaultStateDir      = "work"
	defaultLogLevel      = "info"
	defaultLogRetention  = 1000
	defaultTimeout       = 10 * time.Minute
	defaultBreaker       = 5
	defaultExcerptBytes  = 64 << 10
	defaultProxyURL      = "https://proxy.golang.org"
	defaultIndexURL      = "https://index.golang.org"
	defaultShutdownGrace = 5 * time.Second
)

// getEnvString returns the environment variable value or default
func getEnvString(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

// getEnvInt returns the environment variable as int or default
func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// getEnvBool returns the environment variable as bool or default
func getEnvBool(key string, defaultVal bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		lower := strings.ToLower(val)
		return lower == "true" || lower == "1" || lower == "yes"
	}
	return defaultVal
}

// getEnvDuration returns the environment variable as duration or default
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

// Parse parses command line flags and environment variables into Config.
// Priority: CLI flags > Environment variables > .env file > defaults.
// Positional arguments are the package specifiers.
func Parse(args []string) (*Config, error) {
	// Load .env file if exists (silent fail if not present)
	envFiles := []string{".env"}
	if configDir, err := os.UserConfigDir(); err == nil {
		envFiles = append(envFiles, filepath.Join(configDir, "buildsweep", ".env"))
	}
	_ = godotenv.Load(envFiles...) // Ignore error - file is optional

	cfg := &Config{
		Server: ServerConfig{
			Addr:      getEnvString("BUILDSWEEP_ADDR", ""),
			AuthToken: getEnvString("BUILDSWEEP_AUTH_TOKEN", ""),
		},
		Log: LogConfig{
			Level:     getEnvString("BUILDSWEEP_LOG_LEVEL", defaultLogLevel),
			Retention: getEnvInt("BUILDSWEEP_LOG_RETENTION", defaultLogRetention),
		},
		Registry: RegistryConfig{
			ProxyURL: getEnvString("BUILDSWEEP_PROXY_URL", defaultProxyURL),
			IndexURL: getEnvString("BUILDSWEEP_INDEX_URL", defaultIndexURL),
		},
		StateDir:         getEnvString("BUILDSWEEP_STATE_DIR", defaultStateDir),
		Mode:             getEnvString("BUILDSWEEP_MODE", "build"),
		Workers:          getEnvInt("BUILDSWEEP_WORKERS", runtime.NumCPU()),
		Timeout:          getEnvDuration("BUILDSWEEP_TIMEOUT", defaultTimeout),
		BreakerThreshold: getEnvInt("BUILDSWEEP_BREAKER_THRESHOLD", defaultBreaker),
		LogExcerptBytes:  getEnvInt("BUILDSWEEP_LOG_EXCERPT_BYTES", defaultExcerptBytes),
		Rerun:            getEnvBool("BUILDSWEEP_RERUN", false),
		WebhookURL:       getEnvString("BUILDSWEEP_WEBHOOK_URL", ""),
		SweepCron:        getEnvString("BUILDSWEEP_EVERY", ""),
		ShutdownGrace:    getEnvDuration("BUILDSWEEP_SHUTDOWN_GRACE", defaultShutdownGrace),
	}

	fs := flag.NewFlagSet("buildsweep", flag.ContinueOnError)
	var (
		stateDir = fs.String("state-dir", "", "Directory for the result store, caches and attempt logs")
		mode     = fs.String("mode", "", "What to do with each target: build, test or bench")
		workers  = fs.Int("workers", 0, "Number of concurrent attempts")
		timeout  = fs.Duration("timeout", 0, "Wall-clock budget per attempt")
		breaker  = fs.Int("breaker", -1, "Consecutive crash/timeout threshold, 0 disables")
		excerpt  = fs.Int("log-excerpt-bytes", 0, "Bytes of output kept in the result record")
		rerun    = fs.Bool("rerun", false, "Re-run targets that already have a committed result")
		proxy    = fs.String("proxy", "", "Module proxy base URL")
		index    = fs.String("index", "", "Module index base URL (wildcard enumeration)")
		addr     = fs.String("addr", "", "Status server listen address, empty disables")
		webhook  = fs.String("webhook", "", "URL receiving the run summary as JSON")
		every    = fs.String("every", "", "5-field cron expression for periodic sweeps")
		logLevel = fs.String("log-level", "", "Log level (debug, info, warn, error)")
		logKeep  = fs.Int("log-keep", 0, "Number of recent attempt logs to retain")
	)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// Apply CLI flags if set (they take precedence)
	if *stateDir != "" {
		cfg.StateDir = *stateDir
	}
	if *mode != "" {
		cfg.Mode = *mode
	}
	if *workers > 0 {
		cfg.Workers = *workers
	}
	if *timeout > 0 {
		cfg.Timeout = *timeout
	}
	if *breaker >= 0 {
		cfg.BreakerThreshold = *breaker
	}
	if *excerpt > 0 {
		cfg.LogExcerptBytes = *excerpt
	}
	if *proxy != "" {
		cfg.Registry.ProxyURL = *proxy
	}
	if *index != "" {
		cfg.Registry.IndexURL = *index
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *webhook != "" {
		cfg.WebhookURL = *webhook
	}
	if *every != "" {
		cfg.SweepCron = *every
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *logKeep > 0 {
		cfg.Log.Retention = *logKeep
	}
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "rerun" {
			cfg.Rerun = *rerun
		}
	})

	cfg.Specifiers = fs.Args()
	if len(cfg.Specifiers) == 0 {
		return nil, fmt.Errorf("at least one package specifier is required (name, name=version or '*')")
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Log.Retention < 1 {
		cfg.Log.Retention = defaultLogRetention
	}
	return cfg, nil
}
