// Package config builds the router daemon's configuration from environment
// variables and a chains.yaml file: cleanenv plus an optional .env file for
// scalar settings, a YAML file for the per-chain wallet registry.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"

	"github.com/walletmesh/router-core/internal/session"
	"github.com/walletmesh/router-core/pkg/log"
)

// Mode labels the deployment as a live one or an integration test harness.
// cmd/routerd only logs it at startup; no other behavior depends on it.
type Mode string

const (
	ModeProduction Mode = "production"
	ModeTest       Mode = "test"
)

// PermissionMode selects which permission.Engine the daemon wires up.
type PermissionMode string

const (
	// PermissionModeAllowAskDeny runs the three-state engine with the
	// default auto-approve/auto-ask callbacks (see newPermissionEngine in
	// cmd/routerd); an integrator embedding this package in a wallet would
	// replace those callbacks with real UI prompts.
	PermissionModeAllowAskDeny PermissionMode = "allow-ask-deny"
	// PermissionModePermissive grants every request unconditionally. Useful
	// for local development and integration tests, never for production.
	PermissionModePermissive PermissionMode = "permissive"
)

const (
	configDirPathEnv     = "ROUTER_CONFIG_DIR_PATH"
	defaultConfigDirPath = "."
)

// DatabaseConfig mirrors session.DatabaseConfig with the env tags cleanenv
// needs to populate it from the process environment.
type DatabaseConfig struct {
	Driver string `env:"ROUTER_DATABASE_DRIVER" env-default:"sqlite"`
	DSN    string `env:"ROUTER_DATABASE_DSN" env-default:"file::memory:?cache=shared"`
	Schema string `env:"ROUTER_DATABASE_SCHEMA" env-default:""`
}

func (c DatabaseConfig) toSession() session.DatabaseConfig {
	return session.DatabaseConfig{Driver: c.Driver, DSN: c.DSN, Schema: c.Schema}
}

// Config is the fully resolved configuration for cmd/routerd.
type Config struct {
	Mode Mode

	// WSListenAddr/WSPath is the dApp-facing websocket endpoint.
	WSListenAddr string
	WSPath       string

	// MetricsListenAddr/MetricsPath exposes Prometheus metrics on a
	// separate port from the dApp-facing websocket server.
	MetricsListenAddr string
	MetricsPath       string

	DB              session.DatabaseConfig
	SessionLifetime time.Duration

	PermissionMode PermissionMode

	// Chains is the per-chain wallet registry loaded from chains.yaml.
	Chains []ChainConfig
}

// Load builds Config from environment variables (optionally via a .env file
// in the configured config directory) plus chains.yaml in the same
// directory.
func Load(logger log.Logger) (*Config, error) {
	logger = logger.WithName("config")

	configDirPath := os.Getenv(configDirPathEnv)
	if configDirPath == "" {
		configDirPath = defaultConfigDirPath
	}

	dotEnvPath := filepath.Join(configDirPath, ".env")
	logger.Info("loading .env file", "path", dotEnvPath)
	if err := godotenv.Load(dotEnvPath); err != nil {
		logger.Warn(".env file not found, relying on process environment", "path", dotEnvPath)
	}

	mode := Mode(os.Getenv("ROUTER_MODE"))
	if mode == "" {
		mode = ModeProduction
	} else if mode != ModeProduction && mode != ModeTest {
		return nil, fmt.Errorf("config: invalid ROUTER_MODE %q", mode)
	}

	permissionMode := PermissionMode(os.Getenv("ROUTER_PERMISSION_MODE"))
	if permissionMode == "" {
		permissionMode = PermissionModeAllowAskDeny
	} else if permissionMode != PermissionModeAllowAskDeny && permissionMode != PermissionModePermissive {
		return nil, fmt.Errorf("config: invalid ROUTER_PERMISSION_MODE %q", permissionMode)
	}

	var dbCfg DatabaseConfig
	if err := cleanenv.ReadEnv(&dbCfg); err != nil {
		return nil, fmt.Errorf("config: reading database env: %w", err)
	}

	sessionLifetime := session.DefaultConfig().Lifetime
	if raw := os.Getenv("ROUTER_SESSION_LIFETIME"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("config: invalid ROUTER_SESSION_LIFETIME: %w", err)
		}
		sessionLifetime = parsed
	}

	wsListenAddr := os.Getenv("ROUTER_WS_LISTEN_ADDR")
	if wsListenAddr == "" {
		wsListenAddr = ":8000"
	}
	wsPath := os.Getenv("ROUTER_WS_PATH")
	if wsPath == "" {
		wsPath = "/ws"
	}
	metricsListenAddr := os.Getenv("ROUTER_METRICS_LISTEN_ADDR")
	if metricsListenAddr == "" {
		metricsListenAddr = ":4242"
	}
	metricsPath := os.Getenv("ROUTER_METRICS_PATH")
	if metricsPath == "" {
		metricsPath = "/metrics"
	}

	chains, err := LoadChains(configDirPath)
	if err != nil {
		return nil, fmt.Errorf("config: loading chains: %w", err)
	}

	return &Config{
		Mode:              mode,
		WSListenAddr:      wsListenAddr,
		WSPath:            wsPath,
		MetricsListenAddr: metricsListenAddr,
		MetricsPath:       metricsPath,
		DB:                dbCfg.toSession(),
		SessionLifetime:   sessionLifetime,
		PermissionMode:    permissionMode,
		Chains:            chains,
	}, nil
}
