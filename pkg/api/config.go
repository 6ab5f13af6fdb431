// Package api assembles the HTTP surface of the orchestrator.
package api

import (
	"os"
	"strconv"
)

// Config holds server configuration, loaded from the environment with flag
// overrides applied by the caller.
type Config struct {
	Port          int
	DevMode       bool
	DatabasePath  string
	SharedDir     string
	AssetDir      string
	Namespace     string
	Kubeconfig    string
	JWTSecret     string
	CORSOrigins   string
	RetentionDays int
	ClusterMode   bool
}

// LoadConfigFromEnv reads the recognized environment keys.
func LoadConfigFromEnv() Config {
	cfg := Config{
		Port:          8080,
		DatabasePath:  "./data/ghx.db",
		SharedDir:     "/shared/gpu-inspection-results",
		AssetDir:      ".",
		Namespace:     "gpu-inspection",
		CORSOrigins:   "*",
		RetentionDays: 30,
	}
	if v := os.Getenv("GHX_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Port = port
		}
	}
	if v := os.Getenv("GHX_DB_PATH"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("GHX_SHARED_DIR"); v != "" {
		cfg.SharedDir = v
	}
	if v := os.Getenv("GHX_ASSET_DIR"); v != "" {
		cfg.AssetDir = v
	}
	if v := os.Getenv("GHX_NAMESPACE"); v != "" {
		cfg.Namespace = v
	}
	if v := os.Getenv("KUBECONFIG"); v != "" {
		cfg.Kubeconfig = v
	}
	if v := os.Getenv("GHX_JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = v
	}
	if v := os.Getenv("GPU_RESULT_RETENTION_DAYS"); v != "" {
		if days, err := strconv.Atoi(v); err == nil && days > 0 {
			cfg.RetentionDays = days
		}
	}
	if v := os.Getenv("GHX_CLUSTER_MODE"); v == "1" || v == "true" {
		cfg.ClusterMode = true
	}
	return cfg
}
