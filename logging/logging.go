// Package logging builds the zap logger shared by every slurm-rpc component.
package logging

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"slurm-rpc/config"
)

const (
	EnvLogLevel    = "SLURMRPC_LOG_LEVEL"
	EnvLogEncoding = "SLURMRPC_LOG_ENCODING"
)

// New builds a logger from cfg. SLURMRPC_LOG_LEVEL and SLURMRPC_LOG_ENCODING
// override the configured level and encoding when set.
func New(cfg config.Log) (*zap.Logger, error) {
	log, _, err := NewLeveled(cfg)
	return log, err
}

// NewLeveled is New that also returns the level, for changing it at runtime
// with SetLevel.
func NewLeveled(cfg config.Log) (*zap.Logger, zap.AtomicLevel, error) {
	applyEnvOverrides(&cfg)

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("log level: %w", err)
	}

	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	switch cfg.Encoding {
	case "", "json":
		zc.Encoding = "json"
	case "console":
		zc.Encoding = "console"
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	default:
		return nil, zap.AtomicLevel{}, fmt.Errorf("log encoding: unknown encoding %q", cfg.Encoding)
	}
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	log, err := zc.Build()
	if err != nil {
		return nil, zap.AtomicLevel{}, err
	}
	return log, zc.Level, nil
}

// SetLevel applies cfg's level, or the SLURMRPC_LOG_LEVEL override, to level.
func SetLevel(level zap.AtomicLevel, cfg config.Log) error {
	applyEnvOverrides(&cfg)
	l, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	level.SetLevel(l)
	return nil
}

func applyEnvOverrides(cfg *config.Log) {
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		cfg.Level = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogEncoding)); v != "" {
		cfg.Encoding = strings.ToLower(v)
	}
}
