// Package config loads the settings shared by slurmrpcd and slurmmsg.
//
// Defaults come first, then a TOML or YAML file selected by extension, then
// Validate. Every codec bound lives here instead of in the packages that
// enforce it.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"slurm-rpc/pack"
	"slurm-rpc/protocol"
)

type Config struct {
	Protocol Protocol `toml:"protocol" yaml:"protocol"`
	Server   Server   `toml:"server" yaml:"server"`
	Registry Registry `toml:"registry" yaml:"registry"`
	Client   Client   `toml:"client" yaml:"client"`
	JobComp  JobComp  `toml:"jobcomp" yaml:"jobcomp"`
	Log      Log      `toml:"log" yaml:"log"`
	Metrics  Metrics  `toml:"metrics" yaml:"metrics"`
}

// Protocol bounds what the codec accepts on the wire.
type Protocol struct {
	MaxStringLen      uint32   `toml:"max_string_len" yaml:"max_string_len"`
	MaxListLen        uint32   `toml:"max_list_len" yaml:"max_list_len"`
	MaxBufferSize     int      `toml:"max_buffer_size" yaml:"max_buffer_size"`
	MaxBodyLen        uint32   `toml:"max_body_len" yaml:"max_body_len"`
	SupportedVersions []uint16 `toml:"supported_versions" yaml:"supported_versions"`
	Compression       string   `toml:"compression" yaml:"compression"` // none, zstd or lz4
}

type Server struct {
	Listen          string        `toml:"listen" yaml:"listen"`
	Advertise       string        `toml:"advertise" yaml:"advertise"`
	ServiceName     string        `toml:"service_name" yaml:"service_name"`
	Weight          int           `toml:"weight" yaml:"weight"`
	Version         string        `toml:"version" yaml:"version"`
	RequestTimeout  time.Duration `toml:"request_timeout" yaml:"request_timeout"`
	RateLimit       float64       `toml:"rate_limit" yaml:"rate_limit"` // requests per second, 0 disables
	RateBurst       int           `toml:"rate_burst" yaml:"rate_burst"`
	HandlerRetries  int           `toml:"handler_retries" yaml:"handler_retries"` // reruns on a retryable return code
	ShutdownTimeout time.Duration `toml:"shutdown_timeout" yaml:"shutdown_timeout"`
	RegistryTTL     int64         `toml:"registry_ttl" yaml:"registry_ttl"` // seconds
}

type Registry struct {
	Endpoints   []string      `toml:"endpoints" yaml:"endpoints"`
	DialTimeout time.Duration `toml:"dial_timeout" yaml:"dial_timeout"`
}

type Client struct {
	Balancer    string        `toml:"balancer" yaml:"balancer"` // round_robin, weighted_random or consistent_hash
	PoolSize    int           `toml:"pool_size" yaml:"pool_size"`
	DialTimeout time.Duration `toml:"dial_timeout" yaml:"dial_timeout"`
	CallTimeout time.Duration `toml:"call_timeout" yaml:"call_timeout"`
	Retries     int           `toml:"retries" yaml:"retries"`
	Keepalive   time.Duration `toml:"keepalive" yaml:"keepalive"` // 0 disables keepalive pings
}

// JobComp selects the job-completion logger.
type JobComp struct {
	Type          string `toml:"type" yaml:"type"` // none, filetxt or sqlite
	Location      string `toml:"location" yaml:"location"`
	NameCacheSize int    `toml:"name_cache_size" yaml:"name_cache_size"`
}

type Log struct {
	Level       string `toml:"level" yaml:"level"`
	Encoding    string `toml:"encoding" yaml:"encoding"` // json or console
	Development bool   `toml:"development" yaml:"development"`
}

type Metrics struct {
	Listen string `toml:"listen" yaml:"listen"` // empty disables the /metrics endpoint
	Path   string `toml:"path" yaml:"path"`
}

// Default returns a configuration usable without any file.
func Default() Config {
	limits := pack.DefaultLimits()
	return Config{
		Protocol: Protocol{
			MaxStringLen:      limits.MaxStringLen,
			MaxListLen:        limits.MaxListLen,
			MaxBufferSize:     limits.MaxBufferSize,
			MaxBodyLen:        protocol.DefaultMaxBodyLen,
			SupportedVersions: []uint16{protocol.Version},
			Compression:       "none",
		},
		Server: Server{
			Listen:          "127.0.0.1:6817",
			ServiceName:     "slurmctld",
			Weight:          10,
			Version:         "v1",
			RequestTimeout:  10 * time.Second,
			ShutdownTimeout: 5 * time.Second,
			RegistryTTL:     10,
		},
		Registry: Registry{
			DialTimeout: 5 * time.Second,
		},
		Client: Client{
			Balancer:    "round_robin",
			PoolSize:    4,
			DialTimeout: 3 * time.Second,
			CallTimeout: 10 * time.Second,
			Retries:     2,
		},
		JobComp: JobComp{
			Type:          "none",
			NameCacheSize: 256,
		},
		Log: Log{
			Level:    "info",
			Encoding: "json",
		},
		Metrics: Metrics{
			Path: "/metrics",
		},
	}
}

// Load reads path over the defaults. The format follows the extension:
// .toml, or .yaml/.yml. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("load config: %w", err)
		}
	case ".yaml", ".yml":
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("load config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("load config: %w", err)
		}
	default:
		return Config{}, fmt.Errorf("load config: unsupported extension %q", ext)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var err error
	if c.Protocol.MaxStringLen == 0 {
		err = multierr.Append(err, errors.New("protocol.max_string_len must be positive"))
	}
	if c.Protocol.MaxListLen == 0 {
		err = multierr.Append(err, errors.New("protocol.max_list_len must be positive"))
	}
	if c.Protocol.MaxBufferSize <= 0 {
		err = multierr.Append(err, errors.New("protocol.max_buffer_size must be positive"))
	}
	if c.Protocol.MaxBodyLen == 0 {
		err = multierr.Append(err, errors.New("protocol.max_body_len must be positive"))
	}
	if len(c.Protocol.SupportedVersions) == 0 {
		err = multierr.Append(err, errors.New("protocol.supported_versions must not be empty"))
	}
	if _, cerr := c.Protocol.CompressionFlag(); cerr != nil {
		err = multierr.Append(err, cerr)
	}
	switch c.Client.Balancer {
	case "round_robin", "weighted_random", "consistent_hash":
	default:
		err = multierr.Append(err, fmt.Errorf("client.balancer: unknown balancer %q", c.Client.Balancer))
	}
	if c.Client.PoolSize <= 0 {
		err = multierr.Append(err, errors.New("client.pool_size must be positive"))
	}
	switch c.JobComp.Type {
	case "none":
	case "filetxt", "sqlite":
		if c.JobComp.Location == "" {
			err = multierr.Append(err, fmt.Errorf("jobcomp.location is required for type %q", c.JobComp.Type))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("jobcomp.type: unknown logger %q", c.JobComp.Type))
	}
	if c.Server.HandlerRetries < 0 {
		err = multierr.Append(err, errors.New("server.handler_retries must not be negative"))
	}
	if c.Server.RateLimit < 0 {
		err = multierr.Append(err, errors.New("server.rate_limit must not be negative"))
	}
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Limits converts the protocol section into buffer limits.
func (p Protocol) Limits() pack.Limits {
	return pack.Limits{
		MaxStringLen:  p.MaxStringLen,
		MaxListLen:    p.MaxListLen,
		MaxBufferSize: p.MaxBufferSize,
	}
}

// FrameOptions converts the protocol section into frame I/O options.
func (p Protocol) FrameOptions() protocol.FrameOptions {
	return protocol.FrameOptions{
		MaxBodyLen:        p.MaxBodyLen,
		SupportedVersions: p.SupportedVersions,
	}
}

// CompressionFlag maps the compression name to a header flag.
func (p Protocol) CompressionFlag() (uint16, error) {
	switch p.Compression {
	case "", "none":
		return 0, nil
	case "zstd":
		return protocol.FlagCompressZstd, nil
	case "lz4":
		return protocol.FlagCompressLZ4, nil
	default:
		return 0, fmt.Errorf("protocol.compression: unknown algorithm %q", p.Compression)
	}
}
