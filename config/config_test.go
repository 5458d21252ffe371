package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"slurm-rpc/pack"
	"slurm-rpc/protocol"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("defaults rejected: %v", err)
	}
	if cfg.Protocol.Limits() != pack.DefaultLimits() {
		t.Errorf("default limits: got %+v", cfg.Protocol.Limits())
	}
	if len(cfg.Protocol.SupportedVersions) != 1 || cfg.Protocol.SupportedVersions[0] != protocol.Version {
		t.Errorf("default versions: got %v", cfg.Protocol.SupportedVersions)
	}
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "slurmrpc.toml", `
[protocol]
max_string_len = 4096
compression = "zstd"
supported_versions = [1, 2]

[server]
listen = "0.0.0.0:7000"
request_timeout = "2s"

[jobcomp]
type = "filetxt"
location = "/var/log/slurm/jobcomp.log"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Protocol.MaxStringLen != 4096 {
		t.Fatalf("unexpected max_string_len: %d", cfg.Protocol.MaxStringLen)
	}
	if cfg.Protocol.MaxListLen != pack.DefaultMaxListLen {
		t.Fatalf("unset field lost its default: %d", cfg.Protocol.MaxListLen)
	}
	if flag, _ := cfg.Protocol.CompressionFlag(); flag != protocol.FlagCompressZstd {
		t.Fatalf("unexpected compression flag: %#x", flag)
	}
	if got := cfg.Protocol.FrameOptions().SupportedVersions; len(got) != 2 {
		t.Fatalf("unexpected versions: %v", got)
	}
	if cfg.Server.Listen != "0.0.0.0:7000" {
		t.Fatalf("unexpected listen: %q", cfg.Server.Listen)
	}
	if cfg.Server.RequestTimeout != 2*time.Second {
		t.Fatalf("unexpected request timeout: %v", cfg.Server.RequestTimeout)
	}
	if cfg.Server.ServiceName != "slurmctld" {
		t.Fatalf("unexpected service name: %q", cfg.Server.ServiceName)
	}
	if cfg.JobComp.Type != "filetxt" {
		t.Fatalf("unexpected jobcomp type: %q", cfg.JobComp.Type)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "slurmrpc.yaml", `
registry:
  endpoints: ["127.0.0.1:2379"]
  dial_timeout: 1s
client:
  balancer: consistent_hash
  pool_size: 8
log:
  level: debug
  encoding: console
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if len(cfg.Registry.Endpoints) != 1 || cfg.Registry.Endpoints[0] != "127.0.0.1:2379" {
		t.Fatalf("unexpected endpoints: %v", cfg.Registry.Endpoints)
	}
	if cfg.Registry.DialTimeout != time.Second {
		t.Fatalf("unexpected dial timeout: %v", cfg.Registry.DialTimeout)
	}
	if cfg.Client.Balancer != "consistent_hash" || cfg.Client.PoolSize != 8 {
		t.Fatalf("unexpected client section: %+v", cfg.Client)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Encoding != "console" {
		t.Fatalf("unexpected log section: %+v", cfg.Log)
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Protocol.MaxStringLen = 0
	cfg.Protocol.Compression = "gzip"
	cfg.Client.Balancer = "random"
	cfg.JobComp.Type = "sqlite"
	cfg.Server.HandlerRetries = -1

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"max_string_len", "gzip", "random", "jobcomp.location", "handler_retries"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %q: %v", want, err)
		}
	}
}

func TestLoadUnsupportedExtension(t *testing.T) {
	path := writeFile(t, "slurmrpc.ini", "listen=x\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for .ini file")
	}
}

func TestLoadMalformedTOML(t *testing.T) {
	path := writeFile(t, "bad.toml", "[protocol\nmax_list_len = ")
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}
