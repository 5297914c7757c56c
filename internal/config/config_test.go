package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ollama_servers.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_FullConfig(t *testing.T) {
	path := writeConfig(t, `{
  "servers": [
    {"name": "gpu-1", "url": "http://10.0.0.1:11434", "model": "gemma3:27b", "timeout": 60, "max_retries": 5},
    {"name": "gpu-2", "url": "http://10.0.0.2:11434"}
  ],
  "engine": {
    "workers": 16,
    "max_concurrent_jobs": 4,
    "failure_tolerance": 0.5
  }
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if len(cfg.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %d", len(cfg.Servers))
	}
	first := cfg.Servers[0]
	if first.Name != "gpu-1" || first.Model != "gemma3:27b" || first.Timeout != 60 || first.MaxRetries != 5 {
		t.Fatalf("unexpected first server: %+v", first)
	}
	if first.RequestTimeout() != 60*time.Second {
		t.Fatalf("RequestTimeout = %v", first.RequestTimeout())
	}

	// Omitted per-server fields fall back to defaults.
	second := cfg.Servers[1]
	if second.Model != "gemma3" || second.Timeout != 30 || second.MaxRetries != 3 {
		t.Fatalf("server defaults not applied: %+v", second)
	}

	if cfg.Engine.Workers != 16 || cfg.Engine.MaxConcurrentJobs != 4 {
		t.Fatalf("engine overrides not applied: %+v", cfg.Engine)
	}
	if cfg.Engine.FailureTolerance != 0.5 {
		t.Fatalf("failure_tolerance = %v", cfg.Engine.FailureTolerance)
	}
	// Untouched engine knobs keep their defaults.
	if cfg.Engine.MaxErrors != 5 || cfg.Engine.HealthCheckInterval != 30 || cfg.Engine.ProbeTimeout != 5 {
		t.Fatalf("engine defaults not applied: %+v", cfg.Engine)
	}
	if cfg.Engine.HealthInterval() != 30*time.Second || cfg.Engine.ProbeDeadline() != 5*time.Second {
		t.Fatalf("duration helpers wrong: %v %v", cfg.Engine.HealthInterval(), cfg.Engine.ProbeDeadline())
	}
	if cfg.Engine.ListenAddr != ":7860" {
		t.Fatalf("listen_addr = %q", cfg.Engine.ListenAddr)
	}
}

func TestLoad_MissingFileWritesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ollama_servers.json")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if len(cfg.Servers) != 1 || cfg.Servers[0].Name != "local" {
		t.Fatalf("expected bootstrap local server, got %+v", cfg.Servers)
	}
	if cfg.Servers[0].URL != "http://localhost:11434" {
		t.Fatalf("bootstrap url = %q", cfg.Servers[0].URL)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default config file not written: %v", err)
	}
}

func TestLoad_Validation(t *testing.T) {
	cases := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "no servers",
			content: `{"servers": []}`,
			wantErr: "no inference servers",
		},
		{
			name: "duplicate names",
			content: `{"servers": [
				{"name": "a", "url": "http://h1:11434"},
				{"name": "a", "url": "http://h2:11434"}
			]}`,
			wantErr: "duplicate server name",
		},
		{
			name:    "invalid url",
			content: `{"servers": [{"name": "a", "url": "not a url"}]}`,
			wantErr: "invalid url",
		},
		{
			name: "tolerance out of range",
			content: `{"servers": [{"name": "a", "url": "http://h:11434"}],
				"engine": {"failure_tolerance": 1.5}}`,
			wantErr: "failure_tolerance",
		},
		{
			name: "zero workers",
			content: `{"servers": [{"name": "a", "url": "http://h:11434"}],
				"engine": {"workers": -1}}`,
			wantErr: "workers must be positive",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.content)
			_, err := Load(path)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("error %q does not mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestLoad_MalformedJSON(t *testing.T) {
	path := writeConfig(t, `{"servers": [`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for malformed config")
	}
}
