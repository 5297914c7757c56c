package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const DefaultConfigFile = "ollama_servers.json"

// ServerConfig represents one configured inference server. Timeouts are
// expressed in seconds in the config file, matching the on-disk format
// the cluster has always used.
type ServerConfig struct {
	Name       string `mapstructure:"name" json:"name"`
	URL        string `mapstructure:"url" json:"url"`
	Model      string `mapstructure:"model" json:"model"`
	Timeout    int    `mapstructure:"timeout" json:"timeout"`
	MaxRetries int    `mapstructure:"max_retries" json:"max_retries"`
}

// RequestTimeout returns the per-request timeout as a duration.
func (s ServerConfig) RequestTimeout() time.Duration {
	return time.Duration(s.Timeout) * time.Second
}

// EngineConfig holds the processing-engine knobs.
type EngineConfig struct {
	Workers             int     `mapstructure:"workers"`
	MaxConcurrentJobs   int     `mapstructure:"max_concurrent_jobs"`
	HealthCheckInterval int     `mapstructure:"health_check_interval"` // seconds
	ProbeTimeout        int     `mapstructure:"probe_timeout"`         // seconds
	MaxErrors           int     `mapstructure:"max_errors"`
	FailureTolerance    float64 `mapstructure:"failure_tolerance"`
	ListenAddr          string  `mapstructure:"listen_addr"`
	RedisAddr           string  `mapstructure:"redis_addr"`
	LogLevel            string  `mapstructure:"log_level"`
}

// Config is the full static configuration, loaded once at startup.
type Config struct {
	Servers []ServerConfig `mapstructure:"servers"`
	Engine  EngineConfig   `mapstructure:"engine"`
}

func (e EngineConfig) HealthInterval() time.Duration {
	return time.Duration(e.HealthCheckInterval) * time.Second
}

func (e EngineConfig) ProbeDeadline() time.Duration {
	return time.Duration(e.ProbeTimeout) * time.Second
}

// Load reads the configuration file at path (DefaultConfigFile when empty),
// applies env overrides with the PDFKM_ prefix and validates the result.
// A missing file is replaced by a default single local-server config.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigFile
	}

	v := viper.New()
	v.SetConfigFile(path)

	v.SetDefault("engine.workers", 8)
	v.SetDefault("engine.max_concurrent_jobs", 2)
	v.SetDefault("engine.health_check_interval", 30)
	v.SetDefault("engine.probe_timeout", 5)
	v.SetDefault("engine.max_errors", 5)
	v.SetDefault("engine.failure_tolerance", 1.0)
	v.SetDefault("engine.listen_addr", ":7860")
	v.SetDefault("engine.redis_addr", "")
	v.SetDefault("engine.log_level", "info")

	v.SetEnvPrefix("PDFKM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		var pathErr *fs.PathError
		if errors.As(err, &notFound) || errors.As(err, &pathErr) || os.IsNotExist(err) {
			logrus.WithField("path", path).Warn("config file not found, writing default config")
			if werr := writeDefaultConfig(path); werr != nil {
				return nil, fmt.Errorf("write default config: %w", werr)
			}
			if rerr := v.ReadInConfig(); rerr != nil {
				return nil, fmt.Errorf("read default config: %w", rerr)
			}
		} else {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyServerDefaults(cfg.Servers)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"servers":  len(cfg.Servers),
		"workers":  cfg.Engine.Workers,
		"max_jobs": cfg.Engine.MaxConcurrentJobs,
	}).Info("configuration loaded")

	return &cfg, nil
}

func applyServerDefaults(servers []ServerConfig) {
	for i := range servers {
		if servers[i].Model == "" {
			servers[i].Model = "gemma3"
		}
		if servers[i].Timeout == 0 {
			servers[i].Timeout = 30
		}
		if servers[i].MaxRetries == 0 {
			servers[i].MaxRetries = 3
		}
	}
}

func (c *Config) validate() error {
	if len(c.Servers) == 0 {
		return errors.New("config: no inference servers defined")
	}

	seen := make(map[string]bool, len(c.Servers))
	for _, s := range c.Servers {
		if s.Name == "" {
			return errors.New("config: server with empty name")
		}
		if seen[s.Name] {
			return fmt.Errorf("config: duplicate server name %q", s.Name)
		}
		seen[s.Name] = true

		u, err := url.Parse(s.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("config: server %q has invalid url %q", s.Name, s.URL)
		}
		if s.Timeout < 0 || s.MaxRetries < 0 {
			return fmt.Errorf("config: server %q has negative timeout or retries", s.Name)
		}
	}

	e := c.Engine
	if e.Workers <= 0 {
		return fmt.Errorf("config: workers must be positive, got %d", e.Workers)
	}
	if e.MaxConcurrentJobs <= 0 {
		return fmt.Errorf("config: max_concurrent_jobs must be positive, got %d", e.MaxConcurrentJobs)
	}
	if e.MaxErrors <= 0 {
		return fmt.Errorf("config: max_errors must be positive, got %d", e.MaxErrors)
	}
	if e.FailureTolerance < 0 || e.FailureTolerance > 1 {
		return fmt.Errorf("config: failure_tolerance must be in [0,1], got %v", e.FailureTolerance)
	}
	if e.HealthCheckInterval <= 0 || e.ProbeTimeout <= 0 {
		return errors.New("config: health_check_interval and probe_timeout must be positive")
	}
	return nil
}

func writeDefaultConfig(path string) error {
	const defaultConfig = `{
  "servers": [
    {
      "name": "local",
      "url": "http://localhost:11434",
      "model": "gemma3",
      "timeout": 30,
      "max_retries": 3
    }
  ]
}
`
	return os.WriteFile(path, []byte(defaultConfig), 0o644)
}
