package agent

import (
	"fmt"
	"os"
	"time"

	"github.com/guseggert/taskagent/agent/task"
	"gopkg.in/yaml.v3"
)

// Config is the agent's on-disk configuration. Every field is optional;
// flags passed to the CLI override it.
type Config struct {
	ListenAddr       string `yaml:"listen_addr"`
	HeartbeatTimeout string `yaml:"heartbeat_timeout"`
	Shell            string `yaml:"shell"`
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:       "0.0.0.0:8080",
		HeartbeatTimeout: "1m",
		Shell:            task.DefaultShell,
	}
}

// LoadConfig reads a YAML config file, filling unset fields from defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultConfig().ListenAddr
	}
	if cfg.HeartbeatTimeout == "" {
		cfg.HeartbeatTimeout = DefaultConfig().HeartbeatTimeout
	}
	if cfg.Shell == "" {
		cfg.Shell = DefaultConfig().Shell
	}
	return cfg, nil
}

// ParsedHeartbeatTimeout parses the heartbeat timeout duration string.
func (c Config) ParsedHeartbeatTimeout() (time.Duration, error) {
	d, err := time.ParseDuration(c.HeartbeatTimeout)
	if err != nil {
		return 0, fmt.Errorf("parsing heartbeat timeout: %w", err)
	}
	return d, nil
}
