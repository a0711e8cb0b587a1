package daemon

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration for TOML string parsing ("10s", "1m").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	return nil
}

type Config struct {
	Storage StorageConfig `toml:"storage"`
	Socket  SocketConfig  `toml:"socket"`
	Host    HostConfig    `toml:"host"`
	Collect CollectConfig `toml:"collect"`
	Network NetworkConfig `toml:"network"`
	Alerts  AlertsConfig  `toml:"alerts"`
	Docker  DockerConfig  `toml:"docker"`
	Profile ProfileConfig `toml:"profile"`
}

type StorageConfig struct {
	Path string `toml:"path"`
}

type SocketConfig struct {
	Path string `toml:"path"`
}

type HostConfig struct {
	Proc string `toml:"proc"`
	Disk string `toml:"disk"`
}

type CollectConfig struct {
	Interval Duration `toml:"interval"`
}

type NetworkConfig struct {
	PingHost    string   `toml:"ping_host"`
	PingTimeout Duration `toml:"ping_timeout"`
}

type AlertsConfig struct {
	CPUDuration        Duration `toml:"cpu_duration"`
	RAMDuration        Duration `toml:"ram_duration"`
	NetOfflineDuration Duration `toml:"net_offline_duration"`
	Cooldown           Duration `toml:"cooldown"`
	FlapThreshold      int      `toml:"flap_threshold"`
	FlapWindow         Duration `toml:"flap_window"`
}

type DockerConfig struct {
	Enabled bool   `toml:"enabled"`
	Socket  string `toml:"socket"`
}

// ProfileConfig overrides the built-in "default" profile and selects the
// initially active one.
type ProfileConfig struct {
	Active          string  `toml:"active"`
	WatchPorts      []int   `toml:"watch_ports"`
	RequiredPorts   []int   `toml:"required_ports"`
	AlertCPUPercent float64 `toml:"alert_cpu_percent"`
	AlertRAMPercent float64 `toml:"alert_ram_percent"`
}

// LoadConfig reads a TOML config file. A missing file yields the defaults so
// the daemon runs with zero configuration.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	setDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	cfg := &Config{}
	setDefaults(cfg)
	return cfg
}

func setDefaults(cfg *Config) {
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "/var/lib/watchman/watchman.db"
	}
	if cfg.Socket.Path == "" {
		cfg.Socket.Path = "/run/watchman/watchman.sock"
	}
	if cfg.Host.Proc == "" {
		cfg.Host.Proc = "/proc"
	}
	if cfg.Host.Disk == "" {
		cfg.Host.Disk = "/"
	}
	if cfg.Collect.Interval.Duration == 0 {
		cfg.Collect.Interval.Duration = 1 * time.Second
	}
	if cfg.Network.PingHost == "" {
		cfg.Network.PingHost = "1.1.1.1"
	}
	if cfg.Network.PingTimeout.Duration == 0 {
		cfg.Network.PingTimeout.Duration = 800 * time.Millisecond
	}
	if cfg.Alerts.CPUDuration.Duration == 0 {
		cfg.Alerts.CPUDuration.Duration = 30 * time.Second
	}
	if cfg.Alerts.RAMDuration.Duration == 0 {
		cfg.Alerts.RAMDuration.Duration = 30 * time.Second
	}
	if cfg.Alerts.NetOfflineDuration.Duration == 0 {
		cfg.Alerts.NetOfflineDuration.Duration = 10 * time.Second
	}
	if cfg.Alerts.Cooldown.Duration == 0 {
		cfg.Alerts.Cooldown.Duration = 60 * time.Second
	}
	if cfg.Alerts.FlapThreshold == 0 {
		cfg.Alerts.FlapThreshold = 6
	}
	if cfg.Alerts.FlapWindow.Duration == 0 {
		cfg.Alerts.FlapWindow.Duration = 120 * time.Second
	}
	if cfg.Docker.Socket == "" {
		cfg.Docker.Socket = "/var/run/docker.sock"
	}
	if cfg.Profile.Active == "" {
		cfg.Profile.Active = "default"
	}
	if len(cfg.Profile.WatchPorts) == 0 {
		cfg.Profile.WatchPorts = []int{3000, 5173, 8000, 1433, 5672, 15672}
	}
	if len(cfg.Profile.RequiredPorts) == 0 {
		cfg.Profile.RequiredPorts = []int{3000, 1433, 5672}
	}
	if cfg.Profile.AlertCPUPercent == 0 {
		cfg.Profile.AlertCPUPercent = 85
	}
	if cfg.Profile.AlertRAMPercent == 0 {
		cfg.Profile.AlertRAMPercent = 90
	}
}

func validate(cfg *Config) error {
	if cfg.Collect.Interval.Duration < 1*time.Second {
		return fmt.Errorf("collect interval must be >= 1s, got %s", cfg.Collect.Interval.Duration)
	}
	if cfg.Network.PingTimeout.Duration <= 0 {
		return fmt.Errorf("ping timeout must be > 0, got %s", cfg.Network.PingTimeout.Duration)
	}
	if cfg.Alerts.FlapThreshold < 2 {
		return fmt.Errorf("flap_threshold must be >= 2, got %d", cfg.Alerts.FlapThreshold)
	}
	if cfg.Alerts.Cooldown.Duration <= 0 {
		return fmt.Errorf("cooldown must be > 0, got %s", cfg.Alerts.Cooldown.Duration)
	}
	if err := validatePercent("profile.alert_cpu_percent", cfg.Profile.AlertCPUPercent); err != nil {
		return err
	}
	if err := validatePercent("profile.alert_ram_percent", cfg.Profile.AlertRAMPercent); err != nil {
		return err
	}
	seen := make(map[int]bool)
	for _, p := range cfg.Profile.WatchPorts {
		if p < 1 || p > 65535 {
			return fmt.Errorf("watch_ports: port %d out of range", p)
		}
		if seen[p] {
			return fmt.Errorf("watch_ports: duplicate port %d", p)
		}
		seen[p] = true
	}
	return nil
}

func validatePercent(name string, v float64) error {
	if v <= 0 || v > 100 {
		return fmt.Errorf("%s must be in (0, 100], got %g", name, v)
	}
	return nil
}
