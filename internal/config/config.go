package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	// Renderer identity
	Name string `yaml:"name"`
	UUID string `yaml:"uuid,omitempty"`

	// Diretta sink selection and transport tuning
	Sink SinkConfig `yaml:"sink"`

	// Control endpoint settings
	Control ControlConfig `yaml:"control"`

	// Cache settings
	Cache CacheConfig `yaml:"cache"`
}

// SinkConfig tunes the sink session
type SinkConfig struct {
	TargetIndex         int    `yaml:"target_index"`           // 1-based; 0 = first discovered
	Interface           string `yaml:"interface,omitempty"`    // network interface name
	MTU                 uint32 `yaml:"mtu,omitempty"`          // 0 = measure
	MTUFallback         uint32 `yaml:"mtu_fallback,omitempty"` // used when measurement fails
	CycleTimeUs         uint32 `yaml:"cycle_time_us,omitempty"`
	CycleTimeAuto       bool   `yaml:"cycle_time_auto"`
	ThreadMode          int    `yaml:"thread_mode,omitempty"`
	TransferMode        string `yaml:"transfer_mode,omitempty"` // auto, fix_auto, var_auto, var_max
	OnlineWaitMs        int    `yaml:"online_wait_ms,omitempty"`
	FormatSwitchDelayMs int    `yaml:"format_switch_delay_ms,omitempty"`
}

// ControlConfig configures the inbound control endpoint
type ControlConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	MDNS       bool   `yaml:"mdns"`
}

// CacheConfig represents cache settings
type CacheConfig struct {
	Directory string `yaml:"directory"`
	MaxSizeGB int    `yaml:"max_size_gb"`
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		Name: "Diretta Renderer",
		Sink: SinkConfig{
			TargetIndex:         0,
			MTUFallback:         1500,
			CycleTimeUs:         10000,
			CycleTimeAuto:       true,
			TransferMode:        "auto",
			OnlineWaitMs:        2000,
			FormatSwitchDelayMs: 150,
		},
		Control: ControlConfig{
			ListenAddr: "localhost:47365",
			MDNS:       true,
		},
		Cache: CacheConfig{
			Directory: "/tmp/direttarenderer-cache",
			MaxSizeGB: 10,
		},
	}
}

// LoadConfig loads configuration from file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// If file doesn't exist, return default config
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves configuration to file
func SaveConfig(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
