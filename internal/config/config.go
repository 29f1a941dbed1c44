// Package config loads and persists the controller configuration: default
// device, scan blocklist, per-family acknowledgement timeouts and the
// per-device ambiguous-shape LED-type overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"

	"github.com/chaz8081/idmctl/internal/profile"
	"github.com/chaz8081/idmctl/internal/proto"
)

const appDir = "idmctl"

// Config holds all persisted settings.
type Config struct {
	// DefaultDevice is the MAC (or platform device UUID) used when no
	// --device flag is given.
	DefaultDevice string `yaml:"default_device"`
	// Blocklist filters scan results by the vendor cid/pid key format.
	Blocklist []string `yaml:"blocklist"`
	// AckTimeoutsMS overrides the per-family acknowledgement timeout in
	// milliseconds, keyed by family name (text, gif, image, diy, timer,
	// schedule, ota).
	AckTimeoutsMS map[string]int `yaml:"ack_timeouts_ms"`
	// LedTypeOverrides maps a device MAC to the LED type selected for
	// its ambiguous shape byte.
	LedTypeOverrides map[string]byte `yaml:"led_type_overrides"`
}

// Default returns an empty configuration.
func Default() *Config {
	return &Config{
		AckTimeoutsMS:    make(map[string]int),
		LedTypeOverrides: make(map[string]byte),
	}
}

// DefaultPath returns the config file location under the user config
// directory.
func DefaultPath() string {
	return filepath.Join(xdg.ConfigHome, appDir, "config.yaml")
}

// Load reads and parses a YAML config file. A missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if cfg.AckTimeoutsMS == nil {
		cfg.AckTimeoutsMS = make(map[string]int)
	}
	if cfg.LedTypeOverrides == nil {
		cfg.LedTypeOverrides = make(map[string]byte)
	}
	return cfg, nil
}

// Save writes the config, creating the directory when needed.
func Save(path string, cfg *Config) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating config dir: %w", err)
		}
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	for family, ms := range c.AckTimeoutsMS {
		if _, ok := familyByName(family); !ok {
			return fmt.Errorf("ack_timeouts_ms: unknown family %q", family)
		}
		if ms <= 0 {
			return fmt.Errorf("ack_timeouts_ms.%s must be positive", family)
		}
	}
	for mac, ledType := range c.LedTypeOverrides {
		if !profile.LedType(ledType).Known() {
			return fmt.Errorf("led_type_overrides.%s: unsupported led type %d", mac, ledType)
		}
	}
	return nil
}

// OverrideFor returns the persisted LED-type choice for a device, or
// LedTypeUnresolved when none was stored.
func (c *Config) OverrideFor(mac string) profile.LedType {
	ledType, ok := c.LedTypeOverrides[normaliseMAC(mac)]
	if !ok {
		return profile.LedTypeUnresolved
	}
	return profile.LedType(ledType)
}

// SetOverride stores the LED-type choice for a device.
func (c *Config) SetOverride(mac string, ledType profile.LedType) error {
	if !ledType.Known() {
		return fmt.Errorf("unsupported led type %d", byte(ledType))
	}
	if c.LedTypeOverrides == nil {
		c.LedTypeOverrides = make(map[string]byte)
	}
	c.LedTypeOverrides[normaliseMAC(mac)] = byte(ledType)
	return nil
}

// AckTimeoutFor returns the configured timeout for a family, or zero when
// none was set.
func (c *Config) AckTimeoutFor(family proto.Family) time.Duration {
	return time.Duration(c.AckTimeoutsMS[family.String()]) * time.Millisecond
}

func familyByName(name string) (proto.Family, bool) {
	families := []proto.Family{
		proto.FamilyText, proto.FamilyGif, proto.FamilyImage, proto.FamilyDiy,
		proto.FamilyTimer, proto.FamilySchedule, proto.FamilyOta,
	}
	for _, family := range families {
		if family.String() == name {
			return family, true
		}
	}
	return 0, false
}

func normaliseMAC(mac string) string {
	return strings.ToLower(strings.TrimSpace(mac))
}
