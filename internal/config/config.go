// Package config loads the courier YAML configuration, including
// per-wrapped-program profiles (an echo-friendly CLI can run optimistic;
// a TUI that redraws constantly needs strict verification and a longer
// quiet period).
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Broker   Broker             `yaml:"broker"`
	Session  string             `yaml:"session"`
	AckDir   string             `yaml:"ack_dir"`
	LogLevel string             `yaml:"log_level"`
	Profile  string             `yaml:"profile"`
	Profiles map[string]Profile `yaml:"profiles"`
}

type Broker struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Replay int    `yaml:"replay"`
}

// Profile tunes the injection pipeline for one wrapped program.
type Profile struct {
	EchoPolicy       string   `yaml:"echo_policy"`
	QuietPeriodMs    int      `yaml:"quiet_period_ms"`
	CooldownMs       int      `yaml:"cooldown_ms"`
	VerifyTimeoutMs  int      `yaml:"verify_timeout_ms"`
	CoalesceWindowMs int      `yaml:"coalesce_window_ms"`
	CoalesceMaxMs    int      `yaml:"coalesce_max_ms"`
	MaxAttempts      int      `yaml:"max_attempts"`
	QueueCapMessages int      `yaml:"queue_cap_messages"`
	QueueCapBytes    int64    `yaml:"queue_cap_bytes"`
	EchoWindowBytes  int      `yaml:"echo_window_bytes"`
	BodyWords        int      `yaml:"body_words"`
	ActivityMarkers  []string `yaml:"activity_markers"`
	ActivityWindowMs int      `yaml:"activity_window_ms"`
}

func Default() Config {
	return Config{
		LogLevel: "info",
		Broker:   Broker{Replay: 64},
		Profile:  "default",
		Profiles: map[string]Profile{
			"default": {},
		},
	}
}

// Load reads the config file. A missing file yields defaults; a broken
// one is an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	payload, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(payload, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg.normalized(), nil
}

func (c Config) normalized() Config {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Broker.Replay <= 0 {
		c.Broker.Replay = 64
	}
	if c.Profile == "" {
		c.Profile = "default"
	}
	if c.Profiles == nil {
		c.Profiles = map[string]Profile{}
	}
	return c
}

// ActiveProfile resolves the selected profile; unknown names fall back
// to an empty profile whose zero values select pipeline defaults.
func (c Config) ActiveProfile() Profile {
	if p, ok := c.Profiles[c.Profile]; ok {
		return p
	}
	return Profile{}
}

func (p Profile) QuietPeriod() time.Duration {
	return time.Duration(p.QuietPeriodMs) * time.Millisecond
}

func (p Profile) Cooldown() time.Duration {
	return time.Duration(p.CooldownMs) * time.Millisecond
}

func (p Profile) VerifyTimeout() time.Duration {
	return time.Duration(p.VerifyTimeoutMs) * time.Millisecond
}

func (p Profile) CoalesceWindow() time.Duration {
	return time.Duration(p.CoalesceWindowMs) * time.Millisecond
}

func (p Profile) CoalesceMax() time.Duration {
	return time.Duration(p.CoalesceMaxMs) * time.Millisecond
}

func (p Profile) ActivityWindow() time.Duration {
	return time.Duration(p.ActivityWindowMs) * time.Millisecond
}
