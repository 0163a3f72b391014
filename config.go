// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package fmtp

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/emiago/fmtp/wire"
)

// Defaults, overridable per Config.
const (
	DefaultSubscribeTimeout = 25 * time.Second
	DefaultRTTSeed          = 50 * time.Millisecond
	DefaultRTTMultiplier    = 10
	DefaultRetryNap         = 60 * time.Second
)

var ErrConfig = errors.New("fmtp: invalid configuration")

// Config describes one downstream subscription.
type Config struct {
	// Feed names the product feed at the sender.
	Feed string
	// Secret is the shared secret presented during subscription.
	Secret string

	// Sender is the host:port of the sender's TCP endpoint, used for both
	// the control exchange and retransmission.
	Sender string

	// Group and Port override the multicast coordinates from the subscribe
	// reply. Normally left empty; useful on networks where the sender
	// advertises an address the receiver cannot reach.
	Group string
	Port  uint16

	// Interface optionally names the local interface joining the group.
	// Empty joins on the system default.
	Interface string

	// StateDir holds the per-(sender,feed) session memory file.
	StateDir string

	// LinkSpeedBps floors the BOP wait at one max datagram serialization
	// time on this link. Zero disables the floor.
	LinkSpeedBps uint64

	SubscribeTimeout time.Duration
	RTTSeed          time.Duration
	RTTMultiplier    int
	RetryNap         time.Duration

	// BacklogTimeOffset is how far back to ask for backlog when no
	// previous session left a signature behind.
	BacklogTimeOffset time.Duration

	// StrictControl makes timed out fire-and-forget control calls fatal to
	// the session instead of logged and ignored.
	StrictControl bool
}

// fileConfig is the YAML shape; durations are "50ms" style strings.
type fileConfig struct {
	Feed              string `yaml:"feed"`
	Secret            string `yaml:"secret,omitempty"`
	Sender            string `yaml:"sender"`
	Group             string `yaml:"group,omitempty"`
	Port              uint16 `yaml:"port,omitempty"`
	Interface         string `yaml:"interface,omitempty"`
	StateDir          string `yaml:"state_dir"`
	LinkSpeedBps      uint64 `yaml:"link_speed_bps,omitempty"`
	SubscribeTimeout  string `yaml:"subscribe_timeout,omitempty"`
	RTTSeed           string `yaml:"rtt_seed,omitempty"`
	RTTMultiplier     int    `yaml:"rtt_multiplier,omitempty"`
	RetryNap          string `yaml:"retry_nap,omitempty"`
	BacklogTimeOffset string `yaml:"backlog_time_offset,omitempty"`
	StrictControl     bool   `yaml:"strict_control,omitempty"`
}

// LoadConfig reads a YAML config file.
func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var fc fileConfig
	if err := yaml.Unmarshal(b, &fc); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	c := Config{
		Feed:          fc.Feed,
		Secret:        fc.Secret,
		Sender:        fc.Sender,
		Group:         fc.Group,
		Port:          fc.Port,
		Interface:     fc.Interface,
		StateDir:      fc.StateDir,
		LinkSpeedBps:  fc.LinkSpeedBps,
		RTTMultiplier: fc.RTTMultiplier,
		StrictControl: fc.StrictControl,
	}
	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"subscribe_timeout", fc.SubscribeTimeout, &c.SubscribeTimeout},
		{"rtt_seed", fc.RTTSeed, &c.RTTSeed},
		{"retry_nap", fc.RetryNap, &c.RetryNap},
		{"backlog_time_offset", fc.BacklogTimeOffset, &c.BacklogTimeOffset},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return Config{}, fmt.Errorf("%w: %s: %v", ErrConfig, d.name, err)
		}
		*d.dst = v
	}
	return c, c.Validate()
}

// Validate fills defaults and rejects unusable values.
func (c *Config) Validate() error {
	if c.Feed == "" {
		return fmt.Errorf("%w: feed is required", ErrConfig)
	}
	if c.Sender == "" {
		return fmt.Errorf("%w: sender endpoint is required", ErrConfig)
	}
	if _, _, err := net.SplitHostPort(c.Sender); err != nil {
		return fmt.Errorf("%w: sender %q: %v", ErrConfig, c.Sender, err)
	}
	if c.StateDir == "" {
		return fmt.Errorf("%w: state_dir is required", ErrConfig)
	}
	if c.SubscribeTimeout <= 0 {
		c.SubscribeTimeout = DefaultSubscribeTimeout
	}
	if c.RTTSeed <= 0 {
		c.RTTSeed = DefaultRTTSeed
	}
	if c.RTTMultiplier <= 0 {
		c.RTTMultiplier = DefaultRTTMultiplier
	}
	if c.RetryNap <= 0 {
		c.RetryNap = DefaultRetryNap
	}
	return nil
}

// linkFloor converts the configured link speed into the minimum sensible
// wait: the serialization time of one max sized datagram.
func (c *Config) linkFloor() time.Duration {
	if c.LinkSpeedBps == 0 {
		return 0
	}
	bits := uint64(wire.MaxDatagramSize) * 8
	return time.Duration(bits * uint64(time.Second) / c.LinkSpeedBps)
}
