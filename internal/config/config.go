// Package config loads and validates the CADET process configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Log controls where and how verbosely the subsystem logs.
type Log struct {
	Level string `json:"level"`
	Path  string `json:"path"`
}

// Ratchet controls the Axolotl advance-on-send thresholds (§4.1).
type Ratchet struct {
	// Messages is the number of sends under one chain before a ratchet
	// advance is scheduled. Source default: 64.
	Messages uint64 `json:"messages"`
	// Time is the wall-clock deadline after which a ratchet advance is
	// scheduled even without reaching Messages. Source default: 1h.
	Time time.Duration `json:"time"`
	// MaxSkippedKeys bounds the per-tunnel skipped-key store (§4.1).
	MaxSkippedKeys int `json:"max_skipped_keys"`
	// MaxKeyGap bounds the tolerated out-of-order jump (§4.1).
	MaxKeyGap uint32 `json:"max_key_gap"`
	// ResendInterval is the KX retransmit period while not AX_AUTH_SENT.
	ResendInterval time.Duration `json:"resend_interval"`
}

// Tunnel controls connection-pool and buffer sizing (§3, §4.2, §4.4).
type Tunnel struct {
	// ConnectionsPerTunnel is loaded and defaulted here, but no tunnel
	// reads it: tunnel.New builds every pool with a fixed target of 3,
	// so trim triggers above 6 connections whatever this value is.
	ConnectionsPerTunnel int `json:"connections_per_tunnel"`
	// MinChannelBuffer / MaxChannelBuffer bound per-channel buffering.
	MinChannelBuffer int `json:"min_channel_buffer"`
	MaxChannelBuffer int `json:"max_channel_buffer"`
	// DestroyEmptyDelay is how long an empty tunnel lingers before
	// being torn down (§4.3).
	DestroyEmptyDelay time.Duration `json:"destroy_empty_delay"`
}

// Session controls the client-facing reconnect policy (§4.5, §5).
type Session struct {
	ReconnectInitial time.Duration `json:"reconnect_initial"`
	ReconnectMax     time.Duration `json:"reconnect_max"`
}

type projectConfig struct {
	Log     Log     `json:"log"`
	Ratchet Ratchet `json:"ratchet"`
	Tunnel  Tunnel  `json:"tunnel"`
	Session Session `json:"session"`
}

// GlobalCfg is the globally effective configuration, populated at package
// init and replaceable with Reload.
var GlobalCfg *projectConfig

func defaults() *projectConfig {
	return &projectConfig{
		Log: Log{Level: "info", Path: "cadet.log"},
		Ratchet: Ratchet{
			Messages:       64,
			Time:           time.Hour,
			MaxSkippedKeys: 64,
			MaxKeyGap:      256,
			ResendInterval: time.Second,
		},
		Tunnel: Tunnel{
			ConnectionsPerTunnel: 3,
			MinChannelBuffer:     8,
			MaxChannelBuffer:     64,
			DestroyEmptyDelay:    time.Minute,
		},
		Session: Session{
			ReconnectInitial: time.Millisecond,
			ReconnectMax:     time.Minute,
		},
	}
}

func init() {
	cfg := defaults()
	path := os.Getenv("CADET_CONFIG")
	if path != "" {
		if buf, err := os.ReadFile(path); err == nil {
			if err := json.Unmarshal(buf, cfg); err != nil {
				fmt.Printf("failed to parse %s: %v\n", path, err)
			}
		} else {
			fmt.Printf("failed to load %s: %v\n", path, err)
		}
	}
	verify(cfg)
	GlobalCfg = cfg
}

// Reload reads and validates a config file, replacing GlobalCfg on success.
func Reload(path string) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	cfg := defaults()
	if err := json.Unmarshal(buf, cfg); err != nil {
		return err
	}
	verify(cfg)
	GlobalCfg = cfg
	return nil
}

// verify fills in zero-valued fields with defaults and clamps bounds that
// the spec requires (channel buffers in [8, 64], non-negative thresholds).
func verify(c *projectConfig) {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Path == "" {
		c.Log.Path = "cadet.log"
	}
	if c.Ratchet.Messages == 0 {
		c.Ratchet.Messages = 64
	}
	if c.Ratchet.Time <= 0 {
		c.Ratchet.Time = time.Hour
	}
	if c.Ratchet.MaxSkippedKeys <= 0 {
		c.Ratchet.MaxSkippedKeys = 64
	}
	if c.Ratchet.MaxKeyGap == 0 {
		c.Ratchet.MaxKeyGap = 256
	}
	if c.Ratchet.ResendInterval <= 0 {
		c.Ratchet.ResendInterval = time.Second
	}
	if c.Tunnel.ConnectionsPerTunnel <= 0 {
		c.Tunnel.ConnectionsPerTunnel = 3
	}
	if c.Tunnel.MinChannelBuffer <= 0 {
		c.Tunnel.MinChannelBuffer = 8
	}
	if c.Tunnel.MaxChannelBuffer <= 0 {
		c.Tunnel.MaxChannelBuffer = 64
	}
	if c.Tunnel.MinChannelBuffer < 8 {
		c.Tunnel.MinChannelBuffer = 8
	}
	if c.Tunnel.MinChannelBuffer > 64 {
		c.Tunnel.MinChannelBuffer = 64
	}
	if c.Tunnel.MaxChannelBuffer < 8 {
		c.Tunnel.MaxChannelBuffer = 8
	}
	if c.Tunnel.MaxChannelBuffer > 64 {
		c.Tunnel.MaxChannelBuffer = 64
	}
	if c.Tunnel.DestroyEmptyDelay <= 0 {
		c.Tunnel.DestroyEmptyDelay = time.Minute
	}
	if c.Session.ReconnectInitial <= 0 {
		c.Session.ReconnectInitial = time.Millisecond
	}
	if c.Session.ReconnectMax <= 0 {
		c.Session.ReconnectMax = time.Minute
	}
}
