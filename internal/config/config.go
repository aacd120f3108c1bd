// Package config holds the conductor and instrument settings. Values come
// from built-in defaults, then an optional YAML file, then CLI flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Backpressure policies for a song requested while another is playing.
const (
	BackpressureReject     = "reject"
	BackpressureDropOldest = "drop-oldest"
)

// Conductor configures the server.
type Conductor struct {
	Host string `yaml:"host"` // bind address for every socket, empty for all interfaces
	Port int    `yaml:"port"` // listening port, 0 for any

	LoopIntervalMs int `yaml:"loop_interval_ms"` // session loop cadence
	InboxSize      int `yaml:"inbox_size"`       // datagrams buffered per socket

	SyncTrials        int     `yaml:"sync_trials"`         // samples per delay estimate
	DelaySamples      int     `yaml:"delay_samples"`       // estimates averaged per peer
	InitialDelayMs    int64   `yaml:"initial_delay_ms"`    // estimate before the first sync
	SyncTimeoutFactor float64 `yaml:"sync_timeout_factor"` // SYNC_ACK timeout in multiples of the estimate
	MinSyncTimeoutMs  int64   `yaml:"min_sync_timeout_ms"`

	MaxPeers           int    `yaml:"max_peers"`
	MaxTracks          int    `yaml:"max_tracks"`
	MaxEventsPerTrack  int    `yaml:"max_events_per_track"`
	MaxEventsPerPacket int    `yaml:"max_events_per_packet"`
	Backpressure       string `yaml:"backpressure"`

	WatchDir      string `yaml:"watch_dir"`    // play .mid files dropped here
	MonitorAddr   string `yaml:"monitor_addr"` // HTTP monitor, empty to disable
	TracePath     string `yaml:"trace_path"`   // delay trace CSV, empty to disable
	StatsInterval int    `yaml:"stats_interval_sec"`
	Debug         bool   `yaml:"debug"`
}

// Instrument configures a client.
type Instrument struct {
	Server string `yaml:"server"` // conductor address, host:port
	Output string `yaml:"output"` // MIDI output port name, "log" for no sound

	DelayMs int64 `yaml:"delay_ms"` // artificial delay before acting on a packet
	Channel int   `yaml:"channel"`  // force every message onto this channel, -1 to keep

	HandshakeTimeoutMs  int  `yaml:"handshake_timeout_ms"`
	MaxHandshakeRetries int  `yaml:"max_handshake_retries"`
	SendMIDIAck         bool `yaml:"send_midi_ack"`

	LoopIntervalMs int  `yaml:"loop_interval_ms"`
	InboxSize      int  `yaml:"inbox_size"`
	Debug          bool `yaml:"debug"`
}

// DefaultConductor returns the built-in server settings.
func DefaultConductor() Conductor {
	return Conductor{
		LoopIntervalMs:     1,
		InboxSize:          256,
		SyncTrials:         3,
		DelaySamples:       3,
		InitialDelayMs:     1000,
		SyncTimeoutFactor:  4,
		MinSyncTimeoutMs:   50,
		MaxPeers:           16,
		MaxTracks:          64,
		MaxEventsPerTrack:  100000,
		MaxEventsPerPacket: 255,
		Backpressure:       BackpressureReject,
		StatsInterval:      10,
	}
}

// DefaultInstrument returns the built-in client settings.
func DefaultInstrument() Instrument {
	return Instrument{
		Channel:             -1,
		HandshakeTimeoutMs:  1000,
		MaxHandshakeRetries: 5,
		LoopIntervalMs:      1,
		InboxSize:           256,
	}
}

// LoadConductor reads path over the defaults. An empty path returns the
// defaults.
func LoadConductor(path string) (Conductor, error) {
	cfg := DefaultConductor()
	if err := load(path, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadInstrument reads path over the defaults. An empty path returns the
// defaults.
func LoadInstrument(path string) (Instrument, error) {
	cfg := DefaultInstrument()
	if err := load(path, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func load(path string, into any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, into); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// Validate reports every out-of-range setting.
func (c Conductor) Validate() error {
	var errs []error
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.LoopIntervalMs < 1 {
		errs = append(errs, errors.New("loop_interval_ms must be at least 1"))
	}
	if c.SyncTrials < 1 {
		errs = append(errs, errors.New("sync_trials must be at least 1"))
	}
	if c.DelaySamples < 1 {
		errs = append(errs, errors.New("delay_samples must be at least 1"))
	}
	if c.InitialDelayMs < 0 {
		errs = append(errs, errors.New("initial_delay_ms must not be negative"))
	}
	if c.SyncTimeoutFactor <= 0 {
		errs = append(errs, errors.New("sync_timeout_factor must be positive"))
	}
	if c.MaxPeers < 1 {
		errs = append(errs, errors.New("max_peers must be at least 1"))
	}
	if c.MaxEventsPerPacket < 1 || c.MaxEventsPerPacket > 255 {
		errs = append(errs, fmt.Errorf("max_events_per_packet %d not in 1..255", c.MaxEventsPerPacket))
	}
	if c.Backpressure != BackpressureReject && c.Backpressure != BackpressureDropOldest {
		errs = append(errs, fmt.Errorf("backpressure %q: want %q or %q", c.Backpressure, BackpressureReject, BackpressureDropOldest))
	}
	return errors.Join(errs...)
}

// Validate reports every out-of-range setting.
func (c Instrument) Validate() error {
	var errs []error
	if c.Server == "" {
		errs = append(errs, errors.New("server address is required"))
	}
	if c.DelayMs < 0 {
		errs = append(errs, errors.New("delay_ms must not be negative"))
	}
	if c.Channel < -1 || c.Channel > 15 {
		errs = append(errs, fmt.Errorf("channel %d not in 0..15", c.Channel))
	}
	if c.HandshakeTimeoutMs < 1 {
		errs = append(errs, errors.New("handshake_timeout_ms must be at least 1"))
	}
	if c.MaxHandshakeRetries < 0 {
		errs = append(errs, errors.New("max_handshake_retries must not be negative"))
	}
	if c.LoopIntervalMs < 1 {
		errs = append(errs, errors.New("loop_interval_ms must be at least 1"))
	}
	return errors.Join(errs...)
}

// LoopInterval returns the loop cadence as a duration.
func (c Conductor) LoopInterval() time.Duration {
	return time.Duration(c.LoopIntervalMs) * time.Millisecond
}

// LoopInterval returns the loop cadence as a duration.
func (c Instrument) LoopInterval() time.Duration {
	return time.Duration(c.LoopIntervalMs) * time.Millisecond
}
