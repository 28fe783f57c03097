package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/vrlink/limits"
)

// ErrInvalidConfig indicates a configuration value out of range.
var ErrInvalidConfig = errors.New("invalid configuration")

// Role selects which end of the stream a process runs.
type Role string

const (
	// RoleHost renders and encodes video, and receives tracking and boundaries.
	RoleHost Role = "host"
	// RoleHeadset displays video and sends tracking and boundaries.
	RoleHeadset Role = "headset"
)

// Default ports. The headset listens on the discovery port and the host on
// the data port.
const (
	DefaultDiscoveryPort = 9943
	DefaultDataPort      = 9944
)

// Config is the runtime configuration of a vrlink endpoint.
type Config struct {
	Role       Role
	DeviceName string

	DiscoveryPort     uint16
	DataPort          uint16
	ListenHost        string
	Subnets           []string
	DiscoveryInterval time.Duration

	RecvBufferSize int
	DSCP           uint8
	ReuseAddress   bool

	KeyframeInterval         time.Duration
	AggressiveKeyframeResend bool

	// Passphrase enables pairing and sealed data when non-empty.
	Passphrase string

	LogLevel  string
	LogFormat string
	AdminAddr string
}

// Default returns the configuration used for keys a file leaves out.
func Default() Config {
	return Config{
		Role:              RoleHost,
		DeviceName:        "vrlink",
		DiscoveryPort:     DefaultDiscoveryPort,
		DataPort:          DefaultDataPort,
		Subnets:           []string{"auto"},
		DiscoveryInterval: time.Second,
		KeyframeInterval:  100 * time.Millisecond,
		LogLevel:          "info",
		LogFormat:         "text",
	}
}

type fileConfig struct {
	Role                     string   `toml:"role"`
	DeviceName               string   `toml:"device_name"`
	DiscoveryPort            int      `toml:"discovery_port"`
	DataPort                 int      `toml:"data_port"`
	ListenHost               string   `toml:"listen_host"`
	Subnets                  []string `toml:"subnets"`
	DiscoveryInterval        string   `toml:"discovery_interval"`
	RecvBufferSize           int      `toml:"recv_buffer_size"`
	DSCP                     int      `toml:"dscp"`
	ReuseAddress             bool     `toml:"reuse_address"`
	KeyframeInterval         string   `toml:"keyframe_resend_interval"`
	KeyframeIntervalMS       int64    `toml:"keyframe_resend_interval_ms"`
	AggressiveKeyframeResend bool     `toml:"aggressive_keyframe_resend"`
	Passphrase               string   `toml:"passphrase"`
	LogLevel                 string   `toml:"log_level"`
	LogFormat                string   `toml:"log_format"`
	AdminAddr                string   `toml:"admin_addr"`
}

// Load reads a TOML file over Default and validates the result.
func Load(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return fromFile(raw, meta)
}

// Parse decodes TOML text over Default and validates the result.
func Parse(data string) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return fromFile(raw, meta)
}

func fromFile(raw fileConfig, meta toml.MetaData) (Config, error) {
	cfg := Default()

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("%w: unknown key %q", ErrInvalidConfig, undecoded[0].String())
	}

	if meta.IsDefined("role") {
		cfg.Role = Role(strings.ToLower(strings.TrimSpace(raw.Role)))
	}
	if meta.IsDefined("device_name") {
		cfg.DeviceName = strings.TrimSpace(raw.DeviceName)
	}
	if meta.IsDefined("discovery_port") {
		port, err := parsePort("discovery_port", raw.DiscoveryPort)
		if err != nil {
			return Config{}, err
		}
		cfg.DiscoveryPort = port
	}
	if meta.IsDefined("data_port") {
		port, err := parsePort("data_port", raw.DataPort)
		if err != nil {
			return Config{}, err
		}
		cfg.DataPort = port
	}
	if meta.IsDefined("listen_host") {
		cfg.ListenHost = strings.TrimSpace(raw.ListenHost)
	}
	if meta.IsDefined("subnets") {
		cfg.Subnets = normalizeSubnets(raw.Subnets)
	}
	if meta.IsDefined("discovery_interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.DiscoveryInterval))
		if err != nil {
			return Config{}, fmt.Errorf("parse discovery_interval: %w", err)
		}
		cfg.DiscoveryInterval = d
	}
	if meta.IsDefined("recv_buffer_size") {
		cfg.RecvBufferSize = raw.RecvBufferSize
	}
	if meta.IsDefined("dscp") {
		if raw.DSCP < 0 || raw.DSCP > 63 {
			return Config{}, fmt.Errorf("%w: dscp %d out of range 0-63", ErrInvalidConfig, raw.DSCP)
		}
		cfg.DSCP = uint8(raw.DSCP)
	}
	if meta.IsDefined("reuse_address") {
		cfg.ReuseAddress = raw.ReuseAddress
	}
	if meta.IsDefined("keyframe_resend_interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.KeyframeInterval))
		if err != nil {
			return Config{}, fmt.Errorf("parse keyframe_resend_interval: %w", err)
		}
		cfg.KeyframeInterval = d
	}
	if meta.IsDefined("keyframe_resend_interval_ms") {
		cfg.KeyframeInterval = time.Duration(raw.KeyframeIntervalMS) * time.Millisecond
	}
	if meta.IsDefined("aggressive_keyframe_resend") {
		cfg.AggressiveKeyframeResend = raw.AggressiveKeyframeResend
	}
	if meta.IsDefined("passphrase") {
		cfg.Passphrase = raw.Passphrase
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.ToLower(strings.TrimSpace(raw.LogLevel))
	}
	if meta.IsDefined("log_format") {
		cfg.LogFormat = strings.ToLower(strings.TrimSpace(raw.LogFormat))
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func parsePort(key string, v int) (uint16, error) {
	if v <= 0 || v > 65535 {
		return 0, fmt.Errorf("%w: %s %d out of range 1-65535", ErrInvalidConfig, key, v)
	}
	return uint16(v), nil
}

func normalizeSubnets(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		v := strings.TrimSpace(s)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}

// Validate checks value ranges that do not depend on the network.
func (c Config) Validate() error {
	switch c.Role {
	case RoleHost, RoleHeadset:
	default:
		return fmt.Errorf("%w: role %q, want %q or %q", ErrInvalidConfig, c.Role, RoleHost, RoleHeadset)
	}
	if len(c.DeviceName) > limits.MaxDeviceName {
		return fmt.Errorf("%w: device_name longer than %d bytes", ErrInvalidConfig, limits.MaxDeviceName)
	}
	if c.DiscoveryPort == 0 || c.DataPort == 0 {
		return fmt.Errorf("%w: ports must be non-zero", ErrInvalidConfig)
	}
	if c.DiscoveryPort == c.DataPort {
		return fmt.Errorf("%w: discovery_port and data_port must differ", ErrInvalidConfig)
	}
	if len(c.Subnets) == 0 {
		return fmt.Errorf("%w: subnets is empty", ErrInvalidConfig)
	}
	if c.DiscoveryInterval <= 0 {
		return fmt.Errorf("%w: discovery_interval must be positive", ErrInvalidConfig)
	}
	if c.KeyframeInterval <= 0 {
		return fmt.Errorf("%w: keyframe_resend_interval must be positive", ErrInvalidConfig)
	}
	if c.RecvBufferSize < 0 {
		return fmt.Errorf("%w: recv_buffer_size must not be negative", ErrInvalidConfig)
	}
	if c.DSCP > 63 {
		return fmt.Errorf("%w: dscp %d out of range 0-63", ErrInvalidConfig, c.DSCP)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: log_level: %w", ErrInvalidConfig, err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("%w: log_format %q, want text or json", ErrInvalidConfig, c.LogFormat)
	}
	return nil
}

// Holder publishes the live configuration to concurrent readers. Reload
// replaces it wholesale; components read the values they need when they
// need them.
type Holder struct {
	cur atomic.Pointer[Config]
}

// NewHolder creates a holder publishing cfg.
func NewHolder(cfg Config) *Holder {
	h := &Holder{}
	h.Store(cfg)
	return h
}

// Load returns the current configuration.
func (h *Holder) Load() Config {
	return *h.cur.Load()
}

// Store replaces the configuration.
func (h *Holder) Store(cfg Config) {
	cfg.Subnets = append([]string(nil), cfg.Subnets...)
	h.cur.Store(&cfg)
}

// Reload loads path and stores it if valid. The previous configuration is
// kept on error.
func (h *Holder) Reload(path string) (Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return h.Load(), err
	}
	h.Store(cfg)
	return cfg, nil
}
