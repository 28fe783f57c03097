package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vrlink.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
role = "Headset"
device_name = "  quest  "
discovery_port = 10943
data_port = 10944
listen_host = "0.0.0.0"
subnets = ["192.168.1.0/24", " ", "10.0.0.255"]
discovery_interval = "250ms"
recv_buffer_size = 1048576
dscp = 46
reuse_address = true
keyframe_resend_interval = "50ms"
aggressive_keyframe_resend = true
passphrase = "hunter2"
log_level = "DEBUG"
log_format = "json"
admin_addr = "127.0.0.1:9945"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Config{
		Role:                     RoleHeadset,
		DeviceName:               "quest",
		DiscoveryPort:            10943,
		DataPort:                 10944,
		ListenHost:               "0.0.0.0",
		Subnets:                  []string{"192.168.1.0/24", "10.0.0.255"},
		DiscoveryInterval:        250 * time.Millisecond,
		RecvBufferSize:           1 << 20,
		DSCP:                     46,
		ReuseAddress:             true,
		KeyframeInterval:         50 * time.Millisecond,
		AggressiveKeyframeResend: true,
		Passphrase:               "hunter2",
		LogLevel:                 "debug",
		LogFormat:                "json",
		AdminAddr:                "127.0.0.1:9945",
	}, cfg)
}

func TestLoadKeepsDefaultsForMissingKeys(t *testing.T) {
	cfg, err := Load(writeConfig(t, `device_name = "pc"`))
	require.NoError(t, err)

	want := Default()
	want.DeviceName = "pc"
	assert.Equal(t, want, cfg)
}

func TestKeyframeIntervalMilliseconds(t *testing.T) {
	cfg, err := Parse(`keyframe_resend_interval_ms = 20`)
	require.NoError(t, err)
	assert.Equal(t, 20*time.Millisecond, cfg.KeyframeInterval)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad role", `role = "observer"`},
		{"zero port", `discovery_port = 0`},
		{"port too large", `data_port = 70000`},
		{"same ports", "discovery_port = 9000\ndata_port = 9000"},
		{"empty subnets", `subnets = []`},
		{"dscp range", `dscp = 64`},
		{"bad interval", `discovery_interval = "soon"`},
		{"zero keyframe interval", `keyframe_resend_interval = "0s"`},
		{"negative buffer", `recv_buffer_size = -1`},
		{"bad log level", `log_level = "loud"`},
		{"bad log format", `log_format = "xml"`},
		{"unknown key", `colour = "blue"`},
		{"long device name", `device_name = "abcdefghijklmnopqrstuvwxyz0123456789"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.body)
			assert.Error(t, err)
		})
	}
}

func TestRangeErrorsWrapSentinel(t *testing.T) {
	_, err := Parse(`dscp = 99`)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestHolderReload(t *testing.T) {
	path := writeConfig(t, `keyframe_resend_interval = "100ms"`)
	cfg, err := Load(path)
	require.NoError(t, err)
	h := NewHolder(cfg)

	require.NoError(t, os.WriteFile(path, []byte(`keyframe_resend_interval = "40ms"`), 0o600))
	got, err := h.Reload(path)
	require.NoError(t, err)
	assert.Equal(t, 40*time.Millisecond, got.KeyframeInterval)
	assert.Equal(t, 40*time.Millisecond, h.Load().KeyframeInterval)

	require.NoError(t, os.WriteFile(path, []byte(`role = "nobody"`), 0o600))
	got, err = h.Reload(path)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Equal(t, 40*time.Millisecond, got.KeyframeInterval, "previous config kept")
}

func TestHolderStoreCopiesSubnets(t *testing.T) {
	cfg := Default()
	h := NewHolder(cfg)
	cfg.Subnets[0] = "10.0.0.0/8"
	assert.Equal(t, "auto", h.Load().Subnets[0])
}
