package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, RadioUSB, cfg.Radio)
	assert.Equal(t, 0x0FCF, cfg.USB.VendorID)
	assert.Equal(t, 0x1009, cfg.USB.ProductID)
	assert.Equal(t, 2*time.Second, cfg.USB.ResponseTimeout)
	assert.Equal(t, 8, cfg.Sim.Channels)
	assert.Equal(t, 115200, cfg.Sensor.Baud)
	assert.Equal(t, 2*time.Second, cfg.Sensor.LifesignInterval)
	assert.Equal(t, "192.168.43.213", cfg.OSC.Host)
	assert.Equal(t, 7780, cfg.OSC.Port)
	assert.False(t, cfg.Dispatch.DropCorrupt)
	assert.Equal(t, time.Second, cfg.Emulator.Period)
	assert.Equal(t, 50*time.Millisecond, cfg.PTY.PollTimeout)
	assert.NoError(t, cfg.Validate())
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sensorlink.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
radio: sim
sim:
  period: 250ms
sensor:
  device: /dev/rfcomm0
osc:
  host: 10.0.0.5
dispatch:
  drop_corrupt: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, logrus.DebugLevel, cfg.Level())
	assert.Equal(t, RadioSim, cfg.Radio)
	assert.Equal(t, 250*time.Millisecond, cfg.Sim.Period)
	assert.Equal(t, 8, cfg.Sim.Channels, "unset keys keep defaults")
	assert.Equal(t, "/dev/rfcomm0", cfg.Sensor.Device)
	assert.Equal(t, 115200, cfg.Sensor.Baud)
	assert.Equal(t, "10.0.0.5", cfg.OSC.Host)
	assert.Equal(t, 7780, cfg.OSC.Port)
	assert.True(t, cfg.Dispatch.DropCorrupt)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"bad yaml", "radio: [", "parse config"},
		{"bad level", "log_level: chatty", "invalid config"},
		{"bad radio", "radio: bluetooth", "unknown radio"},
		{"bad port", "osc:\n  port: 70000", "out of range"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestConfig_NewLogger(t *testing.T) {
	tests := []struct {
		name     string
		logLevel string
		want     logrus.Level
	}{
		{"creates logger with debug level", "debug", logrus.DebugLevel},
		{"creates logger with info level", "info", logrus.InfoLevel},
		{"creates logger with warn level", "warn", logrus.WarnLevel},
		{"falls back to info on garbage", "loud", logrus.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.logLevel}

			logger := cfg.NewLogger()

			assert.NotNil(t, logger)
			assert.Equal(t, tt.want, logger.GetLevel())

			formatter, ok := logger.Formatter.(*logrus.TextFormatter)
			assert.True(t, ok)
			assert.True(t, formatter.FullTimestamp)
			assert.Equal(t, time.RFC3339, formatter.TimestampFormat)
		})
	}
}

func BenchmarkDefaultConfig(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = DefaultConfig()
	}
}
