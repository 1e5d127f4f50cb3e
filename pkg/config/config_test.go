package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"aoguide/pkg/guider"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "aoguide.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const fullYAML = `
server:
  port: 8080
  discovery_port: -1
database: /var/lib/aoguide/guider.db
scope:
  driver: alpaca
  alpaca:
    url: http://192.168.1.20:11111
    device_number: 1
    timeout: 3s
ao:
  driver: sxao
  sxao:
    device: /dev/ttyUSB0
    baud: 9600
calibration:
  max_moves: 40
  min_distance: 2.5
  target_step_distance: 4
guide:
  enabled: true
  interval: 1500ms
scheduler:
  queue_size: 8
`

func TestLoadFullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, fullYAML))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.False(t, cfg.DiscoveryEnabled())
	assert.Equal(t, "/var/lib/aoguide/guider.db", cfg.Database)

	assert.Equal(t, DriverAlpaca, cfg.Scope.Driver)
	assert.Equal(t, "http://192.168.1.20:11111", cfg.Scope.Alpaca.URL)
	assert.Equal(t, 1, cfg.Scope.Alpaca.DeviceNumber)
	assert.Equal(t, 3*time.Second, cfg.Scope.Alpaca.Timeout)

	assert.Equal(t, DriverSXAO, cfg.AO.Driver)
	assert.Equal(t, "/dev/ttyUSB0", cfg.AO.SXAO.Device)

	assert.Equal(t, 40, cfg.Calibration.MaxMoves)
	assert.Equal(t, guider.DefaultCalibrationConfig.MaxBacklashMoves, cfg.Calibration.MaxBacklashMoves)
	assert.Equal(t, 2.5, cfg.Calibration.MinDistance)
	assert.Equal(t, 4.0, cfg.Calibration.TargetStepDistance)

	assert.True(t, cfg.Guide.Enabled)
	assert.Equal(t, 1500*time.Millisecond, cfg.Guide.Interval)
	assert.Equal(t, 8, cfg.Scheduler.QueueSize)
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}"))
	require.NoError(t, err)

	assert.Equal(t, defaultPort, cfg.Server.Port)
	assert.True(t, cfg.DiscoveryEnabled())
	assert.Equal(t, defaultDatabase, cfg.Database)
	assert.Equal(t, DriverSimulator, cfg.Scope.Driver)
	assert.Equal(t, "", cfg.AO.Driver)
	assert.Equal(t, defaultGuideInterval, cfg.Guide.Interval)
	assert.Equal(t, defaultQueueSize, cfg.Scheduler.QueueSize)
	assert.Equal(t, guider.DefaultCalibrationConfig, cfg.Calibration)
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, DriverSimulator, cfg.Scope.Driver)
	assert.Equal(t, DriverSimulator, cfg.AO.Driver)
	assert.NoError(t, cfg.Validate())
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errMsg  string
	}{
		{"Invalid YAML", "server: [", "unmarshal yaml"},
		{"Port out of range", "server:\n  port: 70000\n", "server.port"},
		{"Alpaca without URL", "scope:\n  driver: alpaca\n", "scope.alpaca.url"},
		{"Unknown scope driver", "scope:\n  driver: lx200\n", "unknown scope driver"},
		{"SX AO without device", "ao:\n  driver: sxao\n", "ao.sxao.device"},
		{"Unknown AO driver", "ao:\n  driver: piezo\n", "unknown ao driver"},
		{"Negative target", "calibration:\n  target_step_distance: -1\n", "target_step_distance"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.errMsg)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "read config file")
}
