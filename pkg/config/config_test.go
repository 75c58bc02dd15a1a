package config

import (
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestDefaultEnv(t *testing.T) {
	e := DefaultEnv()

	assert.NotNil(t, e)
	assert.Equal(t, "info", e.LogLevel)
	assert.Equal(t, 10*time.Second, e.MgmtReaderTimeout)
	assert.Equal(t, 3*time.Second, e.MgmtCmdTimeout)
	assert.Equal(t, 64, e.MgmtRingSize)
	assert.False(t, e.DebugMgmtEvent)
}

func TestEnv_NewLogger(t *testing.T) {
	tests := []struct {
		name     string
		logLevel string
		want     logrus.Level
	}{
		{"debug level", "debug", logrus.DebugLevel},
		{"info level", "info", logrus.InfoLevel},
		{"warn level", "warn", logrus.WarnLevel},
		{"error level", "error", logrus.ErrorLevel},
		{"unrecognized falls back to info", "bogus", logrus.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &Env{LogLevel: tt.logLevel}
			logger := e.NewLogger()

			assert.NotNil(t, logger)
			assert.Equal(t, tt.want, logger.GetLevel())

			formatter, ok := logger.Formatter.(*logrus.TextFormatter)
			assert.True(t, ok)
			assert.True(t, formatter.FullTimestamp)
			assert.Equal(t, time.RFC3339, formatter.TimestampFormat)
		})
	}
}

func TestLoadEnv_RingSizeClamped(t *testing.T) {
	t.Setenv("direct_bt.mgmt.ringsize", "4")
	e := LoadEnv()
	assert.Equal(t, 64, e.MgmtRingSize, "below-minimum ringsize clamps to 64")

	t.Setenv("direct_bt.mgmt.ringsize", "5000")
	e = LoadEnv()
	assert.Equal(t, 1024, e.MgmtRingSize, "above-maximum ringsize clamps to 1024")

	t.Setenv("direct_bt.mgmt.ringsize", "128")
	e = LoadEnv()
	assert.Equal(t, 128, e.MgmtRingSize)
}

func TestLoadEnv_TimeoutsClampToMinimum(t *testing.T) {
	t.Setenv("direct_bt.mgmt.reader.timeout", "100")
	t.Setenv("direct_bt.mgmt.cmd.timeout", "100")

	e := LoadEnv()

	assert.Equal(t, minMgmtReaderTimeout, e.MgmtReaderTimeout)
	assert.Equal(t, minMgmtCmdTimeout, e.MgmtCmdTimeout)
}

func TestLoadEnv_DebugExplodeSyntax(t *testing.T) {
	t.Setenv("direct_bt.debug", "gatt.data=true,mgmt.event=false")

	e := LoadEnv()

	assert.Equal(t, "true", e.Debug["gatt.data"])
	assert.Equal(t, "false", e.Debug["mgmt.event"])
}

func TestLoadEnv_Defaults(t *testing.T) {
	os.Unsetenv("direct_bt.mgmt.reader.timeout")
	os.Unsetenv("direct_bt.mgmt.cmd.timeout")
	os.Unsetenv("direct_bt.mgmt.ringsize")
	os.Unsetenv("direct_bt.debug.mgmt.event")
	os.Unsetenv("direct_bt.debug")
	os.Unsetenv("direct_bt.verbose")

	e := LoadEnv()

	assert.Equal(t, 10*time.Second, e.MgmtReaderTimeout)
	assert.Equal(t, 3*time.Second, e.MgmtCmdTimeout)
	assert.Equal(t, 64, e.MgmtRingSize)
	assert.False(t, e.DebugMgmtEvent)
	assert.Empty(t, e.Debug)
}
