// Package config builds the process-wide configuration struct from the
// environment once at startup, following the direct_bt DBTEnv singleton
// design note: a plain struct built once and handed into the MGMT and HCI
// transport constructors, not a live-lookup singleton.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
)

const (
	envMgmtReaderTimeout = "direct_bt.mgmt.reader.timeout"
	envMgmtCmdTimeout    = "direct_bt.mgmt.cmd.timeout"
	envMgmtRingSize      = "direct_bt.mgmt.ringsize"
	envDebugMgmtEvent    = "direct_bt.debug.mgmt.event"
	envDebug             = "direct_bt.debug"
	envVerbose           = "direct_bt.verbose"

	minMgmtReaderTimeout = 1500 * time.Millisecond
	minMgmtCmdTimeout    = 1500 * time.Millisecond
	minMgmtRingSize      = 64
	maxMgmtRingSize      = 1024
)

// Env holds the subset of direct_bt environment configuration this stack
// honors: MGMT timeouts, reply-ring sizing, and the debug/verbose explode
// switches.
type Env struct {
	LogLevel string `default:"info"`

	MgmtReaderTimeout time.Duration `default:"10s"`
	MgmtCmdTimeout    time.Duration `default:"3s"`
	MgmtRingSize      int           `default:"64"`
	DebugMgmtEvent    bool          `default:"false"`

	// Debug and Verbose hold the parsed "name=value,..." pairs from the
	// direct_bt.debug / direct_bt.verbose explode-syntax variables.
	Debug   map[string]string
	Verbose map[string]string
}

// DefaultEnv returns an Env populated with spec defaults; it does not read
// the environment.
func DefaultEnv() *Env {
	e := &Env{}
	defaults.SetDefaults(e)
	e.Debug = map[string]string{}
	e.Verbose = map[string]string{}
	return e
}

// LoadEnv builds an Env from defaults overridden by whichever recognized
// environment variables are set, clamping MgmtRingSize and the timeouts to
// their documented valid ranges.
func LoadEnv() *Env {
	e := DefaultEnv()

	if v, ok := lookupMillis(envMgmtReaderTimeout); ok {
		e.MgmtReaderTimeout = v
	}
	if e.MgmtReaderTimeout < minMgmtReaderTimeout {
		e.MgmtReaderTimeout = minMgmtReaderTimeout
	}

	if v, ok := lookupMillis(envMgmtCmdTimeout); ok {
		e.MgmtCmdTimeout = v
	}
	if e.MgmtCmdTimeout < minMgmtCmdTimeout {
		e.MgmtCmdTimeout = minMgmtCmdTimeout
	}

	if v, ok := os.LookupEnv(envMgmtRingSize); ok {
		if n, err := strconv.Atoi(v); err == nil {
			e.MgmtRingSize = n
		}
	}
	if e.MgmtRingSize < minMgmtRingSize {
		e.MgmtRingSize = minMgmtRingSize
	}
	if e.MgmtRingSize > maxMgmtRingSize {
		e.MgmtRingSize = maxMgmtRingSize
	}

	if v, ok := os.LookupEnv(envDebugMgmtEvent); ok {
		e.DebugMgmtEvent = v == "true" || v == "1"
	}

	e.Debug = parseExplode(os.Getenv(envDebug))
	e.Verbose = parseExplode(os.Getenv(envVerbose))

	return e
}

func lookupMillis(name string) (time.Duration, bool) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return time.Duration(n) * time.Millisecond, true
}

// parseExplode parses the "name=value,name2=value2" syntax shared by the
// direct_bt.debug / direct_bt.verbose environment variables.
func parseExplode(s string) map[string]string {
	out := map[string]string{}
	if s == "" {
		return out
	}
	for _, pair := range strings.Split(s, ",") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}
		out[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
	}
	return out
}

// NewLogger builds a logrus.Logger at the configured level using the
// teacher's structured full-timestamp text format.
func (e *Env) NewLogger() *logrus.Logger {
	logger := logrus.New()
	lvl, err := logrus.ParseLevel(e.LogLevel)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger
}
