// Package multi runs the multi-server ledger broker.
package multi

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config contains the configuration for the broker. The env comment on each
// field names the environment variable read by UnmarshalEnv and its default.
type Config struct {
	// The host to listen on. env: MULTI_HOST (default 0.0.0.0)
	Host string

	// The TCP port to listen on. env: MULTI_PORT (default 13248)
	Port uint16

	// The directory holding ledger data. Created if missing.
	// env: MULTI_DATA_DIR (default ./data)
	DataDir string

	// The minimum log level (trace, debug, info, warn, error).
	// env: MULTI_LOG_LEVEL (default info)
	LogLevel zerolog.Level

	// The address for the insecure debug server (metrics and pprof).
	// Disabled if empty. env: MULTI_DEBUG_ADDR
	DebugAddr string

	// Ticks of receive silence before a client is logged as quiet.
	// env: MULTI_RX_TIMEOUT_WARN (default 30)
	RxTimeoutWarn int

	// Ticks of receive silence before a client is disconnected. Zero
	// disables the disconnect. env: MULTI_RX_TIMEOUT (default 60)
	RxTimeout int

	// The timer tick interval. Tests shorten this; there is no environment
	// variable for it.
	Tick time.Duration
}

// UnmarshalEnv initializes c to its defaults, then applies any MULTI_*
// variables present in es (KEY=VALUE strings, last match wins).
func (c *Config) UnmarshalEnv(es []string) error {
	c.Host = "0.0.0.0"
	c.Port = 13248
	c.DataDir = "./data"
	c.LogLevel = zerolog.InfoLevel
	c.DebugAddr = ""
	c.RxTimeoutWarn = 30
	c.RxTimeout = 60
	c.Tick = time.Second

	get := func(key string) (string, bool) {
		var v string
		var ok bool
		for _, e := range es {
			if k, x, found := strings.Cut(e, "="); found && k == key {
				v, ok = x, true
			}
		}
		return v, ok
	}

	if v, ok := get("MULTI_HOST"); ok {
		c.Host = v
	}
	if v, ok := get("MULTI_PORT"); ok {
		n, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return fmt.Errorf("parse MULTI_PORT: %w", err)
		}
		c.Port = uint16(n)
	}
	if v, ok := get("MULTI_DATA_DIR"); ok {
		c.DataDir = v
	}
	if v, ok := get("MULTI_LOG_LEVEL"); ok {
		lvl, err := zerolog.ParseLevel(v)
		if err != nil {
			return fmt.Errorf("parse MULTI_LOG_LEVEL: %w", err)
		}
		c.LogLevel = lvl
	}
	if v, ok := get("MULTI_DEBUG_ADDR"); ok {
		c.DebugAddr = v
	}
	if v, ok := get("MULTI_RX_TIMEOUT_WARN"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse MULTI_RX_TIMEOUT_WARN: %w", err)
		}
		c.RxTimeoutWarn = n
	}
	if v, ok := get("MULTI_RX_TIMEOUT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse MULTI_RX_TIMEOUT: %w", err)
		}
		c.RxTimeout = n
	}
	return nil
}
