package fiber

import (
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/joeycumines/logiface"
)

// Environment variables read once by [LoadConfig].
const (
	EnvParallelism  = "FIBER_PARALLELISM"
	EnvMonitor      = "FIBER_MONITOR"
	EnvDetailedInfo = "FIBER_DETAILED_INFO"
	EnvLogLevel     = "FIBER_LOG_LEVEL"
)

// MonitorType selects a built-in Monitor implementation.
type MonitorType int

const (
	// MonitorNone disables monitoring.
	MonitorNone MonitorType = iota
	// MonitorBasic maintains aggregate counters.
	MonitorBasic
	// MonitorDetailed maintains counters plus a per-fiber registry.
	MonitorDetailed
)

// String returns the name accepted by ParseMonitorType.
func (t MonitorType) String() string {
	switch t {
	case MonitorNone:
		return "none"
	case MonitorBasic:
		return "basic"
	case MonitorDetailed:
		return "detailed"
	default:
		return "unknown"
	}
}

// ParseMonitorType parses a MonitorType name, case-insensitively.
func ParseMonitorType(s string) (MonitorType, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return MonitorNone, true
	case "basic", "metrics":
		return MonitorBasic, true
	case "detailed":
		return MonitorDetailed, true
	default:
		return MonitorNone, false
	}
}

// Config is the process-wide configuration, read from the environment the
// first time any scheduler is constructed.
type Config struct {
	Parallelism  int
	Monitor      MonitorType
	LogLevel     logiface.Level
	DetailedInfo bool
}

var loadConfig = sync.OnceValue(func() Config {
	return configFromEnv(os.Getenv)
})

// LoadConfig returns the process configuration. The environment is read once.
func LoadConfig() Config {
	return loadConfig()
}

func configFromEnv(getenv func(string) string) Config {
	c := Config{
		Parallelism: min(runtime.GOMAXPROCS(0), maxParallelism),
		LogLevel:    logiface.LevelWarning,
	}
	if v, err := strconv.Atoi(getenv(EnvParallelism)); err == nil && v > 0 {
		c.Parallelism = min(v, maxParallelism)
	}
	if t, ok := ParseMonitorType(getenv(EnvMonitor)); ok {
		c.Monitor = t
	}
	if v, err := strconv.ParseBool(getenv(EnvDetailedInfo)); err == nil {
		c.DetailedInfo = v
	}
	if l, ok := parseLevel(getenv(EnvLogLevel)); ok {
		c.LogLevel = l
	}
	return c
}

func parseLevel(s string) (logiface.Level, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, false
	}
	for l := logiface.LevelDisabled; l <= logiface.LevelTrace; l++ {
		if l.String() == s {
			return l, true
		}
	}
	switch s {
	case "warn":
		return logiface.LevelWarning, true
	case "error":
		return logiface.LevelError, true
	}
	return 0, false
}
