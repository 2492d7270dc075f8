// Package logging configures the process-wide zerolog logger.
package logging

import (
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	EnvLogLevel   = "TELEPORT_LOG_LEVEL"
	EnvLogNoColor = "TELEPORT_LOG_NOCOLOR"
	EnvLogJSON    = "TELEPORT_LOG_JSON"
)

type Profile int

const (
	ProfileRuntime Profile = iota
	ProfileTest
)

type settings struct {
	level   zerolog.Level
	noColor bool
	json    bool
}

var configureOnce sync.Once

// ConfigureTests installs the quiet test profile.
func ConfigureTests() {
	Configure(ProfileTest)
}

// Configure installs the profile's logger on stderr and sets the global
// level, once per process. Later calls are no-ops.
func Configure(profile Profile) {
	configureOnce.Do(func() {
		install(settingsFor(profile), os.Stderr, "")
	})
}

// InitLogger returns a logger tagged with app and installs it as the global
// logger. Level and output format follow the environment.
func InitLogger(app string) zerolog.Logger {
	return install(settingsFor(ProfileRuntime), os.Stdout, app)
}

func install(s settings, out io.Writer, app string) zerolog.Logger {
	zerolog.SetGlobalLevel(s.level)
	ctx := zerolog.New(writer(out, s)).Level(s.level).With().Timestamp()
	if app != "" {
		ctx = ctx.Str("app", app)
	}
	logger := ctx.Logger()
	log.Logger = logger
	return logger
}

func settingsFor(profile Profile) settings {
	s := defaultSettings(profile)
	applyEnvOverrides(&s)
	return s
}

func writer(out io.Writer, s settings) io.Writer {
	if s.json {
		return out
	}
	return zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
		NoColor:    s.noColor,
	}
}

func defaultSettings(profile Profile) settings {
	switch profile {
	case ProfileTest:
		return settings{level: zerolog.WarnLevel, noColor: true}
	default:
		return settings{level: zerolog.InfoLevel}
	}
}

func applyEnvOverrides(s *settings) {
	if lvl, ok := parseLevel(os.Getenv(EnvLogLevel)); ok {
		s.level = lvl
	}
	if v, ok := parseBool(os.Getenv(EnvLogNoColor)); ok {
		s.noColor = v
	}
	if v, ok := parseBool(os.Getenv(EnvLogJSON)); ok {
		s.json = v
	}
}

func parseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zerolog.InfoLevel, false
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "off", "none":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}

func parseBool(raw string) (bool, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
