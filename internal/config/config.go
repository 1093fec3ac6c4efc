// Package config assembles the process configuration from environment
// variables. There is no config file for the core: durable per-subsystem
// state (adapters, bindings, schedules) lives under the data directory and
// is owned by the subsystems themselves.
package config

import (
	"os"
	"path/filepath"
	"strconv"
)

// Config is the resolved process configuration.
type Config struct {
	Env        string // "production" or anything else
	Port       int
	DataDir    string // root of durable state ({data})
	DefaultCwd string // default working directory for sessions
	Boundary   string // boundary guard root

	PulseEnabled  bool
	RelayEnabled  bool
	MeshEnabled   bool
	TunnelEnabled bool

	LogLevel string

	// RuntimeBin is the external LLM runtime executable.
	RuntimeBin string
	// TranscriptRoot is where the runtime writes session transcripts.
	TranscriptRoot string

	MaxSessions  int
	RateLimitRPM int
}

// FromEnv builds a Config from the environment with spec defaults.
func FromEnv() *Config {
	env := getenv("DORK_ENV", "development")
	prod := env == "production"

	home, _ := os.UserHomeDir()
	dataDir := getenv("DORK_DATA_DIR", "")
	if dataDir == "" {
		if prod {
			dataDir = filepath.Join(home, ".dork")
		} else {
			dataDir = filepath.Join(".temp", ".dork")
		}
	}
	dataDir, _ = filepath.Abs(dataDir)

	defaultCwd := getenv("DORK_DEFAULT_CWD", "")
	if defaultCwd == "" {
		defaultCwd, _ = os.Getwd()
	}

	boundary := getenv("DORK_BOUNDARY_ROOT", filepath.Dir(dataDir))

	logLevel := getenv("DORK_LOG_LEVEL", "")
	if logLevel == "" {
		if prod {
			logLevel = "info"
		} else {
			logLevel = "debug"
		}
	}

	transcriptRoot := getenv("DORK_TRANSCRIPT_ROOT", "")
	if transcriptRoot == "" {
		transcriptRoot = filepath.Join(home, ".claude", "projects")
	}

	return &Config{
		Env:            env,
		Port:           getint("DORK_PORT", 4242),
		DataDir:        dataDir,
		DefaultCwd:     defaultCwd,
		Boundary:       boundary,
		PulseEnabled:   getbool("DORK_PULSE_ENABLED", true),
		RelayEnabled:   getbool("DORK_RELAY_ENABLED", false),
		MeshEnabled:    getbool("DORK_MESH_ENABLED", false),
		TunnelEnabled:  getbool("DORK_TUNNEL_ENABLED", false),
		LogLevel:       logLevel,
		RuntimeBin:     getenv("DORK_RUNTIME_BIN", "claude"),
		TranscriptRoot: transcriptRoot,
		MaxSessions:    getint("DORK_MAX_SESSIONS", 50),
		RateLimitRPM:   getint("DORK_RATE_LIMIT_RPM", 0),
	}
}

// IsProduction reports whether error messages should be suppressed at the
// transport boundary.
func (c *Config) IsProduction() bool { return c.Env == "production" }

// Derived state paths.

func (c *Config) LogDir() string       { return filepath.Join(c.DataDir, "logs") }
func (c *Config) MeshDir() string      { return filepath.Join(c.DataDir, "mesh") }
func (c *Config) MeshDB() string       { return filepath.Join(c.DataDir, "mesh", "mesh.db") }
func (c *Config) AdaptersFile() string { return filepath.Join(c.DataDir, "relay", "adapters.json") }
func (c *Config) TracesDB() string     { return filepath.Join(c.DataDir, "relay", "traces.db") }
func (c *Config) BindingsDB() string   { return filepath.Join(c.DataDir, "relay", "bindings.db") }
func (c *Config) PulseDB() string      { return filepath.Join(c.DataDir, "pulse", "pulse.db") }

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getint(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getbool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
