package taskmaster

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config carries the orchestrator-wide knobs spec §3/§6 call for.
// Defaults and required fields are declared with `default`/`validate`
// struct tags, applied by setDefaultValues and validate in helpers.go.
type Config struct {
	// Bootstrap is the argument handed to Executable so it knows which
	// task-factory entry point to boot into.
	Bootstrap string `default:"default"`
	// Executable is the path to the child binary spawned for each worker
	// instance.
	Executable string `validate:"required"`
	// SocketWaitTime bounds how long the update loop's OS-select-based
	// wait blocks when no socket has data ready; spec §6 default is
	// 500-1000 microseconds.
	SocketWaitTime time.Duration `default:"1ms"`
	// MaxRestartAttempts bounds how many times a Worker will respawn a
	// failed instance before giving up on it.
	MaxRestartAttempts int `default:"2"`
	// MaxUnhandledBacklog bounds a ProxySocket's per-logical-id backlog.
	MaxUnhandledBacklog int `default:"256"`
	// ForkViaProxy routes spawned workers through a ProcessProxy instead
	// of forking them directly; mirrors TASKMASTER_FORK_VIA_PROXY.
	ForkViaProxy bool
}

// LoadConfig builds a Config from hard defaults, an optional .env file,
// and the process environment, in that order of increasing precedence —
// the layering a twelve-factor Go service conventionally applies.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load() // optional; absence of a .env file is not an error

	cfg := &Config{}
	setDefaultValues(cfg)

	if v := os.Getenv("TASKMASTER_BOOTSTRAP"); v != "" {
		cfg.Bootstrap = v
	}
	if v := os.Getenv("TASKMASTER_EXECUTABLE"); v != "" {
		cfg.Executable = v
	}
	if v := os.Getenv("TASKMASTER_SOCKET_WAIT_US"); v != "" {
		if us, err := strconv.Atoi(v); err == nil {
			cfg.SocketWaitTime = time.Duration(us) * time.Microsecond
		}
	}
	if _, ok := os.LookupEnv("TASKMASTER_FORK_VIA_PROXY"); ok {
		cfg.ForkViaProxy = true
	}

	if err := validate(cfg); err != nil {
		return nil, newError(ErrConfig, "invalid configuration", err)
	}
	return cfg, nil
}
