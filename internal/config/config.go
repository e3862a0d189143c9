// Package config loads the engine's environment-driven configuration.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the tunables named in the external interface's
// "Configuration flags" section; there is no field for truncation marker
// names.
type Config struct {
	WorkerPoolSize        int
	SweeperInterval       time.Duration
	CoalesceGrace         time.Duration
	DefaultCommandTimeout time.Duration
	MaxResultSize         int
	StorePath             string
	RetryQueuePath        string
	Timezone              string
	ListenAddr            string
}

// Load reads .env (if present, ignored if absent) and then the process
// environment, the way the pack's divinesense and go-falcon services do at
// startup.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		WorkerPoolSize:        envInt("TASKENGINE_WORKER_POOL_SIZE", 10),
		SweeperInterval:       envDuration("TASKENGINE_SWEEPER_INTERVAL", 60*time.Second),
		CoalesceGrace:         envDuration("TASKENGINE_COALESCE_GRACE", 300*time.Second),
		DefaultCommandTimeout: envDuration("TASKENGINE_COMMAND_TIMEOUT", 3600*time.Second),
		MaxResultSize:         envInt("TASKENGINE_MAX_RESULT_SIZE", 60000),
		StorePath:             envString("TASKENGINE_STORE_PATH", "taskengine.db"),
		RetryQueuePath:        envString("TASKENGINE_RETRY_QUEUE_PATH", "taskengine-retryqueue.db"),
		Timezone:              envString("TASKENGINE_TIMEZONE", "UTC"),
		ListenAddr:            envString("TASKENGINE_LISTEN_ADDR", ":8090"),
	}
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return def
}
