// Package config loads connector configuration from environment variables,
// following the same os.Getenv + strconv/time.ParseDuration pattern the
// teacher's cmd/wsserver/main.go uses for loadConfigFromEnv.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// RedirectTarget is one entry of the redirecturl[]/redirectport[] pair
// (spec §6 tuning knobs).
type RedirectTarget struct {
	URL  string
	Port int
}

// Listener is one configured server URL (spec's serverurls), with the
// port>4000 high-difficulty derivation folded in (SPEC_FULL §12).
type Listener struct {
	Addr       string
	HighDiff   bool
}

// Config holds every connector tuning knob named in spec §6.
type Config struct {
	Listeners []Listener

	MaxClients int

	RedirectURLs []RedirectTarget

	Passthrough bool
	Node        bool
	Remote      bool
	Redirector  bool

	UpstreamURL string

	ControlSocketPath string

	WorkerPoolSize int

	NATSURL     string
	RedisAddr   string
	DatabaseURL string

	AutoBanThreshold int

	LogLevel string
}

// Load reads configuration from the environment, applying the same
// defaults-then-override-from-env shape as the teacher's loadConfigFromEnv.
func Load() (*Config, error) {
	cfg := &Config{
		MaxClients:        10000,
		ControlSocketPath: "/tmp/connector.sock",
		WorkerPoolSize:    max(1, runtime.NumCPU()/2),
		LogLevel:          "info",
	}

	if v := os.Getenv("SERVER_URLS"); v != "" {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			l := Listener{Addr: part}
			if _, portStr, ok := strings.Cut(part, ":"); ok {
				if port, err := strconv.Atoi(portStr); err == nil && port > 4000 {
					l.HighDiff = true
				}
			}
			cfg.Listeners = append(cfg.Listeners, l)
		}
	} else {
		cfg.Listeners = []Listener{{Addr: "0.0.0.0:3333"}, {Addr: "0.0.0.0:3334"}}
	}

	if v := os.Getenv("MAX_CLIENTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: MAX_CLIENTS: %w", err)
		}
		cfg.MaxClients = n
	}

	if v := os.Getenv("REDIRECT_URLS"); v != "" {
		for _, part := range strings.Split(v, ",") {
			urlPort := strings.SplitN(strings.TrimSpace(part), ":", 2)
			if len(urlPort) != 2 {
				continue
			}
			port, err := strconv.Atoi(urlPort[1])
			if err != nil {
				return nil, fmt.Errorf("config: REDIRECT_URLS entry %q: %w", part, err)
			}
			cfg.RedirectURLs = append(cfg.RedirectURLs, RedirectTarget{URL: urlPort[0], Port: port})
		}
	}

	cfg.Passthrough = os.Getenv("PASSTHROUGH") == "true"
	cfg.Node = os.Getenv("NODE") == "true"
	cfg.Remote = os.Getenv("REMOTE") == "true"
	cfg.Redirector = os.Getenv("REDIRECTOR") == "true"

	if cfg.Remote {
		cfg.UpstreamURL = os.Getenv("UPSTREAM_URL")
		if cfg.UpstreamURL == "" {
			return nil, fmt.Errorf("config: UPSTREAM_URL required when REMOTE=true")
		}
	}

	if v := os.Getenv("CONTROL_SOCKET_PATH"); v != "" {
		cfg.ControlSocketPath = v
	}

	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: WORKER_POOL_SIZE: %w", err)
		}
		cfg.WorkerPoolSize = max(1, n)
	}

	cfg.NATSURL = os.Getenv("NATS_URL")
	cfg.RedisAddr = os.Getenv("REDIS_ADDR")
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")

	cfg.AutoBanThreshold = 0
	if v := os.Getenv("AUTO_BAN_THRESHOLD"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: AUTO_BAN_THRESHOLD: %w", err)
		}
		cfg.AutoBanThreshold = n
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	return cfg, nil
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// ParseTimeout is a small helper mirroring the teacher's
// time.ParseDuration(os.Getenv(...)) pattern. cmd/connector does not call
// it; the upstream read timeout is the fixed upstream.ReadTimeout.
func ParseTimeout(env string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(env)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", env, err)
	}
	return d, nil
}
