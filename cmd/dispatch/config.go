package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/dispatch/internal/actions"
	"github.com/rendis/dispatch/internal/api"
	"github.com/rendis/dispatch/internal/broker"
	"github.com/rendis/dispatch/internal/engine"
	"github.com/rendis/dispatch/internal/looptracker"
	"github.com/rendis/dispatch/internal/orchestrator"
	"github.com/rendis/dispatch/internal/queue"
	"github.com/rendis/dispatch/internal/scheduler"
	"github.com/rendis/dispatch/internal/worker"
)

// Duration is a time.Duration that reads "15s" style strings or plain
// nanoseconds from settings.json.
type Duration time.Duration

// UnmarshalJSON accepts a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("invalid duration %s", b)
	}
	*d = Duration(n)
	return nil
}

// MarshalJSON writes the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds all dispatch configuration.
// Priority: flags > env vars > settings.json > defaults.
type Config struct {
	Server      ServerConfig      `json:"server"`
	Store       StoreConfig       `json:"store"`
	Bus         BusConfig         `json:"bus"`
	Queue       QueueConfig       `json:"queue"`
	Broker      BrokerConfig      `json:"broker"`
	Loop        LoopConfig        `json:"loop"`
	Worker      WorkerConfig      `json:"worker"`
	Maintenance MaintenanceConfig `json:"maintenance"`
	Render      RenderConfig      `json:"render"`
	Catalog     CatalogConfig     `json:"catalog"`
	Log         LogConfig         `json:"log"`
}

type ServerConfig struct {
	ListenAddr      string   `json:"listen_addr"`
	BaseURL         string   `json:"base_url"`
	ShutdownTimeout Duration `json:"shutdown_timeout"`
	PingInterval    Duration `json:"ping_interval"`
	ClientTimeout   Duration `json:"client_timeout"`
}

type StoreConfig struct {
	// Driver is "libsql" or "postgres".
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

type BusConfig struct {
	// Driver is "memory" or "redis".
	Driver    string `json:"driver"`
	RedisAddr string `json:"redis_addr"`
	RedisDB   int    `json:"redis_db"`
	Channel   string `json:"channel"`
}

type QueueConfig struct {
	LeaseDuration Duration `json:"lease_duration"`
	MaxAttempts   int      `json:"max_attempts"`
}

type BrokerConfig struct {
	Concurrency int `json:"concurrency"`
	Buffer      int `json:"buffer"`
	SweepLimit  int `json:"sweep_limit"`
}

type LoopConfig struct {
	ResultPolicy []string `json:"result_policy"`
}

type WorkerConfig struct {
	Pool              string            `json:"pool"`
	Capacity          int               `json:"capacity"`
	Labels            map[string]string `json:"labels,omitempty"`
	LeaseDuration     Duration          `json:"lease_duration"`
	PollInterval      Duration          `json:"poll_interval"`
	HeartbeatInterval Duration          `json:"heartbeat_interval"`
	// Embedded runs a worker inside the server process against the local queue.
	Embedded    bool     `json:"embedded"`
	HTTPTimeout Duration `json:"http_timeout"`
	ShellPath   string   `json:"shell_path"`
}

type MaintenanceConfig struct {
	ReapSpec       string   `json:"reap_spec"`
	SweepSpec      string   `json:"sweep_spec"`
	StalePoolsSpec string   `json:"stale_pools_spec"`
	PoolStaleAfter Duration `json:"pool_stale_after"`
}

type RenderConfig struct {
	// StrictWorker renders leased actions with strict key checks.
	StrictWorker bool `json:"strict_worker"`
	// StrictResults renders end step results with strict key checks.
	StrictResults bool `json:"strict_results"`
}

type CatalogConfig struct {
	// Dir is seeded into the catalog at server start when set.
	Dir string `json:"dir"`
}

type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

func defaultConfig() Config {
	apiCfg := api.DefaultConfig()
	qCfg := queue.DefaultConfig()
	dCfg := orchestrator.DefaultDispatcherConfig()
	wCfg := worker.DefaultConfig()
	sCfg := scheduler.DefaultConfig()
	return Config{
		Server: ServerConfig{
			ListenAddr:      apiCfg.Addr,
			ShutdownTimeout: Duration(apiCfg.ShutdownTimeout),
			PingInterval:    Duration(apiCfg.PingInterval),
			ClientTimeout:   Duration(30 * time.Second),
		},
		Store: StoreConfig{
			Driver: "libsql",
			DSN:    "file:" + filepath.Join(dispatchDir(), "dispatch.db"),
		},
		Bus: BusConfig{Driver: "memory", RedisAddr: "localhost:6379"},
		Queue: QueueConfig{
			LeaseDuration: Duration(qCfg.LeaseDuration),
			MaxAttempts:   qCfg.MaxAttempts,
		},
		Broker: BrokerConfig{
			Concurrency: dCfg.Concurrency,
			Buffer:      dCfg.Buffer,
			SweepLimit:  dCfg.SweepLimit,
		},
		Loop: LoopConfig{ResultPolicy: append([]string(nil), looptracker.DefaultResultPolicy...)},
		Worker: WorkerConfig{
			Pool:              wCfg.Pool,
			Capacity:          wCfg.Capacity,
			LeaseDuration:     Duration(wCfg.LeaseDuration),
			PollInterval:      Duration(wCfg.PollInterval),
			HeartbeatInterval: Duration(wCfg.HeartbeatInterval),
		},
		Maintenance: MaintenanceConfig{
			ReapSpec:       sCfg.ReapSpec,
			SweepSpec:      sCfg.SweepSpec,
			StalePoolsSpec: sCfg.StalePoolsSpec,
			PoolStaleAfter: Duration(sCfg.PoolStaleAfter),
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

func dispatchDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".dispatch"
	}
	return filepath.Join(home, ".dispatch")
}

func settingsPath() string {
	return filepath.Join(dispatchDir(), "settings.json")
}

// loadConfig layers defaults, the settings file and DISPATCH_* env vars. An
// explicit path must exist; the default settings.json may be missing.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	explicit := path != ""
	if !explicit {
		path = settingsPath()
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case explicit || !errors.Is(err, fs.ErrNotExist):
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}

	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}

	if cfg.Server.BaseURL == "" {
		cfg.Server.BaseURL = baseURLFor(cfg.Server.ListenAddr)
	}
	return cfg, nil
}

func baseURLFor(listenAddr string) string {
	if strings.HasPrefix(listenAddr, ":") {
		return "http://localhost" + listenAddr
	}
	return "http://" + listenAddr
}

// applyEnv overrides cfg from DISPATCH_* variables.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v == "true" || v == "1"
		}
	}
	dur := func(key string, dst *Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = Duration(d)
		}
	}

	str("DISPATCH_LISTEN_ADDR", &cfg.Server.ListenAddr)
	str("DISPATCH_BASE_URL", &cfg.Server.BaseURL)
	str("DISPATCH_STORE_DRIVER", &cfg.Store.Driver)
	str("DISPATCH_STORE_DSN", &cfg.Store.DSN)
	str("DISPATCH_BUS_DRIVER", &cfg.Bus.Driver)
	str("DISPATCH_REDIS_ADDR", &cfg.Bus.RedisAddr)
	integer("DISPATCH_REDIS_DB", &cfg.Bus.RedisDB)
	dur("DISPATCH_LEASE_DURATION", &cfg.Queue.LeaseDuration)
	integer("DISPATCH_MAX_ATTEMPTS", &cfg.Queue.MaxAttempts)
	integer("DISPATCH_BROKER_CONCURRENCY", &cfg.Broker.Concurrency)
	str("DISPATCH_WORKER_POOL", &cfg.Worker.Pool)
	integer("DISPATCH_WORKER_CAPACITY", &cfg.Worker.Capacity)
	boolean("DISPATCH_WORKER_EMBEDDED", &cfg.Worker.Embedded)
	str("DISPATCH_CATALOG_DIR", &cfg.Catalog.Dir)
	str("DISPATCH_LOG_LEVEL", &cfg.Log.Level)
	str("DISPATCH_LOG_FORMAT", &cfg.Log.Format)
	return errors.Join(errs...)
}

// --- Section conversions ---

func (c Config) apiConfig() api.Config {
	return api.Config{
		Addr:            c.Server.ListenAddr,
		ShutdownTimeout: c.Server.ShutdownTimeout.Std(),
		PingInterval:    c.Server.PingInterval.Std(),
	}
}

func (c Config) queueConfig() queue.Config {
	return queue.Config{LeaseDuration: c.Queue.LeaseDuration.Std(), MaxAttempts: c.Queue.MaxAttempts}
}

func (c Config) dispatcherConfig() orchestrator.DispatcherConfig {
	return orchestrator.DispatcherConfig{
		Concurrency: c.Broker.Concurrency,
		Buffer:      c.Broker.Buffer,
		SweepLimit:  c.Broker.SweepLimit,
	}
}

func (c Config) schedulerConfig() scheduler.Config {
	return scheduler.Config{
		ReapSpec:       c.Maintenance.ReapSpec,
		SweepSpec:      c.Maintenance.SweepSpec,
		StalePoolsSpec: c.Maintenance.StalePoolsSpec,
		PoolStaleAfter: c.Maintenance.PoolStaleAfter.Std(),
	}
}

func (c Config) brokerConfig() broker.Config {
	return broker.Config{StrictResults: c.Render.StrictResults}
}

func (c Config) loopConfig() looptracker.Config {
	return looptracker.Config{ResultPolicy: c.Loop.ResultPolicy}
}

func (c Config) actionsConfig() actions.Config {
	return actions.Config{
		HTTP:  actions.HTTPConfig{DefaultTimeout: c.Worker.HTTPTimeout.Std()},
		Shell: actions.ShellConfig{Shell: c.Worker.ShellPath},
	}
}

func (c Config) workerConfig() worker.Config {
	cfg := worker.DefaultConfig()
	cfg.Pool = c.Worker.Pool
	cfg.Capacity = c.Worker.Capacity
	cfg.Labels = c.Worker.Labels
	cfg.LeaseDuration = c.Worker.LeaseDuration.Std()
	cfg.PollInterval = c.Worker.PollInterval.Std()
	cfg.HeartbeatInterval = c.Worker.HeartbeatInterval.Std()
	cfg.StrictRender = c.Render.StrictWorker
	cfg.Breaker = engine.DefaultBreakerConfig()
	return cfg
}
