package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the master configuration, loadable from YAML with every field
// overridable by a command line flag.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Output   OutputConfig   `yaml:"output"`
	Sockets  SocketConfig   `yaml:"sockets"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Planner  PlannerConfig  `yaml:"planner"`
	Builders BuilderConfig  `yaml:"builders"`
	Transfer TransferConfig `yaml:"transfer"`
	Render   RenderConfig   `yaml:"render"`
	Stats    StatsConfig    `yaml:"stats"`
	Log      LogConfig      `yaml:"log"`
	DevMode  bool           `yaml:"dev_mode"`
}

type DatabaseConfig struct {
	DSN     string   `yaml:"dsn"`
	Workers int      `yaml:"workers"`
	Timeout Duration `yaml:"timeout"`

	// OutageWindow is how long the database may stay unavailable before
	// the master shuts itself down. Zero keeps retrying forever.
	OutageWindow Duration `yaml:"outage_window"`
}

type OutputConfig struct {
	// Path is the web root: the renderer writes the index structure here
	// and the transfer server places artifacts under Path/simple.
	Path string `yaml:"path"`
}

type SocketConfig struct {
	Builder string `yaml:"builder"` // builder REQ/REP channel
	File    string `yaml:"file"`    // artifact transfer channel
	Admin   string `yaml:"admin"`   // local-only import/remove/rebuild
	Log     string `yaml:"log"`     // local-only access-log ingest
	Control string `yaml:"control"` // monitor control + status channel
	Metrics string `yaml:"metrics"` // prometheus scrape endpoint, empty disables
}

type UpstreamConfig struct {
	IndexURL          string   `yaml:"index_url"`  // simple index handed to builders
	EventsURL         string   `yaml:"events_url"` // changelog endpoint
	PollInterval      Duration `yaml:"poll_interval"`
	ReconcileInterval Duration `yaml:"reconcile_interval"` // 0 disables the catalogue sweep
	RequestsPerSecond float64  `yaml:"requests_per_second"`
}

type PlannerConfig struct {
	BusyInterval Duration `yaml:"busy_interval"`
	IdleInterval Duration `yaml:"idle_interval"`
	QueueDepth   int      `yaml:"queue_depth"` // top-K fetched per ABI
}

type BuilderConfig struct {
	// DefaultTimeout applies until a builder reports its own master
	// timeout at handshake.
	DefaultTimeout Duration `yaml:"default_timeout"`
	SweepInterval  Duration `yaml:"sweep_interval"`

	// DrainTimeout bounds how long shutdown waits for in-flight builds
	// to finish before dropping their sessions.
	DrainTimeout Duration `yaml:"drain_timeout"`
}

type TransferConfig struct {
	ChunkSize int `yaml:"chunk_size"`
	Window    int `yaml:"window"` // outstanding FETCH ranges per transfer
}

type RenderConfig struct {
	Debounce Duration `yaml:"debounce"`
}

type StatsConfig struct {
	Interval Duration `yaml:"interval"`
}

type LogConfig struct {
	Level string   `yaml:"level"`
	JSON  bool     `yaml:"json"`
	Debug []string `yaml:"debug"` // components forced to debug level
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			DSN:          "/var/lib/kiln/kiln.db",
			Workers:      4,
			Timeout:      Duration(10 * time.Second),
			OutageWindow: Duration(2 * time.Minute),
		},
		Output: OutputConfig{
			Path: "/var/www/kiln",
		},
		Sockets: SocketConfig{
			Builder: ":5555",
			File:    ":5556",
			Admin:   "unix:/run/kiln/admin.sock",
			Log:     "unix:/run/kiln/log.sock",
			Control: "127.0.0.1:5557",
			Metrics: "",
		},
		Upstream: UpstreamConfig{
			IndexURL:          "https://pypi.org/simple",
			EventsURL:         "https://pypi.org/pypi",
			PollInterval:      Duration(10 * time.Second),
			ReconcileInterval: Duration(24 * time.Hour),
			RequestsPerSecond: 2,
		},
		Planner: PlannerConfig{
			BusyInterval: Duration(5 * time.Second),
			IdleInterval: Duration(60 * time.Second),
			QueueDepth:   1000,
		},
		Builders: BuilderConfig{
			DefaultTimeout: Duration(5 * time.Minute),
			SweepInterval:  Duration(30 * time.Second),
			DrainTimeout:   Duration(time.Minute),
		},
		Transfer: TransferConfig{
			ChunkSize: 64 * 1024,
			Window:    8,
		},
		Render: RenderConfig{
			Debounce: Duration(15 * time.Second),
		},
		Stats: StatsConfig{
			Interval: Duration(5 * time.Minute),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML file over the defaults. An empty path returns the
// defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects configurations the master cannot run with.
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Output.Path == "" {
		return fmt.Errorf("output.path is required")
	}
	if c.Transfer.ChunkSize <= 0 {
		return fmt.Errorf("transfer.chunk_size must be positive")
	}
	if c.Transfer.Window <= 0 {
		return fmt.Errorf("transfer.window must be positive")
	}
	if c.Planner.QueueDepth <= 0 {
		return fmt.Errorf("planner.queue_depth must be positive")
	}
	return nil
}
