package config

import "time"

// Config is the root application configuration shared by the API server,
// the worker processes, and the MCP front-end.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Worker    WorkerConfig    `koanf:"worker"`
	Store     StoreConfig     `koanf:"store"`
	Paths     PathsConfig     `koanf:"paths"`
	Redis     RedisConfig     `koanf:"redis"`
	Split     SplitConfig     `koanf:"split"`
	Storage   StorageConfig   `koanf:"storage"`
	Retention RetentionConfig `koanf:"retention"`
	MCP       MCPConfig       `koanf:"mcp"`
	Log       LogConfig       `koanf:"log"`
}

// ServerConfig configures the HTTP API surface.
type ServerConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`
	// CORSAllowOrigins lists allowed origins; "*" allows any.
	CORSAllowOrigins []string `koanf:"cors_allow_origins"`
	// DownloadTimeout bounds server-side downloads of remote files (MCP file_url).
	DownloadTimeout time.Duration `koanf:"download_timeout"`
	// MaxUploadSize bounds multipart uploads in bytes; 0 means unbounded.
	MaxUploadSize int64 `koanf:"max_upload_size"`
}

// WorkerConfig configures the polling worker runtime.
type WorkerConfig struct {
	Port             int           `koanf:"port"`
	PollInterval     time.Duration `koanf:"poll_interval"`
	GPUs             int           `koanf:"gpus"`
	WorkersPerDevice int           `koanf:"workers_per_device"`
	// Accelerator is one of auto, cuda, cpu.
	Accelerator string `koanf:"accelerator"`
	// Devices optionally pins explicit device indexes, e.g. "0,1".
	Devices string `koanf:"devices"`
	// ShutdownGrace bounds how long in-flight tasks may run after a stop signal.
	ShutdownGrace time.Duration `koanf:"shutdown_grace"`
	// HeartbeatInterval refreshes the queue claim for long-running tasks.
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`
}

// StoreConfig configures the SQLite task store.
type StoreConfig struct {
	Path        string        `koanf:"path"`
	BusyTimeout time.Duration `koanf:"busy_timeout"`
}

// PathsConfig lays out the shared filesystem areas.
type PathsConfig struct {
	Output string `koanf:"output"`
	Upload string `koanf:"upload"`
}

// RedisConfig configures the optional out-of-process queue.
type RedisConfig struct {
	QueueEnabled bool   `koanf:"queue_enabled"`
	Host         string `koanf:"host"`
	Port         string `koanf:"port"`
	DB           int    `koanf:"db"`
	Password     string `koanf:"password"`
	// URL takes precedence over host/port when set.
	URL         string        `koanf:"url"`
	PingTimeout time.Duration `koanf:"ping_timeout"`
	// VisibilityTimeout is the max claim age before the stale sweep requeues it.
	VisibilityTimeout time.Duration `koanf:"visibility_timeout"`
}

// SplitConfig gates oversize-PDF fan-out.
type SplitConfig struct {
	Enabled        bool `koanf:"enabled"`
	ThresholdPages int  `koanf:"threshold_pages"`
	ChunkSize      int  `koanf:"chunk_size"`
}

// StorageConfig configures the optional S3-compatible image store.
type StorageConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Endpoint  string `koanf:"endpoint"`
	AccessKey string `koanf:"access_key"`
	SecretKey string `koanf:"secret_key"`
	Bucket    string `koanf:"bucket"`
	PublicURL string `koanf:"public_url"`
	UseSSL    bool   `koanf:"use_ssl"`
}

// RetentionConfig drives the in-process sweeps scheduled by the API server.
type RetentionConfig struct {
	// CleanupDays is the default age for the retention sweep.
	CleanupDays int `koanf:"cleanup_days"`
	// CleanupSchedule is a cron expression; empty disables the scheduled sweep.
	CleanupSchedule string `koanf:"cleanup_schedule"`
	// StaleTimeout is the default visibility timeout for reset-stale.
	StaleTimeout time.Duration `koanf:"stale_timeout"`
	// StaleSchedule is a cron expression; empty disables the scheduled sweep.
	StaleSchedule string `koanf:"stale_schedule"`
}

// MCPConfig configures the MCP front-end client.
type MCPConfig struct {
	APIURL string `koanf:"api_url"`
	APIKey string `koanf:"api_key"`
}

// LogConfig configures logging defaults overridable by CLI flags.
type LogConfig struct {
	Level string `koanf:"level"`
	JSON  bool   `koanf:"json"`
}

// Default returns the built-in configuration applied before env overrides.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8000,
			CORSAllowOrigins: []string{"*"},
			DownloadTimeout:  60 * time.Second,
		},
		Worker: WorkerConfig{
			Port:              9000,
			PollInterval:      2 * time.Second,
			GPUs:              0,
			WorkersPerDevice:  1,
			Accelerator:       "auto",
			ShutdownGrace:     30 * time.Second,
			HeartbeatInterval: 60 * time.Second,
		},
		Store: StoreConfig{
			Path:        "data/tianshu.db",
			BusyTimeout: 5 * time.Second,
		},
		Paths: PathsConfig{
			Output: "output",
			Upload: "uploads",
		},
		Redis: RedisConfig{
			QueueEnabled:      false,
			Host:              "localhost",
			Port:              "6379",
			DB:                0,
			PingTimeout:       5 * time.Second,
			VisibilityTimeout: 300 * time.Second,
		},
		Split: SplitConfig{
			Enabled:        true,
			ThresholdPages: 500,
			ChunkSize:      500,
		},
		Retention: RetentionConfig{
			CleanupDays:  7,
			StaleTimeout: 30 * time.Minute,
		},
		MCP: MCPConfig{
			APIURL: "http://localhost:8000",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}
