package telemetry

import (
	"fmt"
	"slices"
	"time"
)

// Config is the telemetry section of the simtree config file.
type Config struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	Environment    string `yaml:"environment"`

	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
	Metrics MetricsConfig `yaml:"metrics"`
	Events  EventsConfig  `yaml:"events"`
}

type LoggingConfig struct {
	// Level is a zerolog level name.
	Level string `yaml:"level"`
	// Format is console or json.
	Format string `yaml:"format"`
	// Output is stderr, stdout or a file path.
	Output string `yaml:"output"`
	// Caller adds file:line to every entry.
	Caller bool `yaml:"caller"`
	// TimeFormat is rfc3339, unix or unixms. Console output also takes
	// kitchen.
	TimeFormat string `yaml:"time_format"`
}

type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
	// Exporter is otlp, stdout or none.
	Exporter string `yaml:"exporter"`
	// Endpoint is the OTLP gRPC collector, host:port.
	Endpoint      string            `yaml:"endpoint"`
	SamplingRate  float64           `yaml:"sampling_rate"`
	BatchSize     int               `yaml:"batch_size"`
	ExportTimeout time.Duration     `yaml:"export_timeout"`
	Headers       map[string]string `yaml:"headers"`
	// Insecure dials the collector without TLS.
	Insecure bool `yaml:"insecure"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	// Listen is where the scrape endpoint is served. Empty means metrics
	// are collected but not exposed.
	Listen    string `yaml:"listen"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
	// Buckets are the latency histogram bounds in seconds.
	Buckets []float64 `yaml:"buckets"`
}

type EventsConfig struct {
	Enabled bool `yaml:"enabled"`
	// Async delivers from a background goroutine instead of inside Publish.
	Async      bool `yaml:"async"`
	BufferSize int  `yaml:"buffer_size"`
}

// DefaultConfig logs to stderr at info, collects metrics without serving
// them and leaves tracing off, so a CLI call needs no collector.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "simtree",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			Output:     "stderr",
			TimeFormat: "rfc3339",
		},
		Tracing: TracingConfig{
			Exporter:      "stdout",
			SamplingRate:  1,
			BatchSize:     512,
			ExportTimeout: 30 * time.Second,
			Headers:       map[string]string{},
			Insecure:      true,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Path:      "/metrics",
			Namespace: "simtree",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5},
		},
		Events: EventsConfig{
			Enabled:    true,
			BufferSize: 256,
		},
	}
}

// ProductionConfig logs JSON, samples a tenth of traces to an OTLP
// collector and delivers events asynchronously.
func ProductionConfig() *Config {
	cfg := DefaultConfig()
	cfg.Environment = "production"
	cfg.Logging.Format = "json"
	cfg.Logging.TimeFormat = "unix"
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "otlp"
	cfg.Tracing.SamplingRate = 0.1
	cfg.Tracing.Insecure = false
	cfg.Events.Async = true
	return cfg
}

func DevelopmentConfig() *Config {
	cfg := DefaultConfig()
	cfg.Logging.Level = "debug"
	cfg.Logging.Caller = true
	return cfg
}

var (
	logLevels    = []string{"trace", "debug", "info", "warn", "error", "fatal"}
	logFormats   = []string{"console", "json"}
	logTimes     = []string{"", "rfc3339", "unix", "unixms", "kitchen"}
	spanExporter = []string{"otlp", "stdout", "none"}
)

func (c *Config) Validate() error {
	switch {
	case c.ServiceName == "":
		return fmt.Errorf("service name is required")
	case c.ServiceVersion == "":
		return fmt.Errorf("service version is required")
	case !slices.Contains(logLevels, c.Logging.Level):
		return fmt.Errorf("invalid log level %q", c.Logging.Level)
	case !slices.Contains(logFormats, c.Logging.Format):
		return fmt.Errorf("invalid log format %q, want console or json", c.Logging.Format)
	case !slices.Contains(logTimes, c.Logging.TimeFormat):
		return fmt.Errorf("invalid log time format %q", c.Logging.TimeFormat)
	case c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1:
		return fmt.Errorf("trace sampling rate %v outside [0,1]", c.Tracing.SamplingRate)
	case c.Events.Enabled && c.Events.Async && c.Events.BufferSize <= 0:
		return fmt.Errorf("event buffer size must be positive, got %d", c.Events.BufferSize)
	}

	if c.Tracing.Enabled {
		if !slices.Contains(spanExporter, c.Tracing.Exporter) {
			return fmt.Errorf("invalid trace exporter %q", c.Tracing.Exporter)
		}
		if c.Tracing.Exporter == "otlp" && c.Tracing.Endpoint == "" {
			return fmt.Errorf("otlp exporter requires an endpoint")
		}
	}
	return nil
}
