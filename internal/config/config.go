package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the gateway configuration. Values come from the defaults below,
// then the YAML file named by TM_CONFIG_FILE (if any), then TM_* environment
// variables.
type Config struct {
	HTTP struct {
		Addr           string   `yaml:"addr" env:"TM_HTTP_ADDR"`
		AuthToken      string   `yaml:"auth_token" env:"TM_AUTH_TOKEN"`
		AllowedOrigins []string `yaml:"allowed_origins" env:"TM_ALLOWED_ORIGINS" envSeparator:","`
	} `yaml:"http"`

	Database struct {
		URL       string `yaml:"url" env:"TM_DATABASE_URL"`
		Retention int    `yaml:"violation_retention" env:"TM_VIOLATION_RETENTION"`
	} `yaml:"database"`

	NATS struct {
		URL           string `yaml:"url" env:"TM_NATS_URL"`
		SignalSubject string `yaml:"signal_subject" env:"TM_NATS_SIGNAL_SUBJECT"`
	} `yaml:"nats"`

	Kafka struct {
		Brokers     []string `yaml:"brokers" env:"TM_KAFKA_BROKERS" envSeparator:","`
		EventTopic  string   `yaml:"event_topic" env:"TM_KAFKA_EVENT_TOPIC"`
		SignalTopic string   `yaml:"signal_topic" env:"TM_KAFKA_SIGNAL_TOPIC"`
		GroupID     string   `yaml:"group_id" env:"TM_KAFKA_GROUP_ID"`
	} `yaml:"kafka"`

	Detector struct {
		URL     string        `yaml:"url" env:"TM_DETECTOR_URL"`
		Timeout time.Duration `yaml:"timeout" env:"TM_DETECTOR_TIMEOUT"`
		Retries int           `yaml:"retries" env:"TM_DETECTOR_RETRIES"`
	} `yaml:"detector"`

	Media struct {
		MinioEndpoint  string `yaml:"minio_endpoint" env:"TM_MINIO_ENDPOINT"`
		MinioAccessKey string `yaml:"minio_access_key" env:"TM_MINIO_ACCESS_KEY"`
		MinioSecretKey string `yaml:"minio_secret_key" env:"TM_MINIO_SECRET_KEY"`
		MinioUseSSL    bool   `yaml:"minio_use_ssl" env:"TM_MINIO_USE_SSL"`
		Dir            string `yaml:"dir" env:"TM_MEDIA_DIR"`
		FFmpegPath     string `yaml:"ffmpeg_path" env:"TM_FFMPEG_PATH"`
		TargetFPS      int    `yaml:"target_fps" env:"TM_TARGET_FPS"`
		JPEGQuality    int    `yaml:"jpeg_quality" env:"TM_JPEG_QUALITY"`
		FrameMaxWidth  int    `yaml:"frame_max_width" env:"TM_FRAME_MAX_WIDTH"`
		MaxUploadMB    int64  `yaml:"max_upload_mb" env:"TM_MAX_UPLOAD_MB"`
	} `yaml:"media"`

	Signal struct {
		Mode                string        `yaml:"mode" env:"TM_SIGNAL_MODE"`
		DefaultIntersection int           `yaml:"default_intersection" env:"TM_DEFAULT_INTERSECTION"`
		SimGreen            time.Duration `yaml:"sim_green" env:"TM_SIM_GREEN"`
		SimYellow           time.Duration `yaml:"sim_yellow" env:"TM_SIM_YELLOW"`
		SimLeft             time.Duration `yaml:"sim_left" env:"TM_SIM_LEFT"`
	} `yaml:"signal"`

	Sync struct {
		Interval   time.Duration `yaml:"interval" env:"TM_SYNC_INTERVAL"`
		S3Bucket   string        `yaml:"s3_bucket" env:"TM_SYNC_S3_BUCKET"`
		S3Endpoint string        `yaml:"s3_endpoint" env:"TM_SYNC_S3_ENDPOINT"`
		S3Region   string        `yaml:"s3_region" env:"TM_SYNC_S3_REGION"`
		S3Key      string        `yaml:"s3_key" env:"TM_SYNC_S3_KEY"`
	} `yaml:"sync"`

	Log struct {
		Level  string `yaml:"level" env:"TM_LOG_LEVEL"`
		Format string `yaml:"format" env:"TM_LOG_FORMAT"`
	} `yaml:"log"`
}

// Default returns the built-in configuration.
func Default() *Config {
	c := &Config{}
	c.HTTP.Addr = ":5000"
	c.HTTP.AllowedOrigins = []string{"*"}
	c.Database.Retention = 1000
	c.NATS.SignalSubject = "trafficmind.signal.ingest"
	c.Kafka.EventTopic = "trafficmind.events"
	c.Kafka.GroupID = "trafficmind-gateway"
	c.Detector.URL = "http://localhost:8000"
	c.Detector.Timeout = 30 * time.Second
	c.Detector.Retries = 3
	c.Media.Dir = "./data/media"
	c.Media.FFmpegPath = "ffmpeg"
	c.Media.TargetFPS = 12
	c.Media.JPEGQuality = 70
	c.Media.FrameMaxWidth = 960
	c.Media.MaxUploadMB = 500
	c.Signal.Mode = "backend"
	c.Signal.DefaultIntersection = 1
	c.Signal.SimGreen = 30 * time.Second
	c.Signal.SimYellow = 3 * time.Second
	c.Signal.SimLeft = 15 * time.Second
	c.Sync.S3Region = "us-east-1"
	c.Sync.S3Key = "trafficmind/violations.jsonl"
	c.Log.Level = "info"
	c.Log.Format = "text"
	return c
}

// Load builds the configuration from defaults, the optional YAML file named by
// TM_CONFIG_FILE, and the environment.
func Load() (*Config, error) {
	return LoadFile(os.Getenv("TM_CONFIG_FILE"))
}

// LoadFile is Load with an explicit YAML path. An empty path skips the file.
func LoadFile(path string) (*Config, error) {
	c := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	if err := env.Parse(c); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate rejects out-of-range settings.
func (c *Config) Validate() error {
	switch {
	case c.HTTP.Addr == "":
		return fmt.Errorf("TM_HTTP_ADDR must not be empty")
	case c.Media.TargetFPS < 1 || c.Media.TargetFPS > 60:
		return fmt.Errorf("TM_TARGET_FPS must be between 1 and 60, got %d", c.Media.TargetFPS)
	case c.Media.JPEGQuality < 1 || c.Media.JPEGQuality > 100:
		return fmt.Errorf("TM_JPEG_QUALITY must be between 1 and 100, got %d", c.Media.JPEGQuality)
	case c.Media.FrameMaxWidth < 0:
		return fmt.Errorf("TM_FRAME_MAX_WIDTH must not be negative")
	case c.Media.MaxUploadMB <= 0:
		return fmt.Errorf("TM_MAX_UPLOAD_MB must be positive")
	case c.Signal.Mode != "backend" && c.Signal.Mode != "simulation":
		return fmt.Errorf("TM_SIGNAL_MODE must be backend or simulation, got %q", c.Signal.Mode)
	case c.Signal.DefaultIntersection <= 0:
		return fmt.Errorf("TM_DEFAULT_INTERSECTION must be positive")
	case c.Signal.SimGreen <= 0 || c.Signal.SimYellow <= 0 || c.Signal.SimLeft <= 0:
		return fmt.Errorf("simulation phase durations must be positive")
	case c.Detector.Timeout <= 0:
		return fmt.Errorf("TM_DETECTOR_TIMEOUT must be positive")
	case c.Detector.Retries < 0:
		return fmt.Errorf("TM_DETECTOR_RETRIES must not be negative")
	case c.Sync.Interval < 0:
		return fmt.Errorf("TM_SYNC_INTERVAL must not be negative")
	case c.Database.Retention <= 0:
		return fmt.Errorf("TM_VIOLATION_RETENTION must be positive")
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	if f := strings.ToLower(c.Log.Format); f != "text" && f != "json" {
		return fmt.Errorf("TM_LOG_FORMAT must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// LogLevel parses the configured log level.
func (c *Config) LogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("TM_LOG_LEVEL: %w", err)
	}
	return l, nil
}

// MaxUploadBytes is the upload size limit in bytes.
func (c *Config) MaxUploadBytes() int64 {
	return c.Media.MaxUploadMB << 20
}

// NewLogger builds the process logger from the log settings.
func (c *Config) NewLogger() *slog.Logger {
	return c.NewLoggerTo(os.Stderr)
}

// NewLoggerTo is NewLogger writing to w.
func (c *Config) NewLoggerTo(w io.Writer) *slog.Logger {
	level, err := c.LogLevel()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(c.Log.Format) == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
