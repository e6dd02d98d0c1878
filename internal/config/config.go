// Package config reads process configuration from the environment, with an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/multierr"

	"github.com/example/tryon/internal/camera"
	"github.com/example/tryon/internal/landmark"
	"github.com/example/tryon/internal/logging"
)

// Config is the full process configuration.
type Config struct {
	HTTPAddr        string
	ShutdownTimeout time.Duration

	JWTSecret   string
	JWTAudience string

	DatabaseDSN     string
	RedisAddr       string
	DetectorAddr    string
	DetectorTimeout time.Duration

	Camera       camera.Constraints
	ReadyTimeout time.Duration
	StopTimeout  time.Duration

	TargetFPS              float64
	CallbackHz             float64
	MaxConsecutiveFailures int

	OverlayAsset  string
	DisplayWidth  int
	DisplayHeight int

	WidthFactor          float64
	HeightFactor         float64
	VerticalOffsetFactor float64
	Anchor               string

	MaxSessions        int
	StartRatePerSecond float64
	StartBurst         int

	LogLevel      string
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int
}

// Load reads files into the environment (missing files are ignored) and
// builds a Config. Every malformed value is reported.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, file := range files {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("config: load %s: %w", file, err)
		}
	}

	r := &reader{}
	defaults := camera.DefaultConstraints()
	cfg := Config{
		HTTPAddr:        getEnv("HTTP_ADDR", ":8080"),
		ShutdownTimeout: r.duration("SHUTDOWN_TIMEOUT", 15*time.Second),

		JWTSecret:   getEnv("JWT_SECRET", "dev-secret"),
		JWTAudience: os.Getenv("JWT_AUDIENCE"),

		DatabaseDSN:     getEnv("DATABASE_DSN", "host=postgres user=postgres password=postgres dbname=tryon port=5432 sslmode=disable"),
		RedisAddr:       getEnv("REDIS_ADDR", "redis:6379"),
		DetectorAddr:    getEnv("LANDMARK_DETECTOR_ADDR", "landmark-detector:50051"),
		DetectorTimeout: r.duration("DETECTOR_TIMEOUT", time.Second),

		Camera: camera.Constraints{
			FacingMode: getEnv("CAMERA_FACING_MODE", defaults.FacingMode),
			DeviceID:   os.Getenv("CAMERA_DEVICE_ID"),
			Width:      r.int("CAMERA_WIDTH", defaults.Width),
			Height:     r.int("CAMERA_HEIGHT", defaults.Height),
			FrameRate:  r.float("CAMERA_FRAME_RATE", defaults.FrameRate),
		},
		ReadyTimeout: r.duration("CAMERA_READY_TIMEOUT", 10*time.Second),
		StopTimeout:  r.duration("SESSION_STOP_TIMEOUT", 2*time.Second),

		TargetFPS:              r.float("TARGET_FPS", 30),
		CallbackHz:             r.float("CALLBACK_HZ", 60),
		MaxConsecutiveFailures: r.int("MAX_CONSECUTIVE_FAILURES", 90),

		OverlayAsset:  getEnv("OVERLAY_ASSET", "assets/glasses.png"),
		DisplayWidth:  r.int("DISPLAY_WIDTH", 640),
		DisplayHeight: r.int("DISPLAY_HEIGHT", 480),

		WidthFactor:          r.float("OVERLAY_WIDTH_FACTOR", landmark.DefaultWidthFactor),
		HeightFactor:         r.float("OVERLAY_HEIGHT_FACTOR", landmark.DefaultHeightFactor),
		VerticalOffsetFactor: r.float("OVERLAY_VERTICAL_OFFSET_FACTOR", landmark.DefaultVerticalOffsetFactor),
		Anchor:               getEnv("OVERLAY_ANCHOR", "left_eye"),

		MaxSessions:        r.int("MAX_SESSIONS", 1),
		StartRatePerSecond: r.float("START_RATE_PER_SECOND", 1),
		StartBurst:         r.int("START_BURST", 5),

		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogFile:       os.Getenv("LOG_FILE"),
		LogMaxSizeMB:  r.int("LOG_MAX_SIZE_MB", 100),
		LogMaxBackups: r.int("LOG_MAX_BACKUPS", 3),
		LogMaxAgeDays: r.int("LOG_MAX_AGE_DAYS", 7),
	}
	if _, err := landmark.ParseAnchor(cfg.Anchor); err != nil {
		r.errs = multierr.Append(r.errs, fmt.Errorf("OVERLAY_ANCHOR: %w", err))
	}
	if cfg.DetectorTimeout <= 0 || cfg.ReadyTimeout <= 0 || cfg.StopTimeout <= 0 {
		r.errs = multierr.Append(r.errs, errors.New("DETECTOR_TIMEOUT, CAMERA_READY_TIMEOUT and SESSION_STOP_TIMEOUT must be positive"))
	}
	if cfg.DisplayWidth <= 0 || cfg.DisplayHeight <= 0 {
		r.errs = multierr.Append(r.errs, fmt.Errorf("DISPLAY_WIDTH/DISPLAY_HEIGHT must be positive, got %dx%d", cfg.DisplayWidth, cfg.DisplayHeight))
	}
	if r.errs != nil {
		return Config{}, fmt.Errorf("config: %w", r.errs)
	}
	return cfg, nil
}

// Solver builds the overlay solver from the configured factors.
func (c Config) Solver() (landmark.Solver, error) {
	anchor, err := landmark.ParseAnchor(c.Anchor)
	if err != nil {
		return landmark.Solver{}, err
	}
	return landmark.Solver{
		WidthFactor:          c.WidthFactor,
		HeightFactor:         c.HeightFactor,
		VerticalOffsetFactor: c.VerticalOffsetFactor,
		Anchor:               anchor,
	}, nil
}

// LoggingOptions maps the log settings onto logging.Options.
func (c Config) LoggingOptions() logging.Options {
	return logging.Options{
		Level:      c.LogLevel,
		File:       c.LogFile,
		MaxSizeMB:  c.LogMaxSizeMB,
		MaxBackups: c.LogMaxBackups,
		MaxAgeDays: c.LogMaxAgeDays,
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// reader collects parse errors so that all bad values are reported at once.
type reader struct {
	errs error
}

func (r *reader) int(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		r.errs = multierr.Append(r.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return v
}

func (r *reader) float(key string, fallback float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		r.errs = multierr.Append(r.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return v
}

func (r *reader) duration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		r.errs = multierr.Append(r.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return v
}
