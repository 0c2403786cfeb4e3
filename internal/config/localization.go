package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/vpsclient/internal/ar"
)

// DefaultConfigPath is where the CLI looks for configuration when no path is
// given.
const DefaultConfigPath = "config/vpsclient.json"

// Valid ranges. Settings clamps every numeric field into these.
const (
	MinBackgroundIntervalSeconds = 15
	MaxBackgroundIntervalSeconds = 180
	MinNumberOfFrames            = 4
	MaxNumberOfFrames            = 6
	MinFrameCaptureIntervalMs    = 100
	MaxFrameCaptureIntervalMs    = 1000
	MinImageQuality              = 50
	MaxImageQuality              = 100
)

// Config is the root configuration file.
type Config struct {
	Localization LocalizationConfig `json:"localization" yaml:"localization"`
	Service      ServiceConfig      `json:"service" yaml:"service"`
}

// LocalizationConfig controls when and how localization requests are made.
// Unset fields take their defaults; out-of-range values are clamped by
// Settings rather than rejected.
type LocalizationConfig struct {
	AutoLocalize                  *bool    `json:"auto_localize,omitempty" yaml:"auto_localize,omitempty"`
	BackgroundLocalization        *bool    `json:"background_localization,omitempty" yaml:"background_localization,omitempty"`
	BackgroundIntervalSeconds     *int     `json:"background_interval_seconds,omitempty" yaml:"background_interval_seconds,omitempty"`
	Relocalization                *bool    `json:"relocalization,omitempty" yaml:"relocalization,omitempty"`
	NumberOfFrames                *int     `json:"number_of_frames,omitempty" yaml:"number_of_frames,omitempty"`
	FrameCaptureIntervalMs        *int     `json:"frame_capture_interval_ms,omitempty" yaml:"frame_capture_interval_ms,omitempty"`
	ConfidenceCheck               *bool    `json:"confidence_check,omitempty" yaml:"confidence_check,omitempty"`
	ConfidenceThreshold           *float64 `json:"confidence_threshold,omitempty" yaml:"confidence_threshold,omitempty"`
	FirstLocalizationUntilSuccess *bool    `json:"first_localization_until_success,omitempty" yaml:"first_localization_until_success,omitempty"`
	PassGeoHint                   *bool    `json:"pass_geo_hint,omitempty" yaml:"pass_geo_hint,omitempty"`
	GeoCoordinatesInResponse      *bool    `json:"geo_coordinates_in_response,omitempty" yaml:"geo_coordinates_in_response,omitempty"`
	ImageQuality                  *int     `json:"image_quality,omitempty" yaml:"image_quality,omitempty"`
}

// ServiceConfig describes the VPS endpoint and the map to localize against.
type ServiceConfig struct {
	APIBaseURL     string  `json:"api_base_url" yaml:"api_base_url"`
	MapCode        string  `json:"map_code,omitempty" yaml:"map_code,omitempty"`
	MapSetCode     string  `json:"map_set_code,omitempty" yaml:"map_set_code,omitempty"`
	Mode           string  `json:"mode,omitempty" yaml:"mode,omitempty"`                       // "single" or "multi"
	EncodeWorkers  *int    `json:"encode_workers,omitempty" yaml:"encode_workers,omitempty"`   // JPEG encoder pool size
	RequestTimeout *string `json:"request_timeout,omitempty" yaml:"request_timeout,omitempty"` // duration string like "30s"
}

// Settings is the validated, immutable snapshot a localization session runs
// with.
type Settings struct {
	AutoLocalize                  bool
	BackgroundLocalization        bool
	BackgroundInterval            time.Duration
	Relocalization                bool
	NumberOfFrames                int
	FrameCaptureInterval          time.Duration
	ConfidenceCheck               bool
	ConfidenceThreshold           float64
	FirstLocalizationUntilSuccess bool
	PassGeoHint                   bool
	GeoCoordinatesInResponse      bool
	ImageQuality                  int
}

// ptrFloat64, ptrBool, ptrInt and ptrString fill the optional fields of
// DefaultLocalizationConfig.
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrInt(v int) *int             { return &v }
func ptrString(v string) *string    { return &v }

// DefaultLocalizationConfig returns a LocalizationConfig with every field set
// to its default.
func DefaultLocalizationConfig() LocalizationConfig {
	return LocalizationConfig{
		AutoLocalize:                  ptrBool(true),
		BackgroundLocalization:        ptrBool(false),
		BackgroundIntervalSeconds:     ptrInt(30),
		Relocalization:                ptrBool(true),
		NumberOfFrames:                ptrInt(4),
		FrameCaptureIntervalMs:        ptrInt(500),
		ConfidenceCheck:               ptrBool(false),
		ConfidenceThreshold:           ptrFloat64(0.5),
		FirstLocalizationUntilSuccess: ptrBool(true),
		PassGeoHint:                   ptrBool(false),
		GeoCoordinatesInResponse:      ptrBool(false),
		ImageQuality:                  ptrInt(80),
	}
}

// DefaultConfig returns a Config with default localization settings and an
// empty service section.
func DefaultConfig() *Config {
	return &Config{
		Localization: DefaultLocalizationConfig(),
		Service: ServiceConfig{
			Mode:           ar.SingleFrame.String(),
			EncodeWorkers:  ptrInt(2),
			RequestTimeout: ptrString("30s"),
		},
	}
}

// LoadConfig loads a Config from a .json, .yaml or .yml file. Fields omitted
// from the file keep their defaults, so partial configs are safe.
func LoadConfig(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if ext == ".json" {
		err = json.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", ext, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the fields that cannot be clamped into range.
func (c *Config) Validate() error {
	s := c.Service
	if s.APIBaseURL != "" {
		u, err := url.Parse(s.APIBaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("api_base_url must be an absolute URL, got %q", s.APIBaseURL)
		}
	}
	if s.MapCode != "" && s.MapSetCode != "" {
		return fmt.Errorf("only one of map_code and map_set_code may be set")
	}
	if _, err := ar.ParseMode(s.Mode); err != nil {
		return err
	}
	if s.EncodeWorkers != nil && *s.EncodeWorkers < 1 {
		return fmt.Errorf("encode_workers must be at least 1, got %d", *s.EncodeWorkers)
	}
	if s.RequestTimeout != nil && *s.RequestTimeout != "" {
		if _, err := time.ParseDuration(*s.RequestTimeout); err != nil {
			return fmt.Errorf("invalid request_timeout '%s': %w", *s.RequestTimeout, err)
		}
	}
	return nil
}

// GetMode returns the configured localization mode, defaulting to single-frame.
func (s ServiceConfig) GetMode() ar.Mode {
	m, err := ar.ParseMode(s.Mode)
	if err != nil {
		return ar.SingleFrame
	}
	return m
}

// GetEncodeWorkers returns the encoder pool size or the default.
func (s ServiceConfig) GetEncodeWorkers() int {
	if s.EncodeWorkers == nil || *s.EncodeWorkers < 1 {
		return 2
	}
	return *s.EncodeWorkers
}

// GetRequestTimeout parses and returns the RequestTimeout as a time.Duration.
func (s ServiceConfig) GetRequestTimeout() time.Duration {
	if s.RequestTimeout == nil || *s.RequestTimeout == "" {
		return 30 * time.Second
	}
	d, err := time.ParseDuration(*s.RequestTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// Settings returns the validated snapshot: numeric fields clamped into their
// ranges, and firstLocalizationUntilSuccess forced off when a geo hint is sent
// and geo coordinates are requested, so geo-related failures are surfaced
// instead of silently retried.
func (c LocalizationConfig) Settings() Settings {
	s := Settings{
		AutoLocalize:                  boolOr(c.AutoLocalize, true),
		BackgroundLocalization:        boolOr(c.BackgroundLocalization, false),
		BackgroundInterval:            time.Duration(clampInt(intOr(c.BackgroundIntervalSeconds, 30), MinBackgroundIntervalSeconds, MaxBackgroundIntervalSeconds)) * time.Second,
		Relocalization:                boolOr(c.Relocalization, true),
		NumberOfFrames:                clampInt(intOr(c.NumberOfFrames, 4), MinNumberOfFrames, MaxNumberOfFrames),
		FrameCaptureInterval:          time.Duration(clampInt(intOr(c.FrameCaptureIntervalMs, 500), MinFrameCaptureIntervalMs, MaxFrameCaptureIntervalMs)) * time.Millisecond,
		ConfidenceCheck:               boolOr(c.ConfidenceCheck, false),
		ConfidenceThreshold:           clampFloat(floatOr(c.ConfidenceThreshold, 0.5), 0, 1),
		FirstLocalizationUntilSuccess: boolOr(c.FirstLocalizationUntilSuccess, true),
		PassGeoHint:                   boolOr(c.PassGeoHint, false),
		GeoCoordinatesInResponse:      boolOr(c.GeoCoordinatesInResponse, false),
		ImageQuality:                  clampInt(intOr(c.ImageQuality, 80), MinImageQuality, MaxImageQuality),
	}
	if s.PassGeoHint && s.GeoCoordinatesInResponse {
		s.FirstLocalizationUntilSuccess = false
	}
	return s
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func intOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

func floatOr(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// clampFloat maps NaN to lo.
func clampFloat(v, lo, hi float64) float64 {
	if !(v >= lo) {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
