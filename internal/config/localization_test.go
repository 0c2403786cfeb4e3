package config

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/vpsclient/internal/ar"
)

func TestDefaultLocalizationConfig_Settings(t *testing.T) {
	got := DefaultLocalizationConfig().Settings()
	want := Settings{
		AutoLocalize:                  true,
		BackgroundLocalization:        false,
		BackgroundInterval:            30 * time.Second,
		Relocalization:                true,
		NumberOfFrames:                4,
		FrameCaptureInterval:          500 * time.Millisecond,
		ConfidenceCheck:               false,
		ConfidenceThreshold:           0.5,
		FirstLocalizationUntilSuccess: true,
		PassGeoHint:                   false,
		GeoCoordinatesInResponse:      false,
		ImageQuality:                  80,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Settings() mismatch (-want +got):\n%s", diff)
	}

	// An empty config resolves to the same defaults.
	if diff := cmp.Diff(want, LocalizationConfig{}.Settings()); diff != "" {
		t.Errorf("empty config Settings() mismatch (-want +got):\n%s", diff)
	}
}

func TestDefaultConfig_FieldsAreIndependent(t *testing.T) {
	a := DefaultConfig()
	b := DefaultConfig()

	*a.Localization.NumberOfFrames = 9
	*a.Localization.ConfidenceThreshold = 0.9
	*a.Localization.AutoLocalize = false
	*a.Service.RequestTimeout = "5s"

	assert.Equal(t, 4, *b.Localization.NumberOfFrames)
	assert.Equal(t, 0.5, *b.Localization.ConfidenceThreshold)
	assert.True(t, *b.Localization.AutoLocalize)
	assert.Equal(t, "30s", *b.Service.RequestTimeout)
	assert.Equal(t, 4, DefaultLocalizationConfig().Settings().NumberOfFrames)
}

func TestSettings_Clamping(t *testing.T) {
	tests := []struct {
		name  string
		cfg   LocalizationConfig
		check func(t *testing.T, s Settings)
	}{
		{
			name: "number of frames above range",
			cfg:  LocalizationConfig{NumberOfFrames: ptrInt(100)},
			check: func(t *testing.T, s Settings) {
				assert.Equal(t, 6, s.NumberOfFrames)
			},
		},
		{
			name: "number of frames below range",
			cfg:  LocalizationConfig{NumberOfFrames: ptrInt(1)},
			check: func(t *testing.T, s Settings) {
				assert.Equal(t, 4, s.NumberOfFrames)
			},
		},
		{
			name: "negative confidence threshold",
			cfg:  LocalizationConfig{ConfidenceThreshold: ptrFloat64(-1)},
			check: func(t *testing.T, s Settings) {
				assert.Equal(t, 0.0, s.ConfidenceThreshold)
			},
		},
		{
			name: "NaN confidence threshold",
			cfg:  LocalizationConfig{ConfidenceThreshold: ptrFloat64(math.NaN())},
			check: func(t *testing.T, s Settings) {
				assert.Equal(t, 0.0, s.ConfidenceThreshold)
			},
		},
		{
			name: "confidence threshold above one",
			cfg:  LocalizationConfig{ConfidenceThreshold: ptrFloat64(3)},
			check: func(t *testing.T, s Settings) {
				assert.Equal(t, 1.0, s.ConfidenceThreshold)
			},
		},
		{
			name: "low image quality",
			cfg:  LocalizationConfig{ImageQuality: ptrInt(10)},
			check: func(t *testing.T, s Settings) {
				assert.Equal(t, 50, s.ImageQuality)
			},
		},
		{
			name: "image quality above range",
			cfg:  LocalizationConfig{ImageQuality: ptrInt(101)},
			check: func(t *testing.T, s Settings) {
				assert.Equal(t, 100, s.ImageQuality)
			},
		},
		{
			name: "background interval limits",
			cfg:  LocalizationConfig{BackgroundIntervalSeconds: ptrInt(5)},
			check: func(t *testing.T, s Settings) {
				assert.Equal(t, 15*time.Second, s.BackgroundInterval)
			},
		},
		{
			name: "background interval upper limit",
			cfg:  LocalizationConfig{BackgroundIntervalSeconds: ptrInt(3600)},
			check: func(t *testing.T, s Settings) {
				assert.Equal(t, 180*time.Second, s.BackgroundInterval)
			},
		},
		{
			name: "frame interval limits",
			cfg:  LocalizationConfig{FrameCaptureIntervalMs: ptrInt(0)},
			check: func(t *testing.T, s Settings) {
				assert.Equal(t, 100*time.Millisecond, s.FrameCaptureInterval)
			},
		},
		{
			name: "frame interval upper limit",
			cfg:  LocalizationConfig{FrameCaptureIntervalMs: ptrInt(5000)},
			check: func(t *testing.T, s Settings) {
				assert.Equal(t, time.Second, s.FrameCaptureInterval)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, tt.cfg.Settings())
		})
	}
}

func TestSettings_GeoOverride(t *testing.T) {
	cfg := LocalizationConfig{
		FirstLocalizationUntilSuccess: ptrBool(true),
		PassGeoHint:                   ptrBool(true),
		GeoCoordinatesInResponse:      ptrBool(true),
	}
	assert.False(t, cfg.Settings().FirstLocalizationUntilSuccess)

	// Either flag alone leaves the retry policy alone.
	cfg.GeoCoordinatesInResponse = ptrBool(false)
	assert.True(t, cfg.Settings().FirstLocalizationUntilSuccess)
}

func TestLoadConfig_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vps.json")
	testJSON := `{
  "localization": {"number_of_frames": 100, "background_localization": true},
  "service": {"api_base_url": "https://vps.example.com", "map_code": "abc", "mode": "multi"}
}`
	require.NoError(t, os.WriteFile(path, []byte(testJSON), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	s := cfg.Localization.Settings()
	assert.Equal(t, 6, s.NumberOfFrames)
	assert.True(t, s.BackgroundLocalization)
	// Omitted fields keep defaults.
	assert.Equal(t, 80, s.ImageQuality)
	assert.Equal(t, ar.MultiFrame, cfg.Service.GetMode())
	assert.Equal(t, 2, cfg.Service.GetEncodeWorkers())
	assert.Equal(t, 30*time.Second, cfg.Service.GetRequestTimeout())
}

func TestLoadConfig_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vps.yaml")
	testYAML := `
localization:
  confidence_check: true
  confidence_threshold: 0.7
service:
  api_base_url: https://vps.example.com
  map_set_code: city-set
  request_timeout: 5s
`
	require.NoError(t, os.WriteFile(path, []byte(testYAML), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	s := cfg.Localization.Settings()
	assert.True(t, s.ConfidenceCheck)
	assert.Equal(t, 0.7, s.ConfidenceThreshold)
	assert.Equal(t, "city-set", cfg.Service.MapSetCode)
	assert.Equal(t, 5*time.Second, cfg.Service.GetRequestTimeout())
	assert.Equal(t, ar.SingleFrame, cfg.Service.GetMode())
}

func TestLoadConfig_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadConfig(filepath.Join(dir, "vps.toml"))
	assert.ErrorContains(t, err, "extension")

	_, err = LoadConfig(filepath.Join(dir, "missing.json"))
	assert.ErrorContains(t, err, "stat")

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{not json"), 0644))
	_, err = LoadConfig(bad)
	assert.ErrorContains(t, err, "parse")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		service ServiceConfig
		wantErr string
	}{
		{"relative url", ServiceConfig{APIBaseURL: "vps.example.com"}, "absolute URL"},
		{"both map codes", ServiceConfig{MapCode: "a", MapSetCode: "b"}, "only one"},
		{"bad mode", ServiceConfig{Mode: "stereo"}, "unknown localization mode"},
		{"zero workers", ServiceConfig{EncodeWorkers: ptrInt(0)}, "encode_workers"},
		{"bad timeout", ServiceConfig{RequestTimeout: ptrString("soon")}, "request_timeout"},
		{"valid", ServiceConfig{APIBaseURL: "https://vps.example.com", MapCode: "a"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Service: tt.service}
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestLoadConfig_RepositoryDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join("..", "..", DefaultConfigPath))
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.Service.APIBaseURL)
}
