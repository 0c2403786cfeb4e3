package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/banshee-data/vpsclient/internal/config"
)

func newConfigCmd(global *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the localization configuration",
	}
	cmd.AddCommand(newConfigValidateCmd(global))
	cmd.AddCommand(newConfigDefaultsCmd())
	return cmd
}

func newConfigValidateCmd(global *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate a config file and print the settings a session would use",
		Long: `Loads the config file, rejects invalid service settings and prints the
effective localization settings after defaults and range clamping.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := global.loadConfig(true)
			if err != nil {
				return err
			}
			return writeSettings(cmd.OutOrStdout(), cfg)
		},
	}
}

func newConfigDefaultsCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "defaults",
		Short: "Print the default configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			w := cmd.OutOrStdout()
			switch format {
			case "json":
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(cfg)
			case "yaml", "yml":
				enc := yaml.NewEncoder(w)
				enc.SetIndent(2)
				if err := enc.Encode(cfg); err != nil {
					return err
				}
				return enc.Close()
			default:
				return fmt.Errorf("unknown format %q (want json or yaml)", format)
			}
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "json", "Output format: json or yaml")
	return cmd
}

// settingsView is the printable form of config.Settings.
type settingsView struct {
	AutoLocalize                  bool    `json:"auto_localize"`
	BackgroundLocalization        bool    `json:"background_localization"`
	BackgroundInterval            string  `json:"background_interval"`
	Relocalization                bool    `json:"relocalization"`
	NumberOfFrames                int     `json:"number_of_frames"`
	FrameCaptureInterval          string  `json:"frame_capture_interval"`
	ConfidenceCheck               bool    `json:"confidence_check"`
	ConfidenceThreshold           float64 `json:"confidence_threshold"`
	FirstLocalizationUntilSuccess bool    `json:"first_localization_until_success"`
	PassGeoHint                   bool    `json:"pass_geo_hint"`
	GeoCoordinatesInResponse      bool    `json:"geo_coordinates_in_response"`
	ImageQuality                  int     `json:"image_quality"`
	Mode                          string  `json:"mode"`
	EncodeWorkers                 int     `json:"encode_workers"`
	RequestTimeout                string  `json:"request_timeout"`
}

func writeSettings(w io.Writer, cfg *config.Config) error {
	s := cfg.Localization.Settings()
	view := settingsView{
		AutoLocalize:                  s.AutoLocalize,
		BackgroundLocalization:        s.BackgroundLocalization,
		BackgroundInterval:            s.BackgroundInterval.String(),
		Relocalization:                s.Relocalization,
		NumberOfFrames:                s.NumberOfFrames,
		FrameCaptureInterval:          s.FrameCaptureInterval.String(),
		ConfidenceCheck:               s.ConfidenceCheck,
		ConfidenceThreshold:           s.ConfidenceThreshold,
		FirstLocalizationUntilSuccess: s.FirstLocalizationUntilSuccess,
		PassGeoHint:                   s.PassGeoHint,
		GeoCoordinatesInResponse:      s.GeoCoordinatesInResponse,
		ImageQuality:                  s.ImageQuality,
		Mode:                          cfg.Service.GetMode().String(),
		EncodeWorkers:                 cfg.Service.GetEncodeWorkers(),
		RequestTimeout:                cfg.Service.GetRequestTimeout().String(),
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(view)
}
