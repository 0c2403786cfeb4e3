package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/banshee-data/vpsclient/internal/capture"
	"github.com/banshee-data/vpsclient/internal/config"
	"github.com/banshee-data/vpsclient/internal/db"
	"github.com/banshee-data/vpsclient/internal/events"
	"github.com/banshee-data/vpsclient/internal/fsutil"
	"github.com/banshee-data/vpsclient/internal/httputil"
	"github.com/banshee-data/vpsclient/internal/localize"
	"github.com/banshee-data/vpsclient/internal/replay"
	"github.com/banshee-data/vpsclient/internal/timeutil"
	"github.com/banshee-data/vpsclient/internal/vps"
)

type runOptions struct {
	manifest string
	listen   string
	tokenEnv string
	linger   bool
}

func newRunCmd(global *globalOptions) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Replay a recorded AR session through the localization orchestrator",
		Long: `Replays the frames listed in a manifest as the live AR session. The
orchestrator localizes against the configured VPS endpoint exactly as it
would on a device: automatically once tracking is established, in the
background, and after tracking is lost and regained.

The debug surface (live events, history, charts, SQL) is served on the
listen address under /debug/ and is reachable from localhost only.`,
		Example: `  # Replay a session with the default config
  VPS_TOKEN=... vpsclient run --manifest recordings/dam-square/manifest.json

  # Keep the debug server up after the replay ends
  vpsclient run -m manifest.json --linger --listen localhost:9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := global.loadConfig(cmd.Flag("config").Changed)
			if err != nil {
				return err
			}
			if cfg.Service.APIBaseURL == "" {
				return fmt.Errorf("service.api_base_url is not configured")
			}

			a, err := newApp(appOptions{
				Config:   cfg,
				FS:       fsutil.OSFileSystem{},
				Manifest: opts.manifest,
				DBPath:   global.dbPath,
				HTTP:     httputil.NewStandardClient(nil, cfg.Service.GetRequestTimeout()),
				Tokens:   vps.EnvToken(opts.tokenEnv),
			})
			if err != nil {
				return err
			}
			defer a.Close()

			return a.run(cmd.Context(), opts.listen, opts.linger)
		},
	}

	cmd.Flags().StringVarP(&opts.manifest, "manifest", "m", "", "Replay manifest describing the recorded session")
	cmd.Flags().StringVarP(&opts.listen, "listen", "l", "localhost:8081", "Address for the debug HTTP server")
	cmd.Flags().StringVar(&opts.tokenEnv, "token-env", vps.TokenEnvVar, "Environment variable holding the VPS bearer token")
	cmd.Flags().BoolVar(&opts.linger, "linger", false, "Keep serving the debug surface after the replay finishes")
	_ = cmd.MarkFlagRequired("manifest")

	return cmd
}

type appOptions struct {
	Config   *config.Config
	FS       fsutil.FileSystem
	Manifest string
	DBPath   string
	HTTP     httputil.HTTPClient
	Tokens   vps.TokenSource
	Clock    timeutil.Clock
}

// app is one fully wired client: the replay stands in for the AR session
// and location stack, and every orchestrator event goes to the broadcaster,
// which forwards it to the history recorder.
type app struct {
	player *replay.Player
	db     *db.DB
	events *events.Broadcaster
	orch   *localize.Orchestrator
	mux    *http.ServeMux
}

func newApp(o appOptions) (*app, error) {
	clock := o.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	settings := o.Config.Localization.Settings()
	svc := o.Config.Service

	player, err := replay.Open(o.FS, o.Manifest, clock)
	if err != nil {
		return nil, fmt.Errorf("failed to open replay: %w", err)
	}

	history, err := db.NewDB(o.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open history: %w", err)
	}

	broadcaster := events.NewBroadcaster(clock, db.NewRecorder(history, clock))

	capturer := capture.NewController(player, clock, capture.Options{
		NumberOfFrames: settings.NumberOfFrames,
		Interval:       settings.FrameCaptureInterval,
		ImageQuality:   settings.ImageQuality,
		Workers:        svc.GetEncodeWorkers(),
	})
	client := vps.NewClient(vps.Options{
		BaseURL:    svc.APIBaseURL,
		MapCode:    svc.MapCode,
		MapSetCode: svc.MapSetCode,
	}, o.HTTP, o.Tokens)

	orch := localize.New(localize.Options{
		Settings: settings,
		Mode:     svc.GetMode(),
		Tracking: player,
		Capturer: capturer,
		Client:   client,
		Location: player,
		Sink:     broadcaster,
		Clock:    clock,
	})

	mux := http.NewServeMux()
	if err := history.AttachAdminRoutes(mux); err != nil {
		broadcaster.Close()
		history.Close()
		return nil, fmt.Errorf("failed to attach history routes: %w", err)
	}
	broadcaster.AttachAdminRoutes(mux, orch)

	logger.Printf("replaying %d frames from %s, mode=%s, history=%s",
		player.Len(), o.Manifest, svc.GetMode(), history.Path())

	return &app{player: player, db: history, events: broadcaster, orch: orch, mux: mux}, nil
}

func (a *app) Close() {
	a.events.Close()
	if err := a.db.Close(); err != nil {
		logger.Printf("failed to close history: %v", err)
	}
}

// run drives the orchestrator, the replay and the debug server until ctx is
// done or, unless linger is set, the replay finishes.
func (a *app) run(ctx context.Context, listen string, linger bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.orch.Run(ctx); err != nil {
			logger.Printf("orchestrator error: %v", err)
		}
		logger.Printf("orchestrator routine terminated")
	}()

	select {
	case <-a.orch.Started():
	case <-ctx.Done():
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		err := a.player.Run(ctx, a.orch.OnTrackingStateChanged)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Printf("replay error: %v", err)
		}
		if err == nil && !linger {
			cancel()
		}
		logger.Printf("replay routine terminated")
	}()

	serverErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()

		server := &http.Server{
			Addr:    listen,
			Handler: a.mux,
		}

		go func() {
			logger.Printf("debug surface at http://%s/debug/localization", listen)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
				cancel()
			}
		}()

		<-ctx.Done()
		logger.Printf("shutting down HTTP server...")

		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				logger.Printf("HTTP server force close error: %v", err)
			}
		}
	}()

	wg.Wait()

	summary, err := a.db.Summarize()
	if err == nil {
		logger.Printf("history: %d attempts, %d succeeded, %d failed",
			summary.Total, summary.Successes, summary.Failures)
	}

	select {
	case err := <-serverErr:
		return fmt.Errorf("debug server: %w", err)
	default:
		return nil
	}
}
