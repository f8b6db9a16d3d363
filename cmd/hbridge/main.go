// Package main provides the entry point for hbridge.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof" // Import for side effects - registers pprof handlers
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hbridge/hbridge-go/internal/adapter"
	"github.com/hbridge/hbridge-go/internal/config"
	"github.com/hbridge/hbridge-go/internal/frame"
	"github.com/hbridge/hbridge-go/internal/handlers"
	"github.com/hbridge/hbridge-go/internal/hub"
	"github.com/hbridge/hbridge-go/internal/metrics"
	"github.com/hbridge/hbridge-go/internal/middleware"
	"github.com/hbridge/hbridge-go/internal/renderer"
	"github.com/hbridge/hbridge-go/internal/view"
	"github.com/hbridge/hbridge-go/pkg/version"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to the YAML config file")
	flag.Parse()

	// Provisional logging so config load and validation warnings are visible
	setupLogging("info")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *configPath).Msg("Failed to load configuration")
	}
	cfg.Validate()
	setupLogging(cfg.LogLevel)

	printBanner()

	if len(cfg.Views) == 0 {
		log.Warn().Msg("No views configured; every frame request will fail with unknown_view")
	}

	// Wire the rendering pipeline: driver -> pool -> store/hub/adapter
	store := frame.NewStore()
	h := hub.New()

	driver := renderer.NewBrowserDriver(renderer.BrowserOptions{
		Width:       cfg.CanvasWidth,
		Height:      cfg.CanvasHeight,
		Headless:    cfg.Headless,
		BrowserPath: cfg.BrowserPath,
	})

	var state *adapter.State

	onFrame := func(f *frame.Frame, viewID string) {
		store.Put(viewID, f)
		metrics.RecordFrame(viewID, len(f.PNG))
		if msg := handlers.FrameMessage(viewID, f); msg != nil {
			h.Broadcast(viewID, msg)
		}
		state.FramePublished(f.TS, f.ETag)
	}

	pool := renderer.NewPool(renderer.Options{
		MaxActiveViews:    cfg.MaxActiveViews,
		CloseBrowserAfter: cfg.CloseBrowserAfter(),
		Session: view.Options{
			MaxInterval:    cfg.CaptureMaxInterval(),
			AutoReload:     cfg.AutoReload(),
			CacheBust:      cfg.CacheBustOnReload,
			InactiveGrace:  cfg.InactiveGrace(),
			ClosePageAfter: cfg.ClosePageAfter(),
		},
	}, driver, cfg.Views, onFrame)

	state = adapter.New(adapter.NopSink{}, pool, cfg.DefaultViewID(), nil)
	pool.Run()

	handler := handlers.New(cfg, pool, store, h, state)

	// Recovery outermost, then request logging, CORS, and token auth
	finalHandler := middleware.Chain(
		middleware.Recovery,
		middleware.Logging,
		middleware.CORS(middleware.CORSConfig{AllowedOrigins: cfg.CORSAllowedOrigins}),
		middleware.Token(cfg.AuthToken),
	)(handler)

	server := &http.Server{
		Addr:        cfg.ListenAddr(),
		Handler:     finalHandler,
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: WebSocket connections are long-lived.
		IdleTimeout: 120 * time.Second,
	}

	stopCh := make(chan struct{})

	// Config hot-reload
	var watcher *config.Watcher
	if *configPath != "" {
		watcher, err = config.NewWatcher(*configPath, func(next *config.Config) {
			for _, v := range next.Views {
				pool.SetView(v)
			}
			if id := next.DefaultViewID(); id != "" {
				state.Command(adapter.KeyActiveView, id)
			}
		})
		if err != nil {
			log.Warn().Err(err).Msg("Config hot-reload unavailable")
		}
	}

	var metricsServer *http.Server
	if cfg.MetricsEnabled {
		metrics.SetBuildInfo(version.Full(), version.GoVersion())
		go metrics.StartMemoryCollector(10*time.Second, stopCh)

		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metrics.Handler())
		metricsServer = &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.MetricsPort),
			Handler:      metricsMux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		go func() {
			log.Info().Int("port", cfg.MetricsPort).Msg("Prometheus metrics server started")
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	var pprofServer *http.Server
	if cfg.PProfEnabled {
		pprofAddr := fmt.Sprintf("%s:%d", cfg.PProfBindAddr, cfg.PProfPort)
		pprofServer = &http.Server{
			Addr:         pprofAddr,
			Handler:      http.DefaultServeMux, // pprof registers to DefaultServeMux
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 60 * time.Second,
		}
		go func() {
			log.Warn().
				Str("addr", pprofAddr).
				Msg("WARNING: pprof profiling server started - exposes runtime internals, use for debugging only")
			if err := pprofServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("pprof server failed")
			}
		}()
	}

	go func() {
		log.Info().
			Str("address", cfg.ListenAddr()).
			Int("views", len(cfg.Views)).
			Int("max_active_views", cfg.MaxActiveViews).
			Bool("auth", cfg.AuthToken != "").
			Bool("metrics_enabled", cfg.MetricsEnabled).
			Msg("hbridge is ready to accept requests")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	state.SetConnected(true)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")
	close(stopCh)
	state.SetConnected(false)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("Metrics server shutdown error")
		}
	}
	if pprofServer != nil {
		if err := pprofServer.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("pprof server shutdown error")
		}
	}
	if watcher != nil {
		if err := watcher.Close(); err != nil {
			log.Error().Err(err).Msg("Config watcher close error")
		}
	}
	if err := pool.Close(); err != nil {
		log.Error().Err(err).Msg("Renderer pool close error")
	}

	log.Info().Msg("Shutdown complete")
}

// setupLogging configures zerolog based on the log level.
func setupLogging(level string) {
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	})

	switch level {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// printBanner prints the startup banner.
func printBanner() {
	banner := `
 _     _          _     _
| |__ | |__  _ __(_) __| | __ _  ___
| '_ \| '_ \| '__| |/ _' |/ _' |/ _ \
| | | | |_) | |  | | (_| | (_| |  __/
|_| |_|_.__/|_|  |_|\__,_|\__, |\___|
                          |___/
`
	fmt.Println(banner)
	log.Info().
		Str("version", version.Full()).
		Str("go_version", version.GoVersion()).
		Msg("Starting hbridge")
}
