package commands

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/beamcode/beamcode/internal/backend"
	"github.com/beamcode/beamcode/internal/backend/acpproc"
	"github.com/beamcode/beamcode/internal/backend/sdkws"
	"github.com/beamcode/beamcode/internal/backend/wsremote"
	"github.com/beamcode/beamcode/internal/bridge"
	"github.com/beamcode/beamcode/internal/config"
	"github.com/beamcode/beamcode/internal/event"
	"github.com/beamcode/beamcode/internal/gate"
	"github.com/beamcode/beamcode/internal/launcher"
	"github.com/beamcode/beamcode/internal/logging"
	"github.com/beamcode/beamcode/internal/manager"
	"github.com/beamcode/beamcode/internal/server"
	"github.com/beamcode/beamcode/internal/storage"
	"github.com/beamcode/beamcode/internal/supervisor"
	"github.com/beamcode/beamcode/internal/trace"
)

var (
	servePort    int
	serveDataDir string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the broker",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load("")
		if err != nil {
			return err
		}
		if servePort != 0 {
			cfg.Port = servePort
		}
		if serveDataDir != "" {
			cfg.DataDir = serveDataDir
		}

		if err := config.GetPaths().EnsurePaths(); err != nil {
			return err
		}

		store, err := storage.New(cfg.DataDir, 0)
		if err != nil {
			return err
		}

		bus := event.NewBus()
		tracer := trace.FromEnv()

		adapters := buildAdapters(cfg, tracer)

		sup := supervisor.New(supervisor.Config{
			KillGracePeriod: time.Duration(cfg.KillGracePeriodMs) * time.Millisecond,
			Breaker:         supervisor.DefaultBreakerConfig(),
		})

		l := launcher.New(sup, store, adapters, bus)

		br := bridge.New(bridge.Config{
			MaxConsumerMessageSize: cfg.MaxConsumerMessageSize,
			InitializeTimeout:      time.Duration(cfg.InitializeTimeoutMs) * time.Millisecond,
		}, store, gate.New(nil), adapters, bus)

		mgr := manager.New(manager.Config{
			ReconnectGracePeriod: time.Duration(cfg.ReconnectGracePeriodMs) * time.Millisecond,
			IdleSessionTimeout:   time.Duration(cfg.IdleSessionTimeoutMs) * time.Millisecond,
		}, br, l, adapters, bus)
		mgr.Start()

		serverCfg := server.DefaultConfig()
		serverCfg.Port = cfg.Port
		serverCfg.MaxConsumerMessageSize = cfg.MaxConsumerMessageSize
		srv := server.New(serverCfg, mgr)

		go func() {
			logging.Info().Int("port", cfg.Port).Msg("broker listening")
			if err := srv.Start(); err != nil && err != http.ErrServerClosed {
				logging.Fatal().Err(err).Msg("server error")
			}
		}()

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit

		logging.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		mgr.Stop()

		return nil
	},
}

// buildAdapters wires the built-in adapter set from configuration.
func buildAdapters(cfg *config.Config, tracer *trace.Tracer) *backend.Registry {
	rpcTimeout := time.Duration(cfg.RPCTimeoutMs) * time.Millisecond

	claude := sdkws.New(sdkws.Options{
		Name:       "claude",
		Binary:     adapterBinary(cfg, "claude"),
		BrokerPort: cfg.Port,
		ExtraArgs:  cfg.Adapter["claude"].Args,
		Tracer:     tracer,
	})

	codexPort := cfg.Adapter["codex"].ListenPort
	if codexPort == 0 {
		codexPort = 8091
	}
	codex := wsremote.New(wsremote.Options{
		Name:       "codex",
		Binary:     adapterBinary(cfg, "codex"),
		ListenPort: codexPort,
		RPCTimeout: rpcTimeout,
		Tracer:     tracer,
	})

	gemini := acpproc.New(acpproc.Options{
		Name:       "gemini",
		Binary:     adapterBinary(cfg, "gemini"),
		Args:       []string{"--experimental-acp"},
		RPCTimeout: rpcTimeout,
		Tracer:     tracer,
	})

	remote := wsremote.New(wsremote.Options{
		Name:       "ws",
		URL:        cfg.Adapter["ws"].URL,
		RPCTimeout: rpcTimeout,
		Tracer:     tracer,
	})

	return backend.NewRegistry(claude, codex, gemini, remote)
}

// adapterBinary returns the configured binary override, or the default.
func adapterBinary(cfg *config.Config, name string) string {
	if a, ok := cfg.Adapter[name]; ok && a.Binary != "" {
		return a.Binary
	}
	return name
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (overrides config)")
	serveCmd.Flags().StringVar(&serveDataDir, "data-dir", "", "Session storage directory (overrides config)")
}
