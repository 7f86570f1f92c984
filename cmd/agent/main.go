package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/teukurijal/attendance-apps/internal/auth"
	"github.com/teukurijal/attendance-apps/internal/bridge"
	"github.com/teukurijal/attendance-apps/internal/config"
	"github.com/teukurijal/attendance-apps/internal/integrity"
	"github.com/teukurijal/attendance-apps/internal/lifecycle"
	"github.com/teukurijal/attendance-apps/internal/location"
	"github.com/teukurijal/attendance-apps/internal/logger"
	"github.com/teukurijal/attendance-apps/internal/power"
	"github.com/teukurijal/attendance-apps/internal/store"
	"github.com/teukurijal/attendance-apps/internal/tracker"
	"github.com/teukurijal/attendance-apps/internal/uplink"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:          "attendance-agent",
		Short:        "Background location reporting agent for the attendance app",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent()
		},
	}
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "config.yaml", "path to the configuration file")

	sendOnceCmd := &cobra.Command{
		Use:   "send-once",
		Short: "Acquire a single fix, deliver it, and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSendOnce()
		},
	}
	rootCmd.AddCommand(sendOnceCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

type agentDeps struct {
	cfg      *config.Config
	store    *store.Store
	gate     *auth.Gate
	sampler  *location.Sampler
	provider location.Provider
	probe    *integrity.Probe
	uplink   *uplink.Uplink
}

func buildDeps(ctx context.Context) (*agentDeps, error) {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger.Init(cfg.Logging)

	st, err := store.Open(filepath.Join(cfg.Agent.DataDir, "agent.db"))
	if err != nil {
		return nil, err
	}
	if err := st.InitSchema(ctx); err != nil {
		st.Close()
		return nil, err
	}

	deviceID, err := st.EnsureDeviceID(ctx, cfg.Agent.Platform)
	if err != nil {
		st.Close()
		return nil, err
	}
	log.Info().Str("device_id", deviceID).Msg("device identity ready")

	jar, err := cookiejar.New(nil)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	// per-request deadlines are enforced by the uplink, not the client
	client := &http.Client{Jar: jar}

	gate, err := auth.New(st, jar, cfg.Agent.BaseURL)
	if err != nil {
		st.Close()
		return nil, err
	}

	var provider location.Provider
	switch cfg.Provider.Kind {
	case "mqtt":
		provider, err = location.NewMQTTProvider(cfg.Provider.MQTT)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("mqtt provider: %w", err)
		}
	default:
		provider = location.NewSimProvider(cfg.Provider)
	}

	probe := integrity.NewProbe(nil)
	up := uplink.New(cfg, st, gate, probe, client)

	return &agentDeps{
		cfg:      cfg,
		store:    st,
		gate:     gate,
		sampler:  location.NewSampler(provider),
		provider: provider,
		probe:    probe,
		uplink:   up,
	}, nil
}

func (d *agentDeps) close() {
	if mp, ok := d.provider.(*location.MQTTProvider); ok {
		mp.Close()
	}
	if err := d.store.Close(); err != nil {
		log.Error().Err(err).Msg("close store")
	}
}

func runAgent() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deps, err := buildDeps(ctx)
	if err != nil {
		return err
	}
	defer deps.close()

	log.Info().Str("agent", deps.cfg.Agent.Name).Msg("starting attendance agent")

	srv := bridge.NewServer(deps.cfg, deps.store, deps.gate, deps.sampler, deps.uplink)
	deps.probe.SetNotifier(srv)

	pw := power.NewState()
	tc := tracker.New(deps.cfg, deps.sampler, deps.uplink, deps.store, pw, srv)
	lc := lifecycle.New(deps.cfg, tc, deps.uplink, deps.sampler, deps.store, pw)
	lc.Init(ctx)
	srv.Bind(tc, lc)

	deps.gate.RefreshCookies(ctx)
	deps.uplink.AdjustTimeout(ctx)

	errCh := srv.Start()

	// resume tracking if it was active when the agent last ran
	if deps.gate.IsAuthenticated(ctx) {
		if active, _ := deps.store.Get(ctx, store.KeyLocationTrackingActive); active == "true" {
			log.Info().Msg("auto-starting location tracking")
			if err := tc.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("auto-start failed")
			}
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Warn().Str("signal", sig.String()).Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("bridge server failed")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	log.Info().Msg("stopping tracker...")
	tc.Stop()

	log.Info().Msg("stopping lifecycle coordinator...")
	lc.Shutdown()

	log.Info().Msg("stopping bridge server...")
	srv.Shutdown(shutdownCtx)

	log.Info().Msg("agent stopped cleanly")
	return nil
}

func runSendOnce() error {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	deps, err := buildDeps(ctx)
	if err != nil {
		return err
	}
	defer deps.close()

	deps.gate.RefreshCookies(ctx)

	sample, err := deps.sampler.Current(ctx, location.Constraints{
		HighAccuracy: deps.cfg.Tracking.HighAccuracy,
		Timeout:      time.Duration(deps.cfg.Tracking.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("acquire fix: %w", err)
	}

	result, err := deps.uplink.Send(ctx, sample)
	if err != nil {
		return fmt.Errorf("send report: %w", err)
	}

	log.Info().
		Int64("log_id", result.LogID).
		Float64("latitude", sample.Latitude).
		Float64("longitude", sample.Longitude).
		Msg("location report delivered")
	return nil
}
