// Copyright 2024-2026 Aiku AI

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/aiku/statuswatch/pkg/api"
	"github.com/aiku/statuswatch/pkg/config"
	"github.com/aiku/statuswatch/pkg/settings"
	"github.com/aiku/statuswatch/pkg/transport/whatsapp"
	"github.com/aiku/statuswatch/pkg/watcher"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the configured sessions and the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			log, err := cfg.Logging.Compile()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	log.Info().
		Str("version", version).
		Str("commit", Commit).
		Str("data_dir", cfg.DataDir).
		Strs("sessions", cfg.Sessions).
		Msg("Starting statuswatch")

	store := settings.NewFileStore(cfg.SettingsFile, log)
	factory := whatsapp.NewFactory(cfg.DataDir, cfg.DeviceName, log)
	registry := watcher.NewRegistry(ctx, factory, store, cfg.Policy(), log)
	defer registry.Close()

	for _, id := range cfg.Sessions {
		registry.GetOrCreate(ctx, id)
	}
	if err := store.Watch(ctx, registry.ApplySettings); err != nil {
		log.Warn().Err(err).Msg("Settings file edits will not be picked up")
	}
	go logTransitions(ctx, registry, log)

	if cfg.Keepalive.URL != "" {
		k := &api.Keepalive{URL: cfg.Keepalive.URL, Interval: cfg.Keepalive.Interval, Log: log}
		go k.Run(ctx)
	}

	err := api.NewServer(registry, cfg.API.Token, log).ListenAndServe(ctx, cfg.API.Addr)
	log.Info().Msg("Shutting down")
	return err
}

// logTransitions logs each change of a session's connection status.
func logTransitions(ctx context.Context, registry *watcher.Registry, log zerolog.Logger) {
	updates, cancel := registry.Subscribe(64)
	defer cancel()
	last := make(map[string]watcher.ConnectionStatus)
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-updates:
			if !ok {
				return
			}
			if prev, seen := last[st.ID]; seen && prev == st.ConnectionStatus {
				continue
			}
			last[st.ID] = st.ConnectionStatus
			evt := log.Info().Str("session_id", st.ID).Stringer("status", st.ConnectionStatus)
			if st.AuthorizationPayload != nil {
				evt = evt.Str("hint", "scan the pairing code from GET /api/sessions/"+st.ID)
			}
			evt.Msg("Session status changed")
		}
	}
}
