// Copyright 2024-2026 Aiku AI

package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Keepalive pings a public URL of this service so hosts that idle out
// quiet instances keep it running.
type Keepalive struct {
	URL      string
	Interval time.Duration
	Client   *http.Client
	Log      zerolog.Logger
}

// Run pings until ctx is done. Failures are logged and retried on the next
// tick.
func (k *Keepalive) Run(ctx context.Context) {
	client := k.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	target := strings.TrimRight(k.URL, "/") + "/api/ping"
	log := k.Log.With().Str("component", "keepalive").Str("url", target).Logger()
	log.Info().Dur("interval", k.Interval).Msg("Starting keepalive")

	ticker := time.NewTicker(k.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ping(ctx, client, target); err != nil {
				log.Warn().Err(err).Msg("Keepalive ping failed")
			} else {
				log.Trace().Msg("Keepalive ping succeeded")
			}
		}
	}
}

func ping(ctx context.Context, client *http.Client, target string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
