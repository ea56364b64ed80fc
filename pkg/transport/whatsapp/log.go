// Copyright 2024-2026 Aiku AI

package whatsapp

import (
	"github.com/rs/zerolog"
	waLog "go.mau.fi/whatsmeow/util/log"
)

// zeroLogger adapts a zerolog.Logger to whatsmeow's logging interface.
type zeroLogger struct {
	log zerolog.Logger
}

// NewLogger wraps log for use by whatsmeow.
func NewLogger(log zerolog.Logger) waLog.Logger {
	return zeroLogger{log: log}
}

func (z zeroLogger) Errorf(msg string, args ...interface{}) { z.log.Error().Msgf(msg, args...) }
func (z zeroLogger) Warnf(msg string, args ...interface{})  { z.log.Warn().Msgf(msg, args...) }
func (z zeroLogger) Infof(msg string, args ...interface{})  { z.log.Info().Msgf(msg, args...) }
func (z zeroLogger) Debugf(msg string, args ...interface{}) { z.log.Debug().Msgf(msg, args...) }

func (z zeroLogger) Sub(module string) waLog.Logger {
	return zeroLogger{log: z.log.With().Str("module", module).Logger()}
}
