// Copyright 2024-2026 Aiku AI

// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"
	"go.mau.fi/util/ptr"
	"go.mau.fi/zeroconfig"
)

// DefaultSuppress lists message fragments emitted by the messaging library's
// session bookkeeping that carry no operator value.
var DefaultSuppress = []string{"Closing session", "SessionEntry", "Buffer"}

// Config is the logging section of the service configuration. Writers and
// levels use the zeroconfig schema; Suppress drops any message containing
// one of its substrings.
type Config struct {
	zeroconfig.Config `yaml:",inline"`
	Suppress          []string `yaml:"suppress"`
}

// DefaultConfig logs info and above to stdout in colored console format.
func DefaultConfig() Config {
	return Config{
		Config: zeroconfig.Config{
			MinLevel: ptr.Ptr(zerolog.InfoLevel),
			Writers: []zeroconfig.WriterConfig{{
				Type:   zeroconfig.WriterTypeStdout,
				Format: zeroconfig.LogFormatPrettyColored,
			}},
		},
		Suppress: DefaultSuppress,
	}
}

// Compile builds the logger described by c.
func (c Config) Compile() (zerolog.Logger, error) {
	log, err := c.Config.Compile()
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("failed to compile logging config: %w", err)
	}
	return WithSuppression(*log, c.Suppress), nil
}

// New returns a JSON logger writing to w, for callers that manage their own
// output.
func New(w io.Writer, level zerolog.Level, suppress []string) zerolog.Logger {
	log := zerolog.New(w).Level(level).With().Timestamp().Logger()
	return WithSuppression(log, suppress)
}

// WithSuppression attaches a hook discarding messages that contain any of
// the fragments.
func WithSuppression(log zerolog.Logger, fragments []string) zerolog.Logger {
	hook := make(suppressHook, 0, len(fragments))
	for _, f := range fragments {
		if f != "" {
			hook = append(hook, f)
		}
	}
	if len(hook) == 0 {
		return log
	}
	return log.Hook(hook)
}

type suppressHook []string

func (h suppressHook) Run(e *zerolog.Event, _ zerolog.Level, msg string) {
	for _, fragment := range h {
		if strings.Contains(msg, fragment) {
			e.Discard()
			return
		}
	}
}
