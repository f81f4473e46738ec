package log

import (
	"io"

	"github.com/rs/zerolog"
)

// Config is the configuration of the zerolog based logger.
type Config struct {
	// Output is where log lines are written. Usually stderr.
	Output io.Writer
	// Debug enables debug level logging, otherwise info and above.
	Debug bool
	// Plain disables the human friendly console format.
	Plain bool
}

type zeroLogger struct {
	logger zerolog.Logger
}

// NewZerolog returns a logger implemented on top of zerolog.
func NewZerolog(cfg Config) Logger {
	var out io.Writer = zerolog.ConsoleWriter{Out: cfg.Output}
	if cfg.Plain {
		out = cfg.Output
	}

	level := zerolog.InfoLevel
	if cfg.Debug {
		level = zerolog.DebugLevel
	}

	logger := zerolog.New(out).With().Timestamp().Logger().Level(level)
	return zeroLogger{logger: logger}
}

func (z zeroLogger) Infof(format string, args ...interface{}) {
	z.logger.Info().Msgf(format, args...)
}

func (z zeroLogger) Warningf(format string, args ...interface{}) {
	z.logger.Warn().Msgf(format, args...)
}

func (z zeroLogger) Errorf(format string, args ...interface{}) {
	z.logger.Error().Msgf(format, args...)
}

func (z zeroLogger) Debugf(format string, args ...interface{}) {
	z.logger.Debug().Msgf(format, args...)
}

func (z zeroLogger) WithValues(values map[string]interface{}) Logger {
	ctx := z.logger.With()
	for k, v := range values {
		ctx = ctx.Interface(k, v)
	}
	return zeroLogger{logger: ctx.Logger()}
}
