// Package wmlog adapts zerolog to watermill's LoggerAdapter so the event
// bus logs through the same sink as everything else.
package wmlog

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/rs/zerolog"
)

type Logger struct {
	l zerolog.Logger
}

func New(l zerolog.Logger) watermill.LoggerAdapter {
	return Logger{l: l}
}

func (w Logger) Error(msg string, err error, fields watermill.LogFields) {
	w.l.Error().Err(err).Fields(map[string]interface{}(fields)).Msg(msg)
}

func (w Logger) Info(msg string, fields watermill.LogFields) {
	w.l.Info().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (w Logger) Debug(msg string, fields watermill.LogFields) {
	w.l.Debug().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (w Logger) Trace(msg string, fields watermill.LogFields) {
	w.l.Trace().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (w Logger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return Logger{l: w.l.With().Fields(map[string]interface{}(fields)).Logger()}
}
