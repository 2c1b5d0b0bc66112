package app

import (
	"fmt"

	"github.com/rs/zerolog"
)

// TaskLogger adapts zerolog to asynq.Logger.
type TaskLogger struct {
	Logger zerolog.Logger
}

func (l TaskLogger) Debug(args ...interface{}) { l.Logger.Debug().Msg(fmt.Sprint(args...)) }
func (l TaskLogger) Info(args ...interface{})  { l.Logger.Info().Msg(fmt.Sprint(args...)) }
func (l TaskLogger) Warn(args ...interface{})  { l.Logger.Warn().Msg(fmt.Sprint(args...)) }
func (l TaskLogger) Error(args ...interface{}) { l.Logger.Error().Msg(fmt.Sprint(args...)) }

// Fatal logs without exiting so that asynq shutdown can proceed.
func (l TaskLogger) Fatal(args ...interface{}) {
	l.Logger.WithLevel(zerolog.FatalLevel).Msg(fmt.Sprint(args...))
}
