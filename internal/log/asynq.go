package log

import (
	"strings"

	"github.com/hibiken/asynq"
)

// AsynqLogger routes asynq's internal logging into the global zap core.
type AsynqLogger struct{}

var _ asynq.Logger = AsynqLogger{}

func (AsynqLogger) Debug(args ...interface{}) { zapLog.Sugar().Named("asynq").Debug(args...) }
func (AsynqLogger) Info(args ...interface{})  { zapLog.Sugar().Named("asynq").Info(args...) }
func (AsynqLogger) Warn(args ...interface{})  { zapLog.Sugar().Named("asynq").Warn(args...) }
func (AsynqLogger) Error(args ...interface{}) { zapLog.Sugar().Named("asynq").Error(args...) }
func (AsynqLogger) Fatal(args ...interface{}) { zapLog.Sugar().Named("asynq").Fatal(args...) }

// AsynqLevel maps a configured log level name onto asynq's level.
func AsynqLevel(level string) asynq.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return asynq.DebugLevel
	case "warn":
		return asynq.WarnLevel
	case "error":
		return asynq.ErrorLevel
	default:
		return asynq.InfoLevel
	}
}
