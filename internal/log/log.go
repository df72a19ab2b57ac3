// Package log provides the process-wide structured logger.
package log

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var logger *zap.SugaredLogger

func init() {
	l, _ := zap.NewProduction()
	logger = l.Sugar()
}

// Init configures the global logger. level is one of debug/info/warn/error.
// format is "console" or "json". file, if non-empty, additionally writes to
// that path alongside stdout.
func Init(level, format, file string) error {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var encoder zapcore.Encoder
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	if format == "console" {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encCfg)
	}

	writers := []zapcore.WriteSyncer{zapcore.AddSync(os.Stdout)}
	if file != "" {
		f, err := os.OpenFile(file, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		writers = append(writers, zapcore.AddSync(f))
	}

	core := zapcore.NewCore(encoder, zapcore.NewMultiWriteSyncer(writers...), lvl)
	logger = zap.New(core, zap.AddCaller()).Sugar()
	return nil
}

// L returns the underlying sugared logger.
func L() *zap.SugaredLogger { return logger }

func Debug(args ...interface{})                 { logger.Debug(args...) }
func Debugf(template string, args ...interface{}) { logger.Debugf(template, args...) }
func Info(args ...interface{})                  { logger.Info(args...) }
func Infof(template string, args ...interface{})  { logger.Infof(template, args...) }
func Warn(args ...interface{})                  { logger.Warn(args...) }
func Warnf(template string, args ...interface{})  { logger.Warnf(template, args...) }
func Error(args ...interface{})                 { logger.Error(args...) }
func Errorf(template string, args ...interface{}) { logger.Errorf(template, args...) }
func Fatal(args ...interface{})                 { logger.Fatal(args...) }
func Fatalf(template string, args ...interface{}) { logger.Fatalf(template, args...) }

// With returns a child logger with structured fields attached, for
// components that want to tag every line with e.g. pool id.
func With(args ...interface{}) *zap.SugaredLogger { return logger.With(args...) }
