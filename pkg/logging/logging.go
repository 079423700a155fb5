// Package logging builds the zap logger the rest of the daemon shares.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// New constructs a production JSON logger at the given level. When path
// is non-empty, output also goes to a size-rotated file.
func New(level, path string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	enc := zapcore.NewJSONEncoder(encCfg)

	cores := []zapcore.Core{
		zapcore.NewCore(enc, zapcore.Lock(os.Stderr), lvl),
	}
	if path != "" {
		rotator := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    50, // MB
			MaxBackups: 3,
			MaxAge:     14, // days
		}
		cores = append(cores, zapcore.NewCore(enc, zapcore.AddSync(rotator), lvl))
	}

	return zap.New(zapcore.NewTee(cores...)), nil
}
