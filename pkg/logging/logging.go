// Package logging はzapロガーの生成を提供する。
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New はログレベルに応じたロガーを生成し、グローバルロガーとして登録する。
// "debug" の場合は開発用の設定、それ以外は本番用のJSON出力を使う。
func New(level string) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)

	switch strings.ToLower(level) {
	case "debug":
		logger, err = zap.NewDevelopment()
	default:
		cfg := zap.NewProductionConfig()
		cfg.EncoderConfig.CallerKey = zapcore.OmitKey
		cfg.EncoderConfig.TimeKey = "time"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		if level != "" {
			lvl, perr := zapcore.ParseLevel(level)
			if perr != nil {
				return nil, fmt.Errorf("ログレベルが不正: %w", perr)
			}
			cfg.Level = zap.NewAtomicLevelAt(lvl)
		}
		logger, err = cfg.Build()
	}
	if err != nil {
		return nil, fmt.Errorf("ロガーの生成に失敗: %w", err)
	}

	zap.ReplaceGlobals(logger)
	return logger, nil
}
