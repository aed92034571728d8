// API Gatewayサービスのエントリポイント。
// リクエストの認可と内部サービスへの転送を担当する。
// 外部からアクセス可能な唯一のサービスであり、セキュリティの境界線となる。
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nao1215/storegateway/internal/config"
	"github.com/nao1215/storegateway/internal/gateway"
	"github.com/nao1215/storegateway/pkg/logging"
	"github.com/nao1215/storegateway/pkg/telemetry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath string
	port       string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Store API Gateway",
	Long: `認証サービスにトークン検証を委譲し、認可済みのリクエストに
id-accountヘッダーを付けて内部サービスへ転送する。`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context())
	},
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "設定ファイル(YAML)のパス")
	rootCmd.Flags().StringVar(&port, "port", "", "リッスンポート（設定ファイルと環境変数より優先）")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "ログレベル (debug, info, warn, error)")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// run は設定を読み込みGatewayサーバーを起動する。
func run(ctx context.Context) error {
	logger, err := logging.New(logLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	cfg, err := loadConfig()
	if err != nil {
		logger.Error("設定の読み込みに失敗", zap.Error(err))
		return err
	}

	shutdown, err := telemetry.Init(ctx, "store-gateway", logger)
	if err != nil {
		logger.Error("トレースの初期化に失敗", zap.Error(err))
		return err
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Warn("トレースの終了処理に失敗", zap.Error(err))
		}
	}()

	server, err := gateway.NewServer(cfg, logger)
	if err != nil {
		logger.Error("Gatewayサーバーの初期化に失敗", zap.Error(err))
		return err
	}

	if err := server.Run(ctx); err != nil {
		logger.Error("Gatewayサービスの実行に失敗", zap.Error(err))
		return err
	}
	return nil
}

// loadConfig は既定値、設定ファイル、環境変数、フラグの順に設定を重ねる。
func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configPath != "" {
		loaded, err := config.LoadConfig(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := config.ApplyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if port != "" {
		cfg.Server.Port = port
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定が不正: %w", err)
	}
	return cfg, nil
}
