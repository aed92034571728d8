// 開発用認証サービスのエントリポイント。
// アカウント登録、ログイン、トークン解決を提供する。
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nao1215/storegateway/internal/authority"
	"github.com/nao1215/storegateway/pkg/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	port     string
	dbPath   string
	tokenTTL time.Duration
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:          "authority",
	Short:        "Store development authority",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context())
	},
}

func init() {
	rootCmd.Flags().StringVar(&port, "port", envOr("PORT", "8080"), "リッスンポート")
	rootCmd.Flags().StringVar(&dbPath, "database", envOr("DATABASE_PATH", "/data/auth.db"), "SQLiteファイルのパス")
	rootCmd.Flags().DurationVar(&tokenTTL, "token-ttl", authority.DefaultTokenTTL, "トークンの有効期間")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "ログレベル (debug, info, warn, error)")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// run は認証サービスを起動する。
func run(ctx context.Context) error {
	logger, err := logging.New(logLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		secret = "dev-secret-key"
		logger.Warn("JWT_SECRETが未設定のため開発用の秘密鍵を使います")
	}

	server, err := authority.NewServer(authority.Config{
		Port:         port,
		DatabasePath: dbPath,
		JWTSecret:    secret,
		TokenTTL:     tokenTTL,
	}, logger)
	if err != nil {
		logger.Error("認証サーバーの初期化に失敗", zap.Error(err))
		return err
	}
	defer server.Close() //nolint:errcheck

	if err := server.Run(ctx); err != nil {
		logger.Error("認証サービスの実行に失敗", zap.Error(err))
		return err
	}
	return nil
}

// envOr は環境変数の値を返す。未設定の場合はfallbackを返す。
func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
