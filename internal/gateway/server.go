package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/storegateway/internal/authz"
	"github.com/nao1215/storegateway/internal/config"
	"github.com/nao1215/storegateway/pkg/httpclient"
	"github.com/nao1215/storegateway/pkg/middleware"
	"github.com/nao1215/storegateway/pkg/telemetry"
	"go.uber.org/zap"
)

// serviceName はトレースに記録するサービス名。
const serviceName = "store-gateway"

// greeting は "/" が返す固定メッセージ。
const greeting = "API for Store"

// Server はAPI GatewayサービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// cfg は起動時に読み込んだ設定。
	cfg *config.Config
	// logger はログ出力先。
	logger *zap.Logger
	// pipeline は認可パイプライン。
	pipeline *authz.Pipeline
	// backendClient はバックエンド転送用のHTTPクライアント。
	backendClient *http.Client
}

// NewServer は新しいGatewayサーバーを生成する。
func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定が不正: %w", err)
	}

	rules, err := authz.ParseRouteRules(cfg.OpenRoutes)
	if err != nil {
		return nil, fmt.Errorf("認証不要ルールの変換に失敗: %w", err)
	}
	authority := httpclient.New(cfg.Authority.URL,
		httpclient.WithHTTPClient(telemetry.InstrumentClient(&http.Client{})),
		httpclient.WithTimeout(cfg.Authority.Timeout),
	)
	verifier := authz.NewAuthorityClient(authority, cfg.Authority.SolvePath, cfg.Authority.Timeout)

	return newServer(cfg, logger, verifier, rules), nil
}

// newServer は検証器を差し替えられるサーバーの生成処理。
func newServer(cfg *config.Config, logger *zap.Logger, verifier authz.Verifier, rules []authz.RouteRule) *Server {
	router := gin.New()
	router.Use(middleware.RequestID())
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.Logger(logger))
	router.Use(middleware.CORS([]string{cfg.Server.FrontendURL}))

	backendClient := telemetry.InstrumentClient(&http.Client{Timeout: cfg.Backend.Timeout})
	// リダイレクトは追わずにクライアントへそのまま返す
	backendClient.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	classifier := authz.NewClassifier(rules)
	for _, r := range classifier.Rules() {
		logger.Info("認証不要ルート", zap.String("rule", r.String()))
	}

	s := &Server{
		router:        router,
		cfg:           cfg,
		logger:        logger,
		pipeline:      authz.NewPipeline(classifier, verifier, logger.Named("authz")),
		backendClient: backendClient,
	}
	s.setupRoutes()

	return s
}

// Handler はトレースを付与したHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return telemetry.HTTPMiddleware(serviceName, s.router)
}

// Run はHTTPサーバーを起動し、ctxがキャンセルされるとグレースフルに停止する。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", s.cfg.Server.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Gatewayサービスを起動します", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Gatewayサービスを停止します")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("シャットダウンに失敗: %w", err)
	}
	return nil
}

// setupRoutes はルーティングを設定する。
func (s *Server) setupRoutes() {
	// 認可パイプラインを通らないエンドポイント
	s.router.GET("/", s.handleHello())
	s.router.GET("/health-check", s.handleHealthCheck())

	// 内部サービスへの転送。ドットセグメントを含むパスは認可判定の前に拒否し、
	// クライアントが送ったid-accountは必ず取り除く
	secured := s.router.Group("",
		middleware.RejectDotSegments(),
		middleware.StripHeaders(authz.HeaderAccountID),
		s.pipeline.Middleware(),
	)
	for _, route := range s.cfg.Backend.Routes {
		secured.Any(route.Prefix+"/*path", s.handleForward(route.Backend))
		s.logger.Info("転送ルート", zap.String("prefix", route.Prefix), zap.String("backend", route.Backend))
	}
}

// handleHello は固定の挨拶を返すハンドラを返す。
func (s *Server) handleHello() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.String(http.StatusOK, greeting)
	}
}

// handleHealthCheck は稼働中のOS情報を返すハンドラを返す。
func (s *Server) handleHealthCheck() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"osArch":    runtime.GOARCH,
			"osName":    runtime.GOOS,
			"osVersion": osVersion(),
		})
	}
}

// osVersion はカーネルのリリース番号を返す。取得できない場合は "unknown"。
func osVersion() string {
	b, err := os.ReadFile("/proc/sys/kernel/osrelease")
	if err != nil {
		return "unknown"
	}
	if v := strings.TrimSpace(string(b)); v != "" {
		return v
	}
	return "unknown"
}
