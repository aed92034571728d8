package authority

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/nao1215/storegateway/pkg/middleware"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"
)

// DefaultTokenTTL はトークンの既定の有効期間。
const DefaultTokenTTL = 24 * time.Hour

// Config は認証サービスの設定。
type Config struct {
	// Port はリッスンポート。
	Port string
	// DatabasePath はSQLiteファイルのパス。":memory:" も指定できる。
	DatabasePath string
	// JWTSecret はトークン署名用の秘密鍵。
	JWTSecret string
	// TokenTTL はトークンの有効期間。0の場合は DefaultTokenTTL。
	TokenTTL time.Duration
}

// Server は開発用認証サービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// cfg はサービスの設定。
	cfg Config
	// db はSQLiteデータベース接続。
	db *sql.DB
	// store はアカウントの永続化層。
	store *store
	// logger はログ出力先。
	logger *zap.Logger
	// now は現在時刻を返す。テストで差し替える。
	now func() time.Time
}

// NewServer は新しい認証サーバーを生成する。
// SQLiteデータベースの接続とスキーマ作成を行う。
func NewServer(cfg Config, logger *zap.Logger) (*Server, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWTの秘密鍵が設定されていません")
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = ":memory:"
	}

	db, err := sql.Open("sqlite", cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	// SQLiteは書き込みが直列化されるため接続は1本にする
	db.SetMaxOpenConns(1)

	if err := initSchema(db, logger); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}

	router := gin.New()
	router.Use(middleware.RequestID())
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.Logger(logger))

	s := &Server{
		router: router,
		cfg:    cfg,
		db:     db,
		store:  &store{db: db},
		logger: logger,
		now:    time.Now,
	}
	s.setupRoutes()

	return s, nil
}

// Handler はHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Close はデータベース接続を閉じる。
func (s *Server) Close() error {
	return s.db.Close()
}

// Run はHTTPサーバーを起動し、ctxがキャンセルされると停止する。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", s.cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("認証サービスを起動します", zap.String("addr", srv.Addr))
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

	s.logger.Info("認証サービスを停止します")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// setupRoutes はルーティングを設定する。
func (s *Server) setupRoutes() {
	auth := s.router.Group("/auth")
	{
		// アカウント登録
		auth.POST("/register", s.handleRegister())
		// ログインしてトークンを発行
		auth.POST("/login", s.handleLogin())
		// トークンからアカウントIDを解決
		auth.POST("/solve", s.handleSolve())
	}

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "authority"})
	})
}

// credentialsRequest は登録とログインのリクエストのJSON構造。
type credentialsRequest struct {
	// Email はメールアドレス。
	Email string `json:"email" binding:"required,email"`
	// Password は平文のパスワード。
	Password string `json:"password" binding:"required,min=8,max=72"`
}

// solveRequest はトークン解決リクエストのJSON構造。
type solveRequest struct {
	// JWT は検証するトークン。
	JWT string `json:"jwt" binding:"required"`
}

// handleRegister はアカウント登録を処理するハンドラを返す。
func (s *Server) handleRegister() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req credentialsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
		if err != nil {
			s.logger.Error("パスワードのハッシュ化に失敗", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "アカウントの作成に失敗しました"})
			return
		}

		account := Account{
			ID:           uuid.New().String(),
			Email:        normalizeEmail(req.Email),
			PasswordHash: string(hash),
		}
		if err := s.store.createAccount(c.Request.Context(), account); err != nil {
			if errors.Is(err, ErrDuplicateEmail) {
				c.JSON(http.StatusConflict, gin.H{"error": "メールアドレスは既に登録されています"})
				return
			}
			s.logger.Error("アカウントの作成に失敗", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "アカウントの作成に失敗しました"})
			return
		}

		s.logger.Info("アカウントを登録しました", zap.String("id_account", account.ID))
		c.JSON(http.StatusCreated, gin.H{"idAccount": account.ID})
	}
}

// handleLogin はログインを処理し、JWTトークンを返すハンドラを返す。
// メールアドレスの存在有無は応答から区別できないようにする。
func (s *Server) handleLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req credentialsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "認証情報が正しくありません"})
			return
		}

		account, err := s.store.getAccountByEmail(c.Request.Context(), normalizeEmail(req.Email))
		if err != nil {
			if !errors.Is(err, ErrAccountNotFound) {
				s.logger.Error("アカウントの取得に失敗", zap.Error(err))
			}
			c.JSON(http.StatusUnauthorized, gin.H{"error": "認証情報が正しくありません"})
			return
		}

		if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(req.Password)); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "認証情報が正しくありません"})
			return
		}

		token, err := issueToken([]byte(s.cfg.JWTSecret), account.ID, s.cfg.TokenTTL, s.now())
		if err != nil {
			s.logger.Error("トークンの発行に失敗", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "トークンの発行に失敗しました"})
			return
		}

		if err := s.store.updateLastLogin(c.Request.Context(), account.ID); err != nil {
			s.logger.Warn("最終ログイン日時の更新に失敗", zap.Error(err))
		}

		c.JSON(http.StatusOK, gin.H{"jwt": token})
	}
}

// handleSolve はトークンを検証してアカウントIDを返すハンドラを返す。
// 削除済みアカウントのトークンは無効として扱う。
func (s *Server) handleSolve() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req solveRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "トークンが無効です"})
			return
		}

		accountID, err := parseToken([]byte(s.cfg.JWTSecret), req.JWT)
		if err != nil {
			s.logger.Debug("トークンの検証に失敗", zap.Error(err))
			c.JSON(http.StatusUnauthorized, gin.H{"error": "トークンが無効です"})
			return
		}

		if _, err := s.store.getAccountByID(c.Request.Context(), accountID); err != nil {
			if !errors.Is(err, ErrAccountNotFound) {
				s.logger.Error("アカウントの取得に失敗", zap.Error(err))
			}
			c.JSON(http.StatusUnauthorized, gin.H{"error": "トークンが無効です"})
			return
		}

		c.JSON(http.StatusOK, gin.H{"idAccount": accountID})
	}
}

// normalizeEmail はメールアドレスを比較用に正規化する。
func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
