// Package config はゲートウェイの設定の読み込みと既定値を提供する。
//
// 設定はYAMLファイルから読み込み、環境変数で上書きできる。
// 起動時に一度だけ読み込み、実行中に再読み込みはしない。
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/nao1215/storegateway/internal/authz"
	"gopkg.in/yaml.v3"
)

// ServerConfig はゲートウェイのHTTPサーバー設定。
type ServerConfig struct {
	// Port はリッスンポート。
	Port string `yaml:"port"`
	// FrontendURL はCORSで許可するフロントエンドのオリジン。
	FrontendURL string `yaml:"frontend_url"`
	// ShutdownTimeout はグレースフルシャットダウンの待ち時間。
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// AuthorityConfig は認証サービスへの接続設定。
type AuthorityConfig struct {
	// URL は認証サービスのベースURL。
	URL string `yaml:"url"`
	// SolvePath はトークン解決エンドポイントのパス。
	SolvePath string `yaml:"solve_path"`
	// Timeout は1回の検証呼び出しのタイムアウト。
	Timeout time.Duration `yaml:"timeout"`
}

// Route はパス接頭辞と転送先バックエンドの対応。
type Route struct {
	// Prefix は転送対象のパス接頭辞（例: "/auth"）。
	Prefix string `yaml:"prefix"`
	// Backend は転送先のベースURL（例: "http://auth:8080"）。
	Backend string `yaml:"backend"`
}

// BackendConfig はバックエンドへの転送設定。
type BackendConfig struct {
	// Timeout はバックエンド呼び出しのタイムアウト。
	Timeout time.Duration `yaml:"timeout"`
	// Routes は転送ルートの一覧。
	Routes []Route `yaml:"routes"`
}

// Config はゲートウェイの設定全体。
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Authority AuthorityConfig `yaml:"authority"`
	Backend   BackendConfig   `yaml:"backend"`
	// OpenRoutes は認証不要なルール（"METHOD PATH" 形式）の一覧。
	OpenRoutes []string `yaml:"open_routes"`
}

// DefaultConfig は既定値を設定したConfigを返す。
// 呼び出しごとに別のインスタンスを返す。
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8080",
			FrontendURL:     "http://localhost:3000",
			ShutdownTimeout: 10 * time.Second,
		},
		Authority: AuthorityConfig{
			URL:       "http://auth:8080",
			SolvePath: authz.DefaultSolvePath,
			Timeout:   5 * time.Second,
		},
		Backend: BackendConfig{
			Timeout: 30 * time.Second,
			Routes: []Route{
				{Prefix: "/auth", Backend: "http://auth:8080"},
			},
		},
		OpenRoutes: append([]string(nil), authz.DefaultOpenRoutes...),
	}
}

// LoadConfig はYAMLファイルを読み込み、既定値に上書きしたConfigを返す。
// ファイルに書かれていない項目は既定値のまま残る。
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("設定ファイルのパースに失敗: %w", err)
	}
	return cfg, nil
}

// ApplyEnvOverrides は環境変数の値でcfgを上書きする。
// 対応する環境変数:
//   - PORT: Server.Port
//   - FRONTEND_URL: Server.FrontendURL
//   - AUTHORITY_URL: Authority.URL
//   - AUTHORITY_TIMEOUT: Authority.Timeout（例: "3s"）
//   - OPEN_ROUTES: OpenRoutes（カンマ区切り）
func ApplyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("FRONTEND_URL"); v != "" {
		cfg.Server.FrontendURL = v
	}
	if v := os.Getenv("AUTHORITY_URL"); v != "" {
		cfg.Authority.URL = v
	}
	if v := os.Getenv("AUTHORITY_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("AUTHORITY_TIMEOUTが不正: %w", err)
		}
		cfg.Authority.Timeout = d
	}
	if v := os.Getenv("OPEN_ROUTES"); v != "" {
		var routes []string
		for _, r := range strings.Split(v, ",") {
			if r = strings.TrimSpace(r); r != "" {
				routes = append(routes, r)
			}
		}
		cfg.OpenRoutes = routes
	}
	return nil
}

// Validate は設定値の整合性を検証する。
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port == "" {
		errs = append(errs, errors.New("server.portが空"))
	}
	if err := validateBaseURL(c.Authority.URL); err != nil {
		errs = append(errs, fmt.Errorf("authority.url: %w", err))
	}
	if !strings.HasPrefix(c.Authority.SolvePath, "/") {
		errs = append(errs, fmt.Errorf("authority.solve_pathは '/' で始まる必要があります: %q", c.Authority.SolvePath))
	}
	if c.Authority.Timeout <= 0 {
		errs = append(errs, errors.New("authority.timeoutは正の値である必要があります"))
	}
	if _, err := authz.ParseRouteRules(c.OpenRoutes); err != nil {
		errs = append(errs, fmt.Errorf("open_routes: %w", err))
	}
	errs = append(errs, c.validateRoutes()...)

	return errors.Join(errs...)
}

// validateRoutes は転送ルートを検証する。
// 接頭辞が入れ子になっているとルーターに登録できないため拒否する。
func (c *Config) validateRoutes() []error {
	var errs []error
	for i, r := range c.Backend.Routes {
		if !strings.HasPrefix(r.Prefix, "/") || r.Prefix == "/" || strings.HasSuffix(r.Prefix, "/") {
			errs = append(errs, fmt.Errorf("backend.routes[%d].prefixが不正: %q", i, r.Prefix))
			continue
		}
		if err := validateBaseURL(r.Backend); err != nil {
			errs = append(errs, fmt.Errorf("backend.routes[%d].backend: %w", i, err))
		}
		for j := 0; j < i; j++ {
			other := c.Backend.Routes[j].Prefix
			if r.Prefix == other || strings.HasPrefix(r.Prefix, other+"/") || strings.HasPrefix(other, r.Prefix+"/") {
				errs = append(errs, fmt.Errorf("backend.routesの接頭辞が重複: %q と %q", other, r.Prefix))
			}
		}
	}
	return errs
}

// validateBaseURL はhttpまたはhttpsの絶対URLであることを検証する。
func validateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("http(s)の絶対URLである必要があります: %q", raw)
	}
	return nil
}
