package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/storegateway/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// backendRequest はモックバックエンドが最後に受け取ったリクエストの内容。
type backendRequest struct {
	calls    int
	method   string
	path     string
	query    string
	body     string
	accounts []string
	header   http.Header
}

// backendRecord はモックバックエンドが受け取ったリクエストを記録する。
type backendRecord struct {
	mu   sync.Mutex
	last backendRequest
}

func (b *backendRecord) snapshot() backendRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.last
	out.accounts = append([]string(nil), b.last.accounts...)
	out.header = b.last.header.Clone()
	return out
}

// testGateway はテスト用のGatewayと依存サービスをまとめたもの。
type testGateway struct {
	server         *Server
	backend        *backendRecord
	authorityCalls *atomic.Int32
}

// newTestGateway はモックの認証サービスとバックエンドを持つテスト用Gatewayを生成する。
// authorityHandlerがnilの場合は常にacct-123を返す認証サービスを使う。
func newTestGateway(t *testing.T, authorityHandler http.HandlerFunc, modify ...func(*config.Config)) *testGateway {
	t.Helper()

	if authorityHandler == nil {
		authorityHandler = func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"idAccount":"acct-123"}`))
		}
	}
	calls := &atomic.Int32{}
	authority := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		authorityHandler(w, r)
	}))
	t.Cleanup(authority.Close)

	rec := &backendRecord{}
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		rec.mu.Lock()
		rec.last.calls++
		rec.last.method = r.Method
		rec.last.path = r.URL.Path
		rec.last.query = r.URL.RawQuery
		rec.last.body = string(body)
		rec.last.accounts = r.Header.Values("id-account")
		rec.last.header = r.Header.Clone()
		rec.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Backend", "orders")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"result":"from-backend"}`))
	}))
	t.Cleanup(backend.Close)

	cfg := config.DefaultConfig()
	cfg.Server.Port = "0"
	cfg.Authority.URL = authority.URL
	cfg.Authority.Timeout = 200 * time.Millisecond
	cfg.Backend.Routes = []config.Route{
		{Prefix: "/auth", Backend: backend.URL},
		{Prefix: "/orders", Backend: backend.URL},
	}
	for _, m := range modify {
		m(cfg)
	}

	s, err := NewServer(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("Gatewayサーバーの生成に失敗: %v", err)
	}
	return &testGateway{server: s, backend: rec, authorityCalls: calls}
}

// serve はリクエストをGatewayに送りレスポンスを返す。
func (g *testGateway) serve(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	g.server.Handler().ServeHTTP(w, req)
	return w
}

// errorMessage はレスポンスボディのerrorフィールドを取り出す。
func errorMessage(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()

	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("レスポンスのパースに失敗: %v", err)
	}
	return body["error"]
}

// TestStaticEndpoints は認可パイプラインを通らないエンドポイントのテスト。
func TestStaticEndpoints(t *testing.T) {
	t.Parallel()

	t.Run("/は固定メッセージを返す", func(t *testing.T) {
		t.Parallel()

		g := newTestGateway(t, nil)
		w := g.serve(httptest.NewRequest(http.MethodGet, "/", nil))

		if w.Code != http.StatusOK {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}
		if w.Body.String() != "API for Store" {
			t.Errorf("ボディ: got %q, want %q", w.Body.String(), "API for Store")
		}
		if g.authorityCalls.Load() != 0 {
			t.Error("認証サービスを呼び出してはならない")
		}
	})

	t.Run("/health-checkはOS情報を返す", func(t *testing.T) {
		t.Parallel()

		g := newTestGateway(t, nil)
		w := g.serve(httptest.NewRequest(http.MethodGet, "/health-check", nil))

		if w.Code != http.StatusOK {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}
		var body map[string]string
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("レスポンスのパースに失敗: %v", err)
		}
		for _, key := range []string{"osArch", "osName", "osVersion"} {
			if body[key] == "" {
				t.Errorf("%sが空", key)
			}
		}
		if g.authorityCalls.Load() != 0 {
			t.Error("認証サービスを呼び出してはならない")
		}
	})

	t.Run("レスポンスにX-Request-IDが付与される", func(t *testing.T) {
		t.Parallel()

		g := newTestGateway(t, nil)
		w := g.serve(httptest.NewRequest(http.MethodGet, "/", nil))
		if w.Header().Get("X-Request-ID") == "" {
			t.Error("X-Request-IDが付与されていない")
		}
	})

	t.Run("未定義のパスは404を返す", func(t *testing.T) {
		t.Parallel()

		g := newTestGateway(t, nil)
		w := g.serve(httptest.NewRequest(http.MethodGet, "/unknown", nil))
		if w.Code != http.StatusNotFound {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusNotFound)
		}
	})
}

// TestOpenRoutes は認証不要なルートの転送を検証する。
func TestOpenRoutes(t *testing.T) {
	t.Parallel()

	t.Run("POST /auth/registerは検証せずに転送する", func(t *testing.T) {
		t.Parallel()

		g := newTestGateway(t, nil)
		req := httptest.NewRequest(http.MethodPost, "/auth/register", strings.NewReader(`{"email":"a@example.com"}`))
		req.Header.Set("Content-Type", "application/json")
		w := g.serve(req)

		if w.Code != http.StatusCreated {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusCreated)
		}
		rec := g.backend.snapshot()
		if rec.calls != 1 {
			t.Fatalf("バックエンドの呼び出し回数: got %d, want 1", rec.calls)
		}
		if rec.path != "/auth/register" {
			t.Errorf("転送先パス: got %q, want %q", rec.path, "/auth/register")
		}
		if rec.body != `{"email":"a@example.com"}` {
			t.Errorf("転送されたボディ: got %q", rec.body)
		}
		if len(rec.accounts) != 0 {
			t.Errorf("id-accountを付与してはならない: %v", rec.accounts)
		}
		if g.authorityCalls.Load() != 0 {
			t.Errorf("認証サービスの呼び出し回数: got %d, want 0", g.authorityCalls.Load())
		}
	})

	t.Run("クライアントが送ったid-accountは取り除かれる", func(t *testing.T) {
		t.Parallel()

		g := newTestGateway(t, nil)
		req := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
		req.Header.Set("id-account", "spoofed")
		w := g.serve(req)

		if w.Code != http.StatusCreated {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusCreated)
		}
		if rec := g.backend.snapshot(); len(rec.accounts) != 0 {
			t.Errorf("偽装されたid-accountが転送された: %v", rec.accounts)
		}
	})
}

// TestSecuredRoutes は認証が必要なルートの認可を検証する。
func TestSecuredRoutes(t *testing.T) {
	t.Parallel()

	t.Run("GET /auth/loginはメソッドが異なるため認証必須となる", func(t *testing.T) {
		t.Parallel()

		g := newTestGateway(t, nil)
		w := g.serve(httptest.NewRequest(http.MethodGet, "/auth/login", nil))

		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusUnauthorized)
		}
		if got := errorMessage(t, w); got != "missing credential" {
			t.Errorf("error: got %q, want %q", got, "missing credential")
		}
		if g.backend.snapshot().calls != 0 {
			t.Error("バックエンドを呼び出してはならない")
		}
	})

	t.Run("形式が不正なヘッダーは認証サービスを呼ばずに401を返す", func(t *testing.T) {
		t.Parallel()

		g := newTestGateway(t, nil)
		req := httptest.NewRequest(http.MethodGet, "/orders", nil)
		req.Header.Set("Authorization", "Token abc")
		w := g.serve(req)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusUnauthorized)
		}
		if got := errorMessage(t, w); got != "malformed header" {
			t.Errorf("error: got %q, want %q", got, "malformed header")
		}
		if g.authorityCalls.Load() != 0 {
			t.Error("認証サービスを呼び出してはならない")
		}
	})

	t.Run("検証に成功するとid-accountを付与して転送しレスポンスをそのまま返す", func(t *testing.T) {
		t.Parallel()

		var gotJWT string
		g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			gotJWT = body["jwt"]
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"idAccount":"acct-123"}`))
		})

		req := httptest.NewRequest(http.MethodPut, "/orders/42?expand=items", strings.NewReader(`{"qty":2}`))
		req.Header.Set("Authorization", "Bearer good-token")
		req.Header.Set("id-account", "spoofed")
		w := g.serve(req)

		if w.Code != http.StatusCreated {
			t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusCreated)
		}
		if w.Header().Get("X-Backend") != "orders" {
			t.Error("バックエンドのレスポンスヘッダーが返っていない")
		}
		if w.Body.String() != `{"result":"from-backend"}` {
			t.Errorf("ボディ: got %q", w.Body.String())
		}
		if gotJWT != "good-token" {
			t.Errorf("認証サービスに送ったjwt: got %q, want %q", gotJWT, "good-token")
		}

		rec := g.backend.snapshot()
		if rec.method != http.MethodPut || rec.path != "/orders/42" || rec.query != "expand=items" {
			t.Errorf("転送先: got %s %s?%s", rec.method, rec.path, rec.query)
		}
		if rec.body != `{"qty":2}` {
			t.Errorf("転送されたボディ: got %q", rec.body)
		}
		if len(rec.accounts) != 1 || rec.accounts[0] != "acct-123" {
			t.Errorf("id-account: got %v, want [acct-123]", rec.accounts)
		}
		if rec.header.Get("Authorization") != "Bearer good-token" {
			t.Error("Authorizationヘッダーも転送されるべき")
		}
		if req.Header.Get("id-account") != "spoofed" {
			t.Error("元のリクエストを変更してはならない")
		}
	})

	failures := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "認証サービスが401を返す",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusUnauthorized)
			},
		},
		{
			name: "認証サービスが500を返す",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			},
		},
		{
			name: "idAccountがない",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Write([]byte(`{}`))
			},
		},
		{
			name: "認証サービスがタイムアウトする",
			handler: func(w http.ResponseWriter, r *http.Request) {
				select {
				case <-time.After(2 * time.Second):
				case <-r.Context().Done():
				}
			},
		},
	}
	for _, tt := range failures {
		t.Run("401を返し転送しない: "+tt.name, func(t *testing.T) {
			t.Parallel()

			g := newTestGateway(t, tt.handler)
			req := httptest.NewRequest(http.MethodGet, "/orders", nil)
			req.Header.Set("Authorization", "Bearer token")
			w := g.serve(req)

			if w.Code != http.StatusUnauthorized {
				t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusUnauthorized)
			}
			if got := errorMessage(t, w); got != "invalid token" {
				t.Errorf("error: got %q, want %q", got, "invalid token")
			}
			if g.backend.snapshot().calls != 0 {
				t.Error("バックエンドを呼び出してはならない")
			}
			if g.authorityCalls.Load() != 1 {
				t.Errorf("認証サービスの呼び出し回数: got %d, want 1", g.authorityCalls.Load())
			}
		})
	}

	t.Run("同時に処理してもリクエスト間で結果が混ざらない", func(t *testing.T) {
		t.Parallel()

		g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			if body["jwt"] == "bad" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.Write([]byte(`{"idAccount":"acct-` + body["jwt"] + `"}`))
		})

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				token, want := "ok", http.StatusCreated
				if i%2 == 0 {
					token, want = "bad", http.StatusUnauthorized
				}
				req := httptest.NewRequest(http.MethodGet, "/orders", nil)
				req.Header.Set("Authorization", "Bearer "+token)
				if w := g.serve(req); w.Code != want {
					t.Errorf("%d: ステータスコード: got %d, want %d", i, w.Code, want)
				}
			}(i)
		}
		wg.Wait()

		if got := g.backend.snapshot().calls; got != 10 {
			t.Errorf("バックエンドの呼び出し回数: got %d, want 10", got)
		}
	})
}

// TestForward はバックエンドへの転送処理のテスト。
func TestForward(t *testing.T) {
	t.Parallel()

	t.Run("バックエンドに接続できない場合は502を返す", func(t *testing.T) {
		t.Parallel()

		g := newTestGateway(t, nil, func(c *config.Config) {
			c.Backend.Routes = append(c.Backend.Routes, config.Route{Prefix: "/down", Backend: "http://127.0.0.1:1"})
		})
		req := httptest.NewRequest(http.MethodGet, "/down/x", nil)
		req.Header.Set("Authorization", "Bearer token")
		w := g.serve(req)

		if w.Code != http.StatusBadGateway {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusBadGateway)
		}
	})

	t.Run("ホップバイホップヘッダーは転送しない", func(t *testing.T) {
		t.Parallel()

		g := newTestGateway(t, nil)
		req := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
		req.Header.Set("Proxy-Authorization", "Basic xxx")
		req.Header.Set("Keep-Alive", "timeout=5")
		req.Header.Set("X-Custom", "kept")
		g.serve(req)

		rec := g.backend.snapshot()
		if rec.header.Get("Proxy-Authorization") != "" || rec.header.Get("Keep-Alive") != "" {
			t.Error("ホップバイホップヘッダーが転送された")
		}
		if rec.header.Get("X-Custom") != "kept" {
			t.Error("通常のヘッダーは転送されるべき")
		}
		if rec.header.Get("X-Forwarded-For") == "" {
			t.Error("X-Forwarded-Forが付与されていない")
		}
	})
}

// TestNewServer はサーバー生成時の設定検証を確認する。
func TestNewServer(t *testing.T) {
	t.Parallel()

	t.Run("不正な認証不要ルールでエラーになる", func(t *testing.T) {
		t.Parallel()

		cfg := config.DefaultConfig()
		cfg.OpenRoutes = []string{"POST"}
		if _, err := NewServer(cfg, zap.NewNop()); err == nil {
			t.Error("NewServer()がエラーを返すべき")
		}
	})

	t.Run("Runはコンテキストのキャンセルで停止する", func(t *testing.T) {
		t.Parallel()

		cfg := config.DefaultConfig()
		cfg.Server.Port = "0"
		s, err := NewServer(cfg, zap.NewNop())
		if err != nil {
			t.Fatalf("NewServer()でエラーが発生: %v", err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- s.Run(ctx) }()

		time.Sleep(50 * time.Millisecond)
		cancel()

		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run()がエラーを返した: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("Run()が停止しない")
		}
	})
}

// TestForwardEscapedPath はエンコードされたパスがそのまま転送されることを検証する。
func TestForwardEscapedPath(t *testing.T) {
	t.Parallel()

	g := newTestGateway(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/orders/a%3Fb%23c?x=1", nil)
	req.Header.Set("Authorization", "Bearer token")
	w := g.serve(req)

	if w.Code != http.StatusCreated {
		t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusCreated)
	}
	rec := g.backend.snapshot()
	if rec.path != "/orders/a?b#c" {
		t.Errorf("バックエンドが受け取ったパス: got %q, want %q", rec.path, "/orders/a?b#c")
	}
	if rec.query != "x=1" {
		t.Errorf("バックエンドが受け取ったクエリ: got %q, want %q", rec.query, "x=1")
	}
}

// TestDotSegments はドットセグメントで認証不要ルールを回避できないことを検証する。
func TestDotSegments(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		target string
	}{
		{name: "..で認証不要ルールの外に出るパスは400になる", target: "/orders/public/../admin/secrets"},
		{name: "エンコードされた..も400になる", target: "/orders/public/%2e%2e/admin/secrets"},
		{name: ".を含むパスも400になる", target: "/orders/public/./list"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			g := newTestGateway(t, nil, func(c *config.Config) {
				c.OpenRoutes = append(c.OpenRoutes, "GET /orders/public/**")
			})
			w := g.serve(httptest.NewRequest(http.MethodGet, tt.target, nil))

			if w.Code != http.StatusBadRequest {
				t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusBadRequest)
			}
			if calls := g.backend.snapshot().calls; calls != 0 {
				t.Errorf("バックエンド呼び出し回数: got %d, want 0", calls)
			}
			if calls := g.authorityCalls.Load(); calls != 0 {
				t.Errorf("認証サービス呼び出し回数: got %d, want 0", calls)
			}
		})
	}

	t.Run("認証不要ルール配下の通常のパスは転送される", func(t *testing.T) {
		t.Parallel()

		g := newTestGateway(t, nil, func(c *config.Config) {
			c.OpenRoutes = append(c.OpenRoutes, "GET /orders/public/**")
		})
		w := g.serve(httptest.NewRequest(http.MethodGet, "/orders/public/list", nil))

		if w.Code != http.StatusCreated {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusCreated)
		}
	})
}

// TestOptionsRequests はOPTIONSリクエストが認可パイプラインを通ることを検証する。
func TestOptionsRequests(t *testing.T) {
	t.Parallel()

	t.Run("認証が必要なルートへの認証情報なしのOPTIONSは401になる", func(t *testing.T) {
		t.Parallel()

		g := newTestGateway(t, nil)
		w := g.serve(httptest.NewRequest(http.MethodOptions, "/orders/42", nil))

		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusUnauthorized)
		}
		if got := errorMessage(t, w); got != "missing credential" {
			t.Errorf("エラーメッセージ: got %q, want %q", got, "missing credential")
		}
		if calls := g.backend.snapshot().calls; calls != 0 {
			t.Errorf("バックエンド呼び出し回数: got %d, want 0", calls)
		}
	})

	t.Run("OPTIONSの認証不要ルールに一致すればバックエンドに転送される", func(t *testing.T) {
		t.Parallel()

		g := newTestGateway(t, nil, func(c *config.Config) {
			c.OpenRoutes = append(c.OpenRoutes, "OPTIONS /orders/**")
		})
		w := g.serve(httptest.NewRequest(http.MethodOptions, "/orders/42", nil))

		if w.Code != http.StatusCreated {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusCreated)
		}
		rec := g.backend.snapshot()
		if rec.calls != 1 || rec.method != http.MethodOptions {
			t.Errorf("バックエンド呼び出し: calls=%d method=%q, want 1 OPTIONS", rec.calls, rec.method)
		}
	})

	t.Run("許可されたオリジンからのプリフライトは204になる", func(t *testing.T) {
		t.Parallel()

		g := newTestGateway(t, nil)
		req := httptest.NewRequest(http.MethodOptions, "/orders/42", nil)
		req.Header.Set("Origin", "http://localhost:3000")
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		w := g.serve(req)

		if w.Code != http.StatusNoContent {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusNoContent)
		}
		if calls := g.backend.snapshot().calls; calls != 0 {
			t.Errorf("バックエンド呼び出し回数: got %d, want 0", calls)
		}
	})
}

// TestNewServerLogsOpenRoutes は認証不要ルールが起動時にログ出力されることを検証する。
func TestNewServerLogsOpenRoutes(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	cfg := config.DefaultConfig()
	if _, err := NewServer(cfg, zap.New(core)); err != nil {
		t.Fatalf("NewServer()でエラーが発生: %v", err)
	}

	entries := logs.FilterMessage("認証不要ルート").All()
	if len(entries) != len(cfg.OpenRoutes) {
		t.Fatalf("ログ件数: got %d, want %d", len(entries), len(cfg.OpenRoutes))
	}
	for i, e := range entries {
		if got := e.ContextMap()["rule"]; got != cfg.OpenRoutes[i] {
			t.Errorf("rule[%d]: got %v, want %q", i, got, cfg.OpenRoutes[i])
		}
	}
}
