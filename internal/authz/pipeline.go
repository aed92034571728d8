package authz

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// HeaderAccountID は検証済みアカウントIDを後段のサービスに伝えるHTTPヘッダー。
const HeaderAccountID = "id-account"

// contextKeyAccountID はGinコンテキストにアカウントIDを格納するキー。
const contextKeyAccountID = "id_account"

// Decision は1リクエストに対する認可の判定結果。
// リクエストごとに新しく計算され、保存されることはない。
type Decision struct {
	// Secured は認証が必要なルートだったかどうか。
	Secured bool
	// Identity は検証済みのアカウント。Allowed()かつSecuredのときのみ有効。
	Identity Identity
	// Err は拒否理由。nilなら許可。
	Err error
}

// Allowed はリクエストを後段に渡してよいときにtrueを返す。
func (d Decision) Allowed() bool {
	return d.Err == nil
}

// Pipeline はルート判定、トークン抽出、トークン検証をまとめた認可処理。
// リクエスト間で共有する可変状態を持たない。
type Pipeline struct {
	// classifier は認証要否の判定器。
	classifier *Classifier
	// verifier はトークンの検証器。
	verifier Verifier
	// logger はログ出力先。
	logger *zap.Logger
}

// NewPipeline は認可パイプラインを生成する。
func NewPipeline(classifier *Classifier, verifier Verifier, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		classifier: classifier,
		verifier:   verifier,
		logger:     logger,
	}
}

// Decide はリクエストのメソッド、パス、ヘッダーから認可の判定を行う。
// 認証不要なルートの場合は認証サービスを呼び出さない。
func (p *Pipeline) Decide(ctx context.Context, method, path string, header http.Header) Decision {
	log := p.logger.With(zap.String("method", method), zap.String("path", path))

	if !p.classifier.IsSecured(method, path) {
		log.Debug("認証不要なルート")
		return Decision{}
	}

	token, err := ExtractBearer(header)
	if err != nil {
		log.Debug("Authorizationヘッダーを受け付けられない", zap.Error(err))
		return Decision{Secured: true, Err: err}
	}

	identity, err := p.verifier.Verify(ctx, token)
	if err != nil {
		if errors.Is(err, ErrAuthorityUnavailable) {
			log.Warn("認証サービスと通信できない", zap.Error(err))
		} else {
			log.Debug("トークンが拒否された", zap.Error(err))
		}
		return Decision{Secured: true, Err: err}
	}

	log.Debug("トークンを検証した", zap.String("id_account", identity.AccountID))
	return Decision{Secured: true, Identity: identity}
}

// Middleware は認可パイプラインを適用するGinミドルウェアを返す。
// 拒否した場合は401を返し、後段のハンドラは呼び出さない。
func (p *Pipeline) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		d := p.Decide(ctx, c.Request.Method, c.Request.URL.Path, c.Request.Header)

		if !d.Secured {
			c.Next()
			return
		}

		// クライアントが切断済みなら転送も応答もしない
		if ctx.Err() != nil {
			p.logger.Debug("クライアントが切断したため処理を中断", zap.String("path", c.Request.URL.Path))
			c.Abort()
			return
		}

		if !d.Allowed() {
			ae := toAuthError(d.Err)
			c.AbortWithStatusJSON(ae.Status, gin.H{"error": ae.Reason})
			return
		}

		c.Request = WithIdentity(c.Request, d.Identity)
		c.Set(contextKeyAccountID, d.Identity.AccountID)
		c.Next()
	}
}

// WithIdentity はid-accountヘッダーを付与したリクエストのコピーを返す。
// 元のリクエストは変更しない。
func WithIdentity(r *http.Request, id Identity) *http.Request {
	out := r.Clone(r.Context())
	out.Header.Set(HeaderAccountID, id.AccountID)
	return out
}

// AccountID はGinコンテキストから検証済みアカウントIDを取得する。
// Middlewareが事前に適用されていない場合や認証不要なルートでは空文字列を返す。
func AccountID(c *gin.Context) string {
	v, _ := c.Get(contextKeyAccountID)
	if id, ok := v.(string); ok {
		return id
	}
	return ""
}
