package gateway

import (
	"io"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/storegateway/internal/authz"
	"go.uber.org/zap"
)

// hopHeaders は転送時に引き継がないホップバイホップヘッダー。
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// handleForward は指定されたバックエンドにリクエストを転送するハンドラを返す。
// パスはエスケープされた形のまま、クエリ文字列とともに引き継ぐ。
func (s *Server) handleForward(backend string) gin.HandlerFunc {
	return func(c *gin.Context) {
		target := backend + c.Request.URL.EscapedPath()
		if c.Request.URL.RawQuery != "" {
			target += "?" + c.Request.URL.RawQuery
		}
		s.forward(c, target)
	}
}

// forward はリクエストをバックエンドに転送し、レスポンスをそのまま返す共通処理。
// 認可パイプラインが付与したid-accountヘッダーも含めて転送する。
func (s *Server) forward(c *gin.Context, target string) {
	req, err := http.NewRequestWithContext(c.Request.Context(), c.Request.Method, target, c.Request.Body)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "転送リクエストの作成に失敗しました"})
		return
	}
	req.ContentLength = c.Request.ContentLength

	copyHeader(req.Header, c.Request.Header)
	removeHopHeaders(req.Header)
	if ip, _, err := net.SplitHostPort(c.Request.RemoteAddr); err == nil {
		if prior := c.Request.Header.Get("X-Forwarded-For"); prior != "" {
			ip = prior + ", " + ip
		}
		req.Header.Set("X-Forwarded-For", ip)
	}
	req.Header.Set("X-Forwarded-Host", c.Request.Host)

	resp, err := s.backendClient.Do(req)
	if err != nil {
		if c.Request.Context().Err() != nil {
			// クライアントが切断済みのため応答しない
			c.Abort()
			return
		}
		s.logger.Warn("転送エラー",
			zap.String("url", target),
			zap.String("id_account", authz.AccountID(c)),
			zap.Error(err),
		)
		c.JSON(http.StatusBadGateway, gin.H{"error": "内部サービスとの通信に失敗しました"})
		return
	}
	defer resp.Body.Close()

	removeHopHeaders(resp.Header)
	// バックエンドの値を優先する
	for k, vv := range resp.Header {
		c.Writer.Header()[k] = append([]string(nil), vv...)
	}
	c.Status(resp.StatusCode)
	c.Writer.WriteHeaderNow()
	if _, err := io.Copy(c.Writer, resp.Body); err != nil {
		s.logger.Debug("レスポンスの転送を中断", zap.String("url", target), zap.Error(err))
	}
}

// copyHeader はsrcのヘッダーをdstに追加する。
func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// removeHopHeaders はホップバイホップヘッダーを取り除く。
func removeHopHeaders(h http.Header) {
	for _, k := range hopHeaders {
		h.Del(k)
	}
}
