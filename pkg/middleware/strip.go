package middleware

import (
	"github.com/gin-gonic/gin"
)

// StripHeaders は指定したヘッダーをリクエストから取り除くGinミドルウェアを返す。
// ゲートウェイが付与するヘッダーをクライアントが偽装できないようにするために使う。
// 元のリクエストは変更せず、ヘッダーを取り除いたコピーを後段に渡す。
func StripHeaders(names ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		found := false
		for _, name := range names {
			if c.Request.Header.Values(name) != nil {
				found = true
				break
			}
		}
		if !found {
			c.Next()
			return
		}

		req := c.Request.Clone(c.Request.Context())
		for _, name := range names {
			req.Header.Del(name)
		}
		c.Request = req
		c.Next()
	}
}
