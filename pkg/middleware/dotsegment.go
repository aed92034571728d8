package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// RejectDotSegments は "." や ".." のセグメントを含むパスを400で拒否するGinミドルウェアを返す。
// パーセントエンコードされたものもデコード後のパスで判定する。
// 認可の判定と転送先のパスが食い違わないよう、認可パイプラインより前に置く。
func RejectDotSegments() gin.HandlerFunc {
	return func(c *gin.Context) {
		if hasDotSegment(c.Request.URL.Path) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid path"})
			return
		}
		c.Next()
	}
}

// hasDotSegment はパスに "." または ".." のセグメントが含まれるときにtrueを返す。
func hasDotSegment(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}
