package authz

import (
	"net/http"
	"strings"
)

const (
	// headerAuthorization は認証情報を受け取るHTTPヘッダー。
	headerAuthorization = "Authorization"
	// schemeBearer はベアラートークンのスキーム。大文字小文字を区別する。
	schemeBearer = "Bearer"
)

// ExtractBearer はAuthorizationヘッダーからベアラートークンを取り出す。
// ヘッダーが複数ある場合は最初の値だけを見る。トークンの中身は検証しない。
func ExtractBearer(h http.Header) (string, error) {
	values := h.Values(headerAuthorization)
	if len(values) == 0 {
		return "", ErrMissingCredential
	}

	parts := strings.Split(values[0], " ")
	if len(parts) != 2 {
		return "", ErrMalformedCredential
	}
	if parts[0] != schemeBearer || parts[1] == "" {
		return "", ErrMalformedCredential
	}
	return parts[1], nil
}
