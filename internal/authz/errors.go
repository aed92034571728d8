package authz

import (
	"errors"
	"net/http"
)

var (
	// ErrMissingCredential はAuthorizationヘッダーが存在しないことを表す。
	ErrMissingCredential = errors.New("missing credential")
	// ErrMalformedCredential はAuthorizationヘッダーが "Bearer <token>" 形式でないことを表す。
	ErrMalformedCredential = errors.New("malformed header")
	// ErrVerificationRejected は認証サービスがトークンを受け付けなかったことを表す。
	ErrVerificationRejected = errors.New("invalid token")
	// ErrAuthorityUnavailable は認証サービスとの通信に失敗したことを表す。
	// タイムアウトもこれに含む。
	ErrAuthorityUnavailable = errors.New("authority unavailable")
)

// AuthError はクライアントに返す拒否レスポンスの内容。
type AuthError struct {
	// Status はHTTPステータスコード。認可処理の失敗は常に401。
	Status int
	// Reason はクライアントに返す短い理由。内部の詳細は含めない。
	Reason string
	// Err は元となったエラー。
	Err error
}

// Error はerrorインターフェースを実装する。
func (e *AuthError) Error() string {
	return e.Reason
}

// Unwrap は元となったエラーを返す。
func (e *AuthError) Unwrap() error {
	return e.Err
}

// toAuthError はパイプライン内部のエラーを拒否レスポンスに変換する。
// 認証サービスの障害であっても通過させず、401として扱う。
func toAuthError(err error) *AuthError {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae
	}

	reason := ErrVerificationRejected.Error()
	switch {
	case errors.Is(err, ErrMissingCredential):
		reason = ErrMissingCredential.Error()
	case errors.Is(err, ErrMalformedCredential):
		reason = ErrMalformedCredential.Error()
	}
	return &AuthError{
		Status: http.StatusUnauthorized,
		Reason: reason,
		Err:    err,
	}
}
