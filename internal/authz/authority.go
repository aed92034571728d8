package authz

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nao1215/storegateway/pkg/httpclient"
)

// DefaultSolvePath は認証サービスのトークン解決エンドポイント。
const DefaultSolvePath = "/auth/solve"

// Identity は認証サービスが検証したアカウント。
// クライアントから送られた値から生成してはならない。
type Identity struct {
	// AccountID は検証済みアカウントの識別子。
	AccountID string
}

// Verifier はトークンを検証してアカウントを特定する。
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// solveRequest は認証サービスへのリクエストボディ。
type solveRequest struct {
	JWT string `json:"jwt"`
}

// solveResponse は認証サービスからのレスポンスボディ。
type solveResponse struct {
	IDAccount string `json:"idAccount"`
}

// AuthorityClient は認証サービスにトークン検証を委譲するVerifier。
// リトライはしない。
type AuthorityClient struct {
	// client は認証サービス向けのHTTPクライアント。
	client *httpclient.Client
	// solvePath はトークン解決エンドポイントのパス。
	solvePath string
	// timeout は1回の検証呼び出しの上限時間。0以下なら制限しない。
	timeout time.Duration
}

// NewAuthorityClient は認証サービスのクライアントを生成する。
func NewAuthorityClient(client *httpclient.Client, solvePath string, timeout time.Duration) *AuthorityClient {
	if solvePath == "" {
		solvePath = DefaultSolvePath
	}
	return &AuthorityClient{
		client:    client,
		solvePath: solvePath,
		timeout:   timeout,
	}
}

// Verify はトークンを認証サービスに送信し、検証済みのアカウントを返す。
// 通信失敗とタイムアウトはErrAuthorityUnavailable、それ以外の失敗は
// ErrVerificationRejectedを包んで返す。
func (a *AuthorityClient) Verify(ctx context.Context, token string) (Identity, error) {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	var resp solveResponse
	if err := a.client.PostJSON(ctx, a.solvePath, solveRequest{JWT: token}, &resp); err != nil {
		var se *httpclient.StatusError
		switch {
		case errors.As(err, &se):
			return Identity{}, fmt.Errorf("%w: status=%d", ErrVerificationRejected, se.StatusCode)
		case ctx.Err() != nil:
			return Identity{}, fmt.Errorf("%w: %w", ErrAuthorityUnavailable, ctx.Err())
		case errors.Is(err, httpclient.ErrDecodeResponse):
			return Identity{}, fmt.Errorf("%w: %w", ErrVerificationRejected, err)
		default:
			return Identity{}, fmt.Errorf("%w: %w", ErrAuthorityUnavailable, err)
		}
	}

	if resp.IDAccount == "" {
		return Identity{}, fmt.Errorf("%w: idAccountがレスポンスに含まれていない", ErrVerificationRejected)
	}
	return Identity{AccountID: resp.IDAccount}, nil
}
