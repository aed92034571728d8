package authority

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// issuer はJWTの発行者。
const issuer = "store-auth"

// Claims はJWTトークンのクレーム。
type Claims struct {
	jwt.RegisteredClaims
	// AccountID は認証済みアカウントの識別子。
	AccountID string `json:"id_account"`
}

// issueToken はアカウントIDからJWTトークンを生成する。
func issueToken(secret []byte, accountID string, ttl time.Duration, now time.Time) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
		AccountID: accountID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("JWTトークンの署名に失敗: %w", err)
	}
	return signed, nil
}

// parseToken はJWTトークンを検証し、アカウントIDを返す。
// 署名アルゴリズムはHS256のみ受け付ける。
func parseToken(secret []byte, tokenString string) (string, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("トークンの検証に失敗: %w", err)
	}
	if !token.Valid || claims.AccountID == "" {
		return "", fmt.Errorf("トークンが無効です")
	}
	return claims.AccountID, nil
}
