// Package authority は開発用の認証サービスを提供する。
//
// ゲートウェイがトークン検証を委譲する /auth/solve と、トークンを発行する
// /auth/register、/auth/login を実装する。アカウントはSQLiteに保存し、
// パスワードはbcryptでハッシュ化する。トークンはHS256で署名したJWT。
//
// 本番環境では外部の認証基盤に置き換えることを想定している。
package authority
