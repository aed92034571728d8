// Package authz はゲートウェイの認可パイプラインを提供する。
//
// リクエストのメソッドとパスから認証が必要かどうかを判定し、
// Authorizationヘッダーからベアラートークンを取り出して認証サービスに
// 検証を委譲する。検証に成功したリクエストには id-account ヘッダーを
// 付与したコピーを作成し、後段のハンドラに渡す。
//
// ゲートウェイ自身はトークンの署名や中身を一切解釈しない。
// 信頼の起点は認証サービスの /auth/solve エンドポイントのみである。
package authz
