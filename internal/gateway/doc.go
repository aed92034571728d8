// Package gateway はAPI Gatewayサービスの内部実装を提供する。
//
// 外部からアクセス可能な唯一のサービスであり、セキュリティの境界線として
// 機能する。受け付けたリクエストを認可パイプラインに通し、検証済みの
// アカウントIDを id-account ヘッダーに付与して内部サービスに転送する。
package gateway
