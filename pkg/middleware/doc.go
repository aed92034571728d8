// Package middleware はGinベースのHTTP APIで使用する共通ミドルウェアを提供する。
//
// リクエストIDの採番、アクセスログ、パニックリカバリ、CORS設定、
// 信頼できないヘッダーの除去など、ゲートウェイと認証サービスで
// 共通して使用するミドルウェアを含む。
package middleware
