// Package httpclient はサービス間のHTTP通信を行うクライアントを提供する。
//
// ゲートウェイから認証サービスへのトークン検証呼び出しなど、
// JSONでやり取りするサービス間通信のパターンを統一する。
// 内部のhttp.Clientはコネクションプールを共有するため、
// 1つのClientを複数のgoroutineから同時に利用してよい。
package httpclient
