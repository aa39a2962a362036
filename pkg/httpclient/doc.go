// Package httpclient は内部サービスへのHTTP疎通確認を行うクライアントを提供する。
//
// ゲートウェイの /health/upstreams が各サービスの /health を短いタイムアウトで
// 問い合わせるために使用する。
package httpclient
