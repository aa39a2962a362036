// Package middleware はゲートウェイと内部サービスで使用するGinミドルウェアを提供する。
//
// Bearerトークンの検証、ルートクラス単位のレート制限、契約プランの確認、
// リクエストID・アクセスログ・パニックリカバリ・CORS・セキュリティヘッダーなど
// エッジで必要な処理を含む。クライアントへ返すエラーはKindで分類し、
// 常に {"error": "..."} 形式のJSONで返す。
//
// RequireInternalは内部サービス側で使用し、ゲートウェイ経由でないリクエストを拒否する。
package middleware
