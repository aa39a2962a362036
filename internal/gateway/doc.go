// Package gateway はエッジゲートウェイの内部実装を提供する。
//
// クライアントからの通信を全て受け付け、/api 配下のリクエストを順序付きの
// ルーティングテーブルで照合する。一致したルートごとにレート制限、トークン検証、
// 契約プランの確認を順に行い、最後に接頭辞を取り除いて内部サービスへ転送する。
// 転送時には共有シークレットとユーザー情報のヘッダーを付与し、クライアントが
// 送ってきた同名のヘッダーは破棄する。内部サービスに到達できない場合は
// エラー内容を隠して502を返す。
package gateway
