// Package ratelimit はルートクラス単位の固定ウィンドウ型レート制限を提供する。
//
// カウンタはStoreの実装（RedisまたはSQLite）に置き、判定とインクリメントを
// 1回の原子的な操作で行う。これにより複数のゲートウェイプロセスが同じ枠を
// 同時に読んで両方とも通してしまう競合を防ぐ。ウィンドウの終了とともに
// カウンタは保存先側で失効する。
package ratelimit
