// Package middleware はGinベースのゲートウェイで使用する共通ミドルウェアを提供する。
//
// ルートポリシーに基づく認証ガード、検証済みアイデンティティのコンテキスト格納と
// 派生ヘッダーの生成、パニックリカバリ、CORS設定を含む。
package middleware
