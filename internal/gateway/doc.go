// Package gateway はバックエンドサービスの前段に立つAPIゲートウェイを提供する。
//
// すべてのリクエストはルートポリシーに基づくトランスポート層のガードを通り、
// GraphQLエンドポイントだけはオペレーション単位で判定するプロトコル層のゲートに委ねられる。
// 認証に成功したリクエストには検証済みクレームから派生したX-User-*ヘッダーを付けて転送する。
package gateway
