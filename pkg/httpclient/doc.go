// Package httpclient はGraphQLエンドポイントを呼び出すHTTPクライアントを提供する。
//
// ゲートウェイから上流GraphQLへの転送と、クライアントセッションからの
// オペレーション送信で共通に使用する。
package httpclient
