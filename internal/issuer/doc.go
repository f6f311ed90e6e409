// Package issuer はトークンを発行するユーザーサービスを提供する。
//
// GraphQLの login / register / refreshToken ミューテーションと me クエリを処理し、
// RS256で署名したアクセストークンとリフレッシュトークンを発行する。
// リフレッシュトークンはユーザーごとに1つだけ保存し、更新のたびに入れ替える。
// 検証側に配布する公開鍵は /.well-known/jwt-public-key で公開する。
package issuer
