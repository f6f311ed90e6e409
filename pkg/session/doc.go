// Package session はクライアント側でアクセストークンとリフレッシュトークンの組を管理する。
//
// Coordinator はすべての送信オペレーションを仲介し、送信時点のトークンで署名する。
// 認証失敗を検知すると、同時に失敗した複数のオペレーションに対して
// リフレッシュを1回だけ実行し、新しいトークンで各オペレーションを再送する。
package session
