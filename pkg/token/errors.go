package token

import "errors"

// 認証失敗の分類。メッセージはクライアントが期限切れ判定に使うため英語で固定する。
var (
	// ErrMissingAuthHeader はAuthorizationヘッダーが存在しないことを表す。
	ErrMissingAuthHeader = errors.New("authorization header is missing")
	// ErrMalformedAuthHeader はAuthorizationヘッダーがBearer形式でないことを表す。
	ErrMalformedAuthHeader = errors.New("invalid authorization header format")
	// ErrInvalidSignature はトークンの署名が鍵素材と一致しないことを表す。
	ErrInvalidSignature = errors.New("invalid token signature")
	// ErrTokenExpired はトークンの有効期限が切れていることを表す。
	ErrTokenExpired = errors.New("token has expired")
	// ErrMalformedToken はトークンの構造・アルゴリズム・クレームが不正であることを表す。
	ErrMalformedToken = errors.New("malformed token")
)

// IsAuthError は err が認証失敗の分類のいずれかに該当するかを返す。
func IsAuthError(err error) bool {
	return errors.Is(err, ErrMissingAuthHeader) ||
		errors.Is(err, ErrMalformedAuthHeader) ||
		errors.Is(err, ErrInvalidSignature) ||
		errors.Is(err, ErrTokenExpired) ||
		errors.Is(err, ErrMalformedToken)
}
