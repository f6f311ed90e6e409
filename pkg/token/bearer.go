package token

import "strings"

// bearerScheme はAuthorizationヘッダーのスキーム名。
const bearerScheme = "Bearer"

// ParseBearer はAuthorizationヘッダーの値からトークン文字列を取り出す。
// ヘッダーが空なら ErrMissingAuthHeader、Bearer形式でなければ ErrMalformedAuthHeader を返す。
func ParseBearer(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", ErrMissingAuthHeader
	}

	scheme, raw, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, bearerScheme) {
		return "", ErrMalformedAuthHeader
	}

	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrMalformedAuthHeader
	}
	return raw, nil
}

// BearerHeader はトークンからAuthorizationヘッダーの値を組み立てる。
func BearerHeader(token string) string {
	return bearerScheme + " " + token
}
