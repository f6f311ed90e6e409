package middleware

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/gatekeeper/pkg/token"
)

// バックエンドへ渡す派生アイデンティティヘッダー。
const (
	HeaderUserID      = "X-User-Id"
	HeaderUserEmail   = "X-User-Email"
	HeaderUserRoles   = "X-User-Roles"
	HeaderPrivileges  = "X-User-Privileges"
	HeaderWorkspaceID = "X-Workspace-Id"
)

// ContextKeyClaims はGinコンテキストに検証済みクレームを格納するキー。
const ContextKeyClaims = "claims"

// IdentityHeaders は派生アイデンティティヘッダーの一覧。
var IdentityHeaders = []string{
	HeaderUserID, HeaderUserEmail, HeaderUserRoles, HeaderPrivileges, HeaderWorkspaceID,
}

type claimsKey struct{}

// WithClaims はクレームを格納したコンテキストを返す。
func WithClaims(ctx context.Context, c token.Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, c)
}

// ClaimsFromContext はコンテキストからクレームを取り出す。
func ClaimsFromContext(ctx context.Context) (token.Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(token.Claims)
	return c, ok
}

// GetClaims はGinコンテキストから検証済みクレームを取得する。
// 認証されていないリクエストでは false を返す。
func GetClaims(c *gin.Context) (token.Claims, bool) {
	if v, ok := c.Get(ContextKeyClaims); ok {
		if claims, ok := v.(token.Claims); ok {
			return claims, true
		}
	}
	return ClaimsFromContext(c.Request.Context())
}

// StripIdentityHeaders はクライアントが送ってきた派生ヘッダーを取り除く。
func StripIdentityHeaders(h http.Header) {
	for _, name := range IdentityHeaders {
		h.Del(name)
	}
}

// SetIdentityHeaders はクレームから派生ヘッダーを設定する。
// ロールはJSON配列で、権限とワークスペースは値がある場合のみ設定する。
func SetIdentityHeaders(h http.Header, claims token.Claims) {
	StripIdentityHeaders(h)
	h.Set(HeaderUserID, claims.SubjectID)
	h.Set(HeaderUserEmail, claims.Email)
	h.Set(HeaderUserRoles, jsonArray(claims.Roles))
	if len(claims.Privileges) > 0 {
		h.Set(HeaderPrivileges, jsonArray(claims.Privileges))
	}
	if claims.WorkspaceID != "" {
		h.Set(HeaderWorkspaceID, claims.WorkspaceID)
	}
}

// ApplyIdentity はクレームをリクエストコンテキスト、Ginコンテキスト、
// 受信リクエストのヘッダーに反映する。
func ApplyIdentity(c *gin.Context, claims token.Claims) {
	c.Set(ContextKeyClaims, claims)
	c.Request = c.Request.WithContext(WithClaims(c.Request.Context(), claims))
	SetIdentityHeaders(c.Request.Header, claims)
}

func jsonArray(values []string) string {
	if values == nil {
		values = []string{}
	}
	b, err := json.Marshal(values)
	if err != nil {
		return "[]"
	}
	return string(b)
}
