package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/gatekeeper/pkg/policy"
	"github.com/nao1215/gatekeeper/pkg/token"
)

// ErrNonCanonicalPath は正規化されていないリクエストパスを表す。
var ErrNonCanonicalPath = errors.New("request path must not contain dot segments or empty segments")

// Guard はルートポリシーに従って認証を強制するGinミドルウェアを返す。
//
// クライアントが送ってきた派生ヘッダーは判定の前に必ず取り除く。
// GraphQLエンドポイントはプロトコル層のゲートに判定を委ねるため常に通過させる。
// ドットセグメントや重複したスラッシュを含むパスは、ポリシーの照合先と
// ルーティング先が食い違うため400で拒否する。
// 認証が必要なルートで検証に失敗した場合は401を返す。
func Guard(verifier *token.Verifier, table *policy.Table) gin.HandlerFunc {
	return func(c *gin.Context) {
		StripIdentityHeaders(c.Request.Header)

		p := c.Request.URL.Path
		if policy.CleanPath(p) != p {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": ErrNonCanonicalPath.Error()})
			return
		}

		switch table.Decide(c.Request.Method, p) {
		case policy.DecisionDelegate, policy.DecisionAllow:
			c.Next()
			return
		}

		claims, err := Authenticate(verifier, c.GetHeader("Authorization"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		ApplyIdentity(c, claims)
		c.Next()
	}
}

// Authenticate はAuthorizationヘッダーの値からベアラートークンを取り出して検証する。
func Authenticate(verifier *token.Verifier, header string) (token.Claims, error) {
	raw, err := token.ParseBearer(header)
	if err != nil {
		return token.Claims{}, err
	}
	return verifier.Verify(raw)
}
