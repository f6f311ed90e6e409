package gateway

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/gatekeeper/pkg/gql"
	"github.com/nao1215/gatekeeper/pkg/logging"
	"github.com/nao1215/gatekeeper/pkg/middleware"
	"github.com/nao1215/gatekeeper/pkg/token"
	"go.uber.org/zap"
)

// GraphQLのエラーコード。
const (
	codeParseFailed      = "GRAPHQL_PARSE_FAILED"
	codeValidationFailed = "GRAPHQL_VALIDATION_FAILED"
	codeBadGateway       = "BAD_GATEWAY"
)

// contextKeyGraphQLRequest はゲートが解析したGraphQLリクエストを格納するキー。
const contextKeyGraphQLRequest = "graphql_request"

// 認証なしで実行できるルートフィールド。メタフィールド __typename はどちらにも含める。
var (
	anonymousMutations = fieldSet("login", "register", "refreshToken", "__typename")
	federationQueries  = fieldSet("_service", "_entities", "__typename")
)

func fieldSet(names ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(names))
	for _, n := range names {
		m[n] = struct{}{}
	}
	return m
}

// AllowsAnonymous はオペレーションを認証なしで実行してよいかを返す。
// イントロスペクション、認証系ミューテーションのみで構成されたミューテーション、
// フェデレーションの参照解決のみのクエリが該当する。
func AllowsAnonymous(op *gql.Operation) bool {
	switch {
	case op.IsIntrospection():
		return true
	case op.Type == gql.Mutation:
		return op.OnlyFields(anonymousMutations)
	case op.Type == gql.Query:
		return op.OnlyFields(federationQueries)
	default:
		return false
	}
}

// ProtocolGate はGraphQLオペレーション単位で認証を判定するGinミドルウェアを返す。
//
// 文書を解析できない場合は実行前に400を返す。GETで送られたクエリ以外のオペレーションは405を返す。認証が必要なオペレーションで
// トークンの検証に失敗した場合は extensions.code が UNAUTHENTICATED のエラーを401で返す。
func ProtocolGate(verifier *token.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		req, _, err := gql.ReadRequest(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gql.ErrorResponse(err.Error(), codeParseFailed))
			return
		}
		op, err := gql.Parse(req)
		if err != nil {
			code := codeParseFailed
			if errors.Is(err, gql.ErrOperationNotFound) || errors.Is(err, gql.ErrAmbiguousOperation) {
				code = codeValidationFailed
			}
			c.AbortWithStatusJSON(http.StatusBadRequest, gql.ErrorResponse(err.Error(), code))
			return
		}
		if c.Request.Method == http.MethodGet && op.Type != gql.Query {
			c.Header("Allow", http.MethodPost)
			c.AbortWithStatusJSON(http.StatusMethodNotAllowed,
				gql.ErrorResponse("only query operations can be executed over GET", codeValidationFailed))
			return
		}
		c.Set(contextKeyGraphQLRequest, req)

		if AllowsAnonymous(op) {
			c.Next()
			return
		}

		claims, err := middleware.Authenticate(verifier, c.GetHeader("Authorization"))
		if err != nil {
			logging.FromGin(c).Debug("GraphQLオペレーションの認証に失敗",
				zap.String("operation", op.Name),
				zap.Strings("fields", op.FieldNames()),
				zap.Error(err),
			)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gql.ErrorResponse(err.Error(), gql.CodeUnauthenticated))
			return
		}
		middleware.ApplyIdentity(c, claims)
		c.Next()
	}
}
