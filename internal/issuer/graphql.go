package issuer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
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
	codeBadUserInput     = "BAD_USER_INPUT"
	codeParseFailed      = "GRAPHQL_PARSE_FAILED"
	codeValidationFailed = "GRAPHQL_VALIDATION_FAILED"
	codeInternal         = "INTERNAL_SERVER_ERROR"
)

// resolver はルートフィールド1つを解決する。
type resolver func(ctx context.Context, field gql.RootField, header http.Header) (any, error)

// graphQLHandler はサービスのGraphQLエンドポイント。
// 選択セットは解釈せず、ルートフィールドごとに結果オブジェクト全体を返す。
type graphQLHandler struct {
	service   *Service
	queries   map[string]resolver
	mutations map[string]resolver
}

func newGraphQLHandler(service *Service) *graphQLHandler {
	h := &graphQLHandler{service: service}
	h.queries = map[string]resolver{
		"me": h.resolveMe,
	}
	h.mutations = map[string]resolver{
		"login":        h.resolveLogin,
		"register":     h.resolveRegister,
		"refreshToken": h.resolveRefreshToken,
		"logout":       h.resolveLogout,
	}
	return h
}

// handle はGraphQLリクエストを処理する。
func (h *graphQLHandler) handle(c *gin.Context) {
	req, _, err := gql.ReadRequest(c.Request)
	if err != nil {
		c.JSON(http.StatusBadRequest, gql.ErrorResponse(err.Error(), codeParseFailed))
		return
	}
	op, err := gql.Parse(req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gql.ErrorResponse(err.Error(), codeParseFailed))
		return
	}

	var (
		resolvers map[string]resolver
		typeName  string
	)
	switch op.Type {
	case gql.Query:
		resolvers, typeName = h.queries, "Query"
	case gql.Mutation:
		resolvers, typeName = h.mutations, "Mutation"
	default:
		c.JSON(http.StatusBadRequest, gql.ErrorResponse("subscriptions are not supported", codeValidationFailed))
		return
	}

	data := make(map[string]any, len(op.RootFields))
	var errs []gql.Error
	for _, f := range op.RootFields {
		key := f.Name
		if f.Alias != "" {
			key = f.Alias
		}
		if f.Name == "__typename" {
			data[key] = typeName
			continue
		}
		resolve, ok := resolvers[f.Name]
		if !ok {
			errs = append(errs, gql.NewError(
				fmt.Sprintf("Cannot query field %q on type %q.", f.Name, typeName), codeValidationFailed))
			continue
		}

		v, err := resolve(c.Request.Context(), f, c.Request.Header)
		if err != nil {
			e := gql.NewError(err.Error(), errorCode(err))
			e.Path = []any{key}
			errs = append(errs, e)
			data[key] = nil
			if e.Code() == codeInternal {
				logging.FromGin(c).Error("リゾルバでエラーが発生", zap.String("field", f.Name), zap.Error(err))
			}
			continue
		}
		data[key] = v
	}

	resp := gql.Response{Errors: errs}
	if len(data) > 0 {
		raw, err := json.Marshal(data)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gql.ErrorResponse("failed to encode response", codeInternal))
			return
		}
		resp.Data = raw
	}
	c.JSON(http.StatusOK, resp)
}

func (h *graphQLHandler) resolveLogin(ctx context.Context, f gql.RootField, _ http.Header) (any, error) {
	in := inputArg(f)
	return h.service.Login(ctx, stringField(in, "email"), stringField(in, "password"))
}

func (h *graphQLHandler) resolveRegister(ctx context.Context, f gql.RootField, _ http.Header) (any, error) {
	in := inputArg(f)
	return h.service.Register(ctx,
		stringField(in, "name"), stringField(in, "email"), stringField(in, "password"), stringField(in, "role"))
}

func (h *graphQLHandler) resolveRefreshToken(ctx context.Context, f gql.RootField, _ http.Header) (any, error) {
	rt := stringField(inputArg(f), "refreshToken")
	if rt == "" {
		rt = stringField(f.Arguments, "refreshToken")
	}
	if rt == "" {
		return nil, fmt.Errorf("%w: refreshToken is required", ErrInvalidInput)
	}
	return h.service.Refresh(ctx, rt)
}

// resolveMe は呼び出し元のユーザーを返す。ゲートウェイ経由でない直接の呼び出しにも備え、
// ベアラートークンを自身で検証する。
func (h *graphQLHandler) resolveMe(ctx context.Context, _ gql.RootField, header http.Header) (any, error) {
	claims, err := middleware.Authenticate(h.service.verifier, header.Get("Authorization"))
	if err != nil {
		return nil, err
	}
	return h.service.Me(ctx, claims)
}

// resolveLogout は呼び出し元のリフレッシュトークンを破棄して true を返す。
func (h *graphQLHandler) resolveLogout(ctx context.Context, _ gql.RootField, header http.Header) (any, error) {
	claims, err := middleware.Authenticate(h.service.verifier, header.Get("Authorization"))
	if err != nil {
		return nil, err
	}
	if err := h.service.Logout(ctx, claims); err != nil {
		return nil, err
	}
	return true, nil
}

// errorCode はエラーをGraphQLのエラーコードに対応付ける。
func errorCode(err error) string {
	switch {
	case token.IsAuthError(err),
		errors.Is(err, ErrInvalidCredentials),
		errors.Is(err, ErrRefreshTokenMismatch),
		errors.Is(err, ErrUserNotFound):
		return gql.CodeUnauthenticated
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrEmailTaken):
		return codeBadUserInput
	default:
		return codeInternal
	}
}

func inputArg(f gql.RootField) map[string]any {
	in, _ := f.Arguments["input"].(map[string]any)
	return in
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
