package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/nao1215/gatekeeper/pkg/gql"
)

// Transport はオペレーションをGraphQLエンドポイントへ送信する。
// *httpclient.Client がこのインターフェースを満たす。
type Transport interface {
	Execute(ctx context.Context, path string, req gql.Request, header http.Header) (*gql.Response, int, error)
}

// TokenPair は発行されたトークンの組。
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	User         *User  `json:"user,omitempty"`
}

// Refresher はリフレッシュトークンから新しいトークンの組を得る。
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (TokenPair, error)
}

// 認証系オペレーションの文書。
const (
	loginMutation = `mutation Login($input: LoginInput!) {
  login(input: $input) { accessToken refreshToken user { id name email role } }
}`
	registerMutation = `mutation Register($input: RegisterInput!) {
  register(input: $input) { accessToken refreshToken user { id name email role } }
}`
	refreshTokenMutation = `mutation RefreshToken($input: RefreshTokenInput!) {
  refreshToken(input: $input) { accessToken refreshToken user { id name email role } }
}`
	logoutMutation = `mutation Logout { logout }`
)

// GraphQLRefresher は refreshToken ミューテーションでトークンを更新する Refresher。
type GraphQLRefresher struct {
	transport Transport
	path      string
}

// NewGraphQLRefresher は path のGraphQLエンドポイントを使う GraphQLRefresher を生成する。
func NewGraphQLRefresher(t Transport, path string) *GraphQLRefresher {
	return &GraphQLRefresher{transport: t, path: path}
}

// Refresh はリフレッシュトークンを送信して新しいトークンの組を返す。
func (r *GraphQLRefresher) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	return executeAuthMutation(ctx, r.transport, r.path, "RefreshToken", refreshTokenMutation, "refreshToken",
		map[string]any{"refreshToken": refreshToken})
}

// executeAuthMutation は認証系ミューテーションを送信し、field の結果をトークンの組として取り出す。
func executeAuthMutation(ctx context.Context, t Transport, path, opName, query, field string, input map[string]any) (TokenPair, error) {
	resp, _, err := t.Execute(ctx, path, gql.Request{
		Query:         query,
		OperationName: opName,
		Variables:     map[string]any{"input": input},
	}, nil)
	if err != nil {
		return TokenPair{}, err
	}
	if len(resp.Errors) > 0 {
		return TokenPair{}, fmt.Errorf("%s: %s", opName, resp.ErrorMessages())
	}

	var data map[string]*TokenPair
	if err := resp.DecodeData(&data); err != nil {
		return TokenPair{}, err
	}
	pair := data[field]
	if pair == nil || pair.AccessToken == "" {
		return TokenPair{}, errors.New(opName + ": token pair is missing in response")
	}
	return *pair, nil
}
