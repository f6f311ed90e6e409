package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"sync"

	"github.com/nao1215/gatekeeper/pkg/gql"
	"github.com/nao1215/gatekeeper/pkg/token"
	"go.uber.org/zap"
)

// ErrLoginRequired はセッションを回復できず再ログインが必要なことを表す。
var ErrLoginRequired = errors.New("login required")

// authFailurePattern は認証失敗を示すエラーメッセージ。
var authFailurePattern = regexp.MustCompile(`(?i)expired|invalid or expired token|unauthori[sz]ed`)

// exemptOperations は認証失敗時にリフレッシュを行わないオペレーション名。
var exemptOperations = map[string]struct{}{
	"Login":        {},
	"Register":     {},
	"RefreshToken": {},
}

// exemptRootFields は認証失敗時にリフレッシュを行わないルートフィールド名。
var exemptRootFields = map[string]struct{}{
	"login":        {},
	"register":     {},
	"refreshToken": {},
}

// Coordinator は送信オペレーションを仲介し、トークンの更新を1回に集約する。
// 状態はインスタンスごとに持ち、並行に呼び出してよい。
type Coordinator struct {
	store     Store
	transport Transport
	refresher Refresher
	path      string
	logger    *zap.Logger

	// onLoginRequired はリフレッシュに失敗してセッションを破棄した後に呼ばれる。
	onLoginRequired func()

	mu         sync.Mutex
	refreshing bool
	waiters    []chan error
}

// Option は Coordinator の設定を変更する。
type Option func(*Coordinator)

// WithRefresher はトークン更新の方法を差し替える。
func WithRefresher(r Refresher) Option {
	return func(c *Coordinator) { c.refresher = r }
}

// WithLogger はロガーを設定する。
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// OnLoginRequired はセッション破棄後に呼ばれるフックを設定する。
// 画面遷移など、再ログインを促す処理を登録する。
func OnLoginRequired(fn func()) Option {
	return func(c *Coordinator) { c.onLoginRequired = fn }
}

// NewCoordinator は path のGraphQLエンドポイントへ送信する Coordinator を生成する。
func NewCoordinator(store Store, transport Transport, path string, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:     store,
		transport: transport,
		path:      path,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.refresher == nil {
		c.refresher = NewGraphQLRefresher(transport, path)
	}
	return c
}

// Refreshing はトークンを更新中かを返す。
func (c *Coordinator) Refreshing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshing
}

// Pending は更新の完了を待っているオペレーションの数を返す。
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

// Do はオペレーションを送信する。
// 認証失敗を検知した場合はトークンを更新して1回だけ再送する。
// 更新できなかった場合は ErrLoginRequired を返す。
func (c *Coordinator) Do(ctx context.Context, req gql.Request) (*gql.Response, error) {
	used, resp, status, err := c.send(ctx, req)
	if err != nil {
		return nil, err
	}
	if isExempt(req) || !IsAuthFailure(resp, status) {
		return resp, nil
	}

	c.logger.Debug("authentication failure detected",
		zap.String("operation", req.OperationName),
		zap.Int("status", status),
	)
	if err := c.awaitFreshToken(ctx, used); err != nil {
		return nil, err
	}

	_, resp, _, err = c.send(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// send は送信時点で保存されているアクセストークンで署名して送信する。
func (c *Coordinator) send(ctx context.Context, req gql.Request) (string, *gql.Response, int, error) {
	st, err := c.store.Load(ctx)
	if err != nil {
		return "", nil, 0, err
	}
	header := http.Header{}
	if st.AccessToken != "" {
		header.Set("Authorization", token.BearerHeader(st.AccessToken))
	}
	resp, status, err := c.transport.Execute(ctx, c.path, req, header)
	return st.AccessToken, resp, status, err
}

// awaitFreshToken は used より新しいアクセストークンが保存されるまで待つ。
// 更新中でなければ自身が更新を行い、更新中なら完了を待つ。
// used がすでに古くなっていれば更新せずに戻る。
func (c *Coordinator) awaitFreshToken(ctx context.Context, used string) error {
	c.mu.Lock()
	if c.refreshing {
		ch := make(chan error, 1)
		c.waiters = append(c.waiters, ch)
		c.mu.Unlock()

		select {
		case err := <-ch:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	st, err := c.store.Load(ctx)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if st.AccessToken != "" && st.AccessToken != used {
		c.mu.Unlock()
		return nil
	}
	c.refreshing = true
	c.mu.Unlock()

	// 呼び出し元がキャンセルしても待機中の他のオペレーションのために更新は完了させる。
	err = c.refresh(context.WithoutCancel(ctx))

	c.mu.Lock()
	waiters := c.waiters
	c.waiters = nil
	c.refreshing = false
	c.mu.Unlock()

	for _, ch := range waiters {
		ch <- err
	}
	if err != nil && c.onLoginRequired != nil {
		c.onLoginRequired()
	}
	return err
}

func (c *Coordinator) refresh(ctx context.Context) error {
	st, err := c.store.Load(ctx)
	if err != nil {
		return err
	}
	if st.RefreshToken == "" {
		c.logger.Warn("no refresh token stored, login required")
		c.clear(ctx)
		return ErrLoginRequired
	}

	pair, err := c.refresher.Refresh(ctx, st.RefreshToken)
	if err != nil {
		c.logger.Warn("token refresh failed", zap.Error(err))
		c.clear(ctx)
		return fmt.Errorf("%w: %v", ErrLoginRequired, err)
	}

	next := State{AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken, User: pair.User}
	if next.RefreshToken == "" {
		next.RefreshToken = st.RefreshToken
	}
	if next.User == nil {
		next.User = st.User
	}
	if err := c.store.Save(ctx, next); err != nil {
		c.clear(ctx)
		return fmt.Errorf("%w: %v", ErrLoginRequired, err)
	}
	c.logger.Info("tokens refreshed")
	return nil
}

func (c *Coordinator) clear(ctx context.Context) {
	if err := c.store.Clear(ctx); err != nil {
		c.logger.Error("failed to clear session", zap.Error(err))
	}
}

// Login は資格情報でログインしてセッションを保存する。
func (c *Coordinator) Login(ctx context.Context, email, password string) (*User, error) {
	pair, err := executeAuthMutation(ctx, c.transport, c.path, "Login", loginMutation, "login",
		map[string]any{"email": email, "password": password})
	if err != nil {
		return nil, err
	}
	return c.establish(ctx, pair)
}

// Register はユーザーを登録してセッションを保存する。
func (c *Coordinator) Register(ctx context.Context, name, email, password string) (*User, error) {
	pair, err := executeAuthMutation(ctx, c.transport, c.path, "Register", registerMutation, "register",
		map[string]any{"name": name, "email": email, "password": password})
	if err != nil {
		return nil, err
	}
	return c.establish(ctx, pair)
}

func (c *Coordinator) establish(ctx context.Context, pair TokenPair) (*User, error) {
	if err := c.store.Save(ctx, State(pair)); err != nil {
		return nil, err
	}
	return pair.User, nil
}

// Logout はサーバー側のリフレッシュトークンを破棄してからセッションを消去する。
// サーバー側の破棄に失敗してもローカルのセッションは消去する。
func (c *Coordinator) Logout(ctx context.Context) error {
	st, err := c.store.Load(ctx)
	if err != nil {
		return err
	}
	if st.AccessToken != "" {
		resp, err := c.Do(ctx, gql.Request{Query: logoutMutation, OperationName: "Logout"})
		switch {
		case errors.Is(err, ErrLoginRequired):
		case err != nil:
			c.logger.Warn("failed to revoke refresh token", zap.Error(err))
		case len(resp.Errors) > 0:
			c.logger.Warn("failed to revoke refresh token", zap.String("errors", resp.ErrorMessages()))
		}
	}
	return c.store.Clear(ctx)
}

// CurrentUser は保存済みのユーザー情報を返す。
func (c *Coordinator) CurrentUser(ctx context.Context) (*User, error) {
	st, err := c.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	return st.User, nil
}

// IsAuthFailure は応答が認証失敗を示すかを返す。
// HTTP 401、UNAUTHENTICATED コード、期限切れや無効を示すメッセージのいずれかで判定する。
func IsAuthFailure(resp *gql.Response, status int) bool {
	if status == http.StatusUnauthorized {
		return true
	}
	if resp == nil {
		return false
	}
	for _, e := range resp.Errors {
		if e.Code() == gql.CodeUnauthenticated || authFailurePattern.MatchString(e.Message) {
			return true
		}
	}
	return false
}

// isExempt は認証系オペレーションかを返す。
func isExempt(req gql.Request) bool {
	if _, ok := exemptOperations[req.OperationName]; ok {
		return true
	}
	op, err := gql.Parse(req)
	if err != nil {
		return false
	}
	if _, ok := exemptOperations[op.Name]; ok {
		return true
	}
	return op.Type == gql.Mutation && op.OnlyFields(exemptRootFields)
}
