package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/gatekeeper/internal/config"
	"github.com/nao1215/gatekeeper/pkg/gql"
	"github.com/nao1215/gatekeeper/pkg/httpclient"
	"github.com/nao1215/gatekeeper/pkg/logging"
	"github.com/nao1215/gatekeeper/pkg/middleware"
	"github.com/nao1215/gatekeeper/pkg/policy"
	"github.com/nao1215/gatekeeper/pkg/proxy"
	"github.com/nao1215/gatekeeper/pkg/token"
	"go.uber.org/zap"
)

// Executor は検証済みのGraphQLオペレーションを上流で実行する。
// *httpclient.Client がこのインターフェースを満たす。
type Executor interface {
	Execute(ctx context.Context, path string, req gql.Request, header http.Header) (*gql.Response, int, error)
}

// Options はゲートウェイサーバーの構成要素。
type Options struct {
	// Verifier はベアラートークンの検証器。
	Verifier *token.Verifier
	// Policy はトランスポート層のルートポリシー。nil なら DefaultPolicy を使う。
	Policy *policy.Table
	// Forwarder はRESTルートの転送先。
	Forwarder *proxy.Forwarder
	// Executor はGraphQLオペレーションの実行先。
	Executor Executor
	// GraphQLPath はGraphQLエントリポイントのパス。上流でも同じパスを使う。
	GraphQLPath string
	// CORSOrigins はクロスオリジンを許可するオリジン。
	CORSOrigins []string
	// Health はヘルスチェッカー。nil なら Forwarder から生成する。
	Health *HealthChecker
	// Logger は構造化ロガー。
	Logger *zap.Logger
}

// Server はゲートウェイのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// addr はリッスンアドレス。
	addr string
	// logger は構造化ロガー。
	logger *zap.Logger
	// verifier はベアラートークンの検証器。
	verifier *token.Verifier
	// forwarder はRESTルートの転送先。
	forwarder *proxy.Forwarder
	// executor はGraphQLオペレーションの実行先。
	executor Executor
	// graphQLPath はGraphQLエントリポイントのパス。
	graphQLPath string
	// health はバックエンドのヘルスチェッカー。
	health *HealthChecker
}

// NewServer は新しいゲートウェイサーバーを生成する。
func NewServer(addr string, opts Options) (*Server, error) {
	if opts.Verifier == nil {
		return nil, errors.New("トークン検証器が設定されていません")
	}
	if opts.Forwarder == nil {
		return nil, errors.New("転送先が設定されていません")
	}
	if opts.Executor == nil {
		return nil, errors.New("GraphQLの実行先が設定されていません")
	}
	if opts.GraphQLPath == "" {
		opts.GraphQLPath = "/graphql"
	}
	if opts.Policy == nil {
		opts.Policy = DefaultPolicy(opts.GraphQLPath)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Health == nil {
		opts.Health = NewHealthChecker(opts.Forwarder, 0, nil, opts.GraphQLPath)
	}

	router := gin.New()
	router.Use(middleware.Recovery(opts.Logger))
	router.Use(logging.Middleware(opts.Logger))
	router.Use(middleware.CORS(opts.CORSOrigins))
	router.Use(middleware.Guard(opts.Verifier, opts.Policy))

	s := &Server{
		router:      router,
		addr:        addr,
		logger:      opts.Logger,
		verifier:    opts.Verifier,
		forwarder:   opts.Forwarder,
		executor:    opts.Executor,
		graphQLPath: opts.GraphQLPath,
		health:      opts.Health,
	}
	s.setupRoutes()
	return s, nil
}

// NewServerFromConfig は設定からゲートウェイサーバーを生成する。
// 鍵素材が選択できない場合や設定が不正な場合は起動を中止するためエラーを返す。
func NewServerFromConfig(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	key, err := token.LoadKeyMaterial(cfg.Auth.PublicKeyPath, cfg.Auth.JWTSecret)
	if err != nil {
		return nil, err
	}
	verifier, err := token.NewVerifier(key)
	if err != nil {
		return nil, err
	}
	logger.Info("トークン検証方式を選択しました", zap.String("algorithm", verifier.Algorithm()))

	forwarder, err := proxy.New(cfg.Services)
	if err != nil {
		return nil, err
	}
	table, err := LoadPolicy(cfg.GraphQL.Path, cfg.Policy.File)
	if err != nil {
		return nil, err
	}
	logPolicy(logger, table)

	upstream, ok := cfg.Services[cfg.GraphQL.Service]
	if !ok {
		return nil, fmt.Errorf("GraphQLの上流サービス %q が設定されていません", cfg.GraphQL.Service)
	}

	return NewServer(cfg.Addr(), Options{
		Verifier:    verifier,
		Policy:      table,
		Forwarder:   forwarder,
		Executor:    httpclient.New(strings.TrimRight(upstream, "/"), httpclient.WithTimeout(cfg.GraphQL.Timeout)),
		GraphQLPath: cfg.GraphQL.Path,
		CORSOrigins: cfg.CORS.Origins,
		Health:      NewHealthChecker(forwarder, cfg.Health.Timeout, cfg.Health.GraphQLServices, cfg.GraphQL.Path),
		Logger:      logger,
	})
}

// logPolicy は起動時に解決済みのルートポリシーを記録する。
func logPolicy(logger *zap.Logger, table *policy.Table) {
	entries := table.Entries()
	logger.Info("ルートポリシーを読み込みました", zap.Int("entries", len(entries)))
	for _, e := range entries {
		logger.Debug("ルートポリシー",
			zap.String("method", e.Selector.Method),
			zap.String("path", e.Selector.Path),
			zap.Stringer("requirement", e.Requirement),
		)
	}
}

// Handler はテスト用にHTTPハンドラーを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はHTTPサーバーを起動し、ctx がキャンセルされたら停止する。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("ゲートウェイを起動します", zap.String("addr", s.addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// handleGraphQL はゲートを通過したオペレーションを上流へ転送する。
// Authorizationと派生ヘッダーを引き継ぐ。
func (s *Server) handleGraphQL(c *gin.Context) {
	v, ok := c.Get(contextKeyGraphQLRequest)
	req, _ := v.(gql.Request)
	if !ok {
		c.JSON(http.StatusBadRequest, gql.ErrorResponse("graphql request is missing", codeParseFailed))
		return
	}

	header := http.Header{}
	if auth := c.GetHeader("Authorization"); auth != "" {
		header.Set("Authorization", auth)
	}
	for _, name := range middleware.IdentityHeaders {
		if v := c.Request.Header.Get(name); v != "" {
			header.Set(name, v)
		}
	}
	if id := c.Writer.Header().Get(logging.HeaderRequestID); id != "" {
		header.Set(logging.HeaderRequestID, id)
	}

	resp, status, err := s.executor.Execute(c.Request.Context(), s.graphQLPath, req, header)
	if err != nil {
		fields := []zap.Field{zap.String("operation", req.OperationName), zap.Error(err)}
		if claims, ok := middleware.GetClaims(c); ok {
			fields = append(fields, zap.String("user_id", claims.SubjectID))
		}
		logging.FromGin(c).Error("GraphQLの上流呼び出しに失敗", fields...)
		c.JSON(http.StatusBadGateway, gql.ErrorResponse("upstream graphql service is unavailable", codeBadGateway))
		return
	}
	if status == 0 {
		status = http.StatusOK
	}
	c.JSON(status, resp)
}

func (s *Server) handleHealth(c *gin.Context) {
	overall, err := s.health.Overall(c.Request.Context())
	if err != nil {
		s.abortHealth(c, err)
		return
	}
	c.JSON(http.StatusOK, overall)
}

func (s *Server) handleServicesHealth(c *gin.Context) {
	services, err := s.health.CheckServices(c.Request.Context())
	if err != nil {
		s.abortHealth(c, err)
		return
	}
	c.JSON(http.StatusOK, services)
}

// abortHealth は確認を打ち切ったヘルスチェックの応答を返す。
func (s *Server) abortHealth(c *gin.Context, err error) {
	logging.FromGin(c).Warn("ヘルスチェックを中断しました", zap.Error(err))
	c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"status": statusUnhealthy, "error": err.Error()})
}
