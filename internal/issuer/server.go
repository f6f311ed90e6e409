package issuer

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/gatekeeper/pkg/logging"
	"github.com/nao1215/gatekeeper/pkg/middleware"
	"go.uber.org/zap"
)

// Pinger は依存先への疎通確認を行う。
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server はissuerサービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// addr はリッスンアドレス。
	addr string
	// logger は構造化ロガー。
	logger *zap.Logger
	// publicKeyPEM は配布用のPEM形式の公開鍵。
	publicKeyPEM []byte
	// dependencies はヘルスチェックで確認する依存先。
	dependencies map[string]Pinger
}

// NewServer は新しいissuerサーバーを生成する。
func NewServer(addr string, service *Service, logger *zap.Logger, dependencies map[string]Pinger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	der, err := x509.MarshalPKIXPublicKey(service.signer.PublicKey())
	if err != nil {
		return nil, fmt.Errorf("公開鍵のエンコードに失敗: %w", err)
	}

	router := gin.New()
	router.Use(middleware.Recovery(logger))
	router.Use(logging.Middleware(logger))

	s := &Server{
		router:       router,
		addr:         addr,
		logger:       logger,
		publicKeyPEM: pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}),
		dependencies: dependencies,
	}
	s.setupRoutes(newGraphQLHandler(service))
	return s, nil
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
		s.logger.Info("issuerサービスを起動します", zap.String("addr", s.addr))
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

// setupRoutes はルーティングを設定する。
func (s *Server) setupRoutes(h *graphQLHandler) {
	// GraphQLエンドポイント
	s.router.POST("/graphql", h.handle)
	s.router.GET("/graphql", h.handle)

	// 検証側に配布する公開鍵
	s.router.GET("/.well-known/jwt-public-key", func(c *gin.Context) {
		c.Data(http.StatusOK, "application/x-pem-file", s.publicKeyPEM)
	})

	// ヘルスチェック
	s.router.GET("/health", s.handleHealth)
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := "ok"
	checks := make(map[string]string, len(s.dependencies))
	for name, dep := range s.dependencies {
		if err := dep.Ping(ctx); err != nil {
			checks[name] = err.Error()
			status = "degraded"
			continue
		}
		checks[name] = "ok"
	}

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"status": status, "service": "issuer", "checks": checks})
}
