// ゲートウェイのエントリポイント。
// ルートポリシーとGraphQLオペレーション単位の認証を強制し、バックエンドへ転送する。
// 外部からアクセス可能な唯一のサービスであり、セキュリティの境界線となる。
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nao1215/gatekeeper/internal/config"
	"github.com/nao1215/gatekeeper/internal/gateway"
	"github.com/nao1215/gatekeeper/pkg/logging"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "ゲートウェイの起動に失敗: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.App.Env)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	server, err := gateway.NewServerFromConfig(cfg, logger)
	if err != nil {
		logger.Error("ゲートウェイの初期化に失敗", zap.Error(err))
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return server.Run(ctx)
}

// configPath は設定ファイルのパスを返す。
func configPath() string {
	if p := os.Getenv("GATEKEEPER_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}
