// issuerサービスのエントリポイント。
// ユーザーの登録とログインを受け付け、RS256で署名したトークンを発行する。
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/nao1215/gatekeeper/internal/config"
	"github.com/nao1215/gatekeeper/internal/issuer"
	"github.com/nao1215/gatekeeper/pkg/logging"
	"github.com/nao1215/gatekeeper/pkg/token"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "issuerサービスの起動に失敗: %v\n", err)
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	signer, err := token.NewSigner(cfg.Auth.PrivateKeyPath, cfg.Auth.Issuer, cfg.Auth.AccessTokenTTL)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.SQLite.Path), 0o755); err != nil {
		return fmt.Errorf("データディレクトリの作成に失敗: %w", err)
	}
	users, err := issuer.OpenUserStore(ctx, cfg.SQLite.Path, logger)
	if err != nil {
		return err
	}
	defer func() { _ = users.Close() }()

	dependencies := map[string]issuer.Pinger{"sqlite": users}
	var refresh issuer.RefreshStore
	if cfg.Redis.Addr != "" {
		client, err := issuer.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		defer func() { _ = client.Close() }()
		store := issuer.NewRedisRefreshStore(client, cfg.Redis.KeyPrefix)
		refresh = store
		dependencies["redis"] = store
	} else {
		logger.Warn("redis.addrが未設定のため、リフレッシュトークンをメモリに保存します")
		refresh = issuer.NewMemoryRefreshStore()
	}

	service, err := issuer.NewService(users, refresh, signer, cfg.Auth.AccessTokenTTL, cfg.Auth.RefreshTokenTTL)
	if err != nil {
		return err
	}
	server, err := issuer.NewServer(cfg.Addr(), service, logger, dependencies)
	if err != nil {
		return err
	}
	return server.Run(ctx)
}

// configPath は設定ファイルのパスを返す。
func configPath() string {
	if p := os.Getenv("GATEKEEPER_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}
