// Package config はゲートウェイとissuerサービスの設定を読み込む。
//
// 設定はYAMLファイル、GATEKEEPER_ を接頭辞とする環境変数、既定値の順に解決する。
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix は環境変数で設定を上書きする際の接頭辞。
const EnvPrefix = "GATEKEEPER"

// Config はプロセス全体の設定。
type Config struct {
	App      AppConfig         `mapstructure:"app"`
	Auth     AuthConfig        `mapstructure:"auth"`
	Services map[string]string `mapstructure:"services"`
	GraphQL  GraphQLConfig     `mapstructure:"graphql"`
	CORS     CORSConfig        `mapstructure:"cors"`
	Policy   PolicyConfig      `mapstructure:"policy"`
	Redis    RedisConfig       `mapstructure:"redis"`
	SQLite   SQLiteConfig      `mapstructure:"sqlite"`
	Health   HealthConfig      `mapstructure:"health"`
}

// AppConfig は実行環境とリッスンポート。
type AppConfig struct {
	Env  string `mapstructure:"env"`
	Port int    `mapstructure:"port"`
}

// AuthConfig はトークンの検証と発行に関する設定。
type AuthConfig struct {
	// PublicKeyPath が存在すればRS256、存在しなければ JWTSecret によるHS256で検証する。
	PublicKeyPath   string        `mapstructure:"public_key_path"`
	PrivateKeyPath  string        `mapstructure:"private_key_path"`
	JWTSecret       string        `mapstructure:"jwt_secret"`
	Issuer          string        `mapstructure:"issuer"`
	AccessTokenTTL  time.Duration `mapstructure:"access_token_ttl"`
	RefreshTokenTTL time.Duration `mapstructure:"refresh_token_ttl"`
}

// GraphQLConfig はGraphQLエントリポイントの転送先。
type GraphQLConfig struct {
	// Service はGraphQLを実行する上流サービス名。Services のキーを指定する。
	Service string `mapstructure:"service"`
	// Path は上流サービスのGraphQLパス。
	Path string `mapstructure:"path"`
	// Timeout は上流GraphQL呼び出しのタイムアウト。
	Timeout time.Duration `mapstructure:"timeout"`
}

// CORSConfig はクロスオリジンを許可するオリジン。
type CORSConfig struct {
	Origins []string `mapstructure:"origins"`
}

// PolicyConfig はルートポリシーの追加定義ファイル。
type PolicyConfig struct {
	File string `mapstructure:"file"`
}

// RedisConfig はリフレッシュトークンの保存先。Addr が空ならメモリに保存する。
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// SQLiteConfig はユーザーストアのデータベースファイル。
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// HealthConfig はヘルスチェックの設定。
type HealthConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
	// GraphQLServices は専用のヘルスエンドポイントが失敗したときに
	// GraphQLクエリで再確認するサービス名。
	GraphQLServices []string `mapstructure:"graphql_services"`
}

// Load は path のYAMLファイルと環境変数から設定を読み込む。
// path が空、またはファイルが存在しない場合は既定値と環境変数のみを使う。
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("設定の展開に失敗: %w", err)
	}
	cfg.CORS.Origins = splitList(cfg.CORS.Origins)
	cfg.Health.GraphQLServices = splitList(cfg.Health.GraphQLServices)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "local")
	v.SetDefault("app.port", 4000)

	v.SetDefault("auth.public_key_path", "keys/jwtRS256.key.pub")
	v.SetDefault("auth.private_key_path", "keys/jwtRS256.key")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "gatekeeper")
	v.SetDefault("auth.access_token_ttl", "15m")
	v.SetDefault("auth.refresh_token_ttl", "168h")

	v.SetDefault("services.users", "http://localhost:3001")
	v.SetDefault("services.products", "http://localhost:3002")
	v.SetDefault("services.orders", "http://localhost:3003")
	v.SetDefault("services.auth", "http://localhost:3004")
	v.SetDefault("services.media", "http://localhost:3005")

	v.SetDefault("graphql.service", "users")
	v.SetDefault("graphql.path", "/graphql")
	v.SetDefault("graphql.timeout", "30s")

	v.SetDefault("cors.origins", []string{"http://localhost:3000"})
	v.SetDefault("policy.file", "")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "gatekeeper:refresh:")

	v.SetDefault("sqlite.path", "data/issuer.db")
	v.SetDefault("health.timeout", "5s")
	v.SetDefault("health.graphql_services", []string{"users", "products"})
}

// Validate は設定値の整合性を検証する。すべての問題をまとめて返す。
func (c *Config) Validate() error {
	var errs []error

	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("app.port must be between 1 and 65535: %d", c.App.Port))
	}
	if c.Auth.AccessTokenTTL <= 0 {
		errs = append(errs, errors.New("auth.access_token_ttl must be positive"))
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		errs = append(errs, errors.New("auth.refresh_token_ttl must be positive"))
	}
	for name, raw := range c.Services {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("services.%s must be an absolute URL: %q", name, raw))
		}
	}
	if c.GraphQL.Service != "" {
		if _, ok := c.Services[c.GraphQL.Service]; !ok {
			errs = append(errs, fmt.Errorf("graphql.service %q is not defined in services", c.GraphQL.Service))
		}
	}
	if c.Health.Timeout <= 0 {
		errs = append(errs, errors.New("health.timeout must be positive"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("設定が不正です: %w", errors.Join(errs...))
	}
	return nil
}

// IsLocal はローカル開発環境かを返す。
func (c *Config) IsLocal() bool {
	return c.App.Env == "local" || c.App.Env == "dev"
}

// Addr はリッスンアドレスを返す。
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

// splitList は環境変数から渡されたカンマ区切りの値を展開する。
func splitList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
