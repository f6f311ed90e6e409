package issuer

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nao1215/gatekeeper/pkg/migration"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrEmailTaken は同じメールアドレスのユーザーが既に存在することを表す。
var ErrEmailTaken = errors.New("user with this email already exists")

// User は登録済みのユーザー。
type User struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	Role         string    `json:"role"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
}

// UserStore はユーザーをSQLiteに保存する。
type UserStore struct {
	db *sql.DB
}

// OpenUserStore は path のデータベースを開き、マイグレーションを適用する。
func OpenUserStore(ctx context.Context, path string, logger *zap.Logger) (*UserStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	store, err := NewUserStore(ctx, db, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewUserStore は既存の接続にマイグレーションを適用して UserStore を生成する。
func NewUserStore(ctx context.Context, db *sql.DB, logger *zap.Logger) (*UserStore, error) {
	if err := migration.Run(ctx, db, migrationsFS, "migrations", migration.WithLogger(logger)); err != nil {
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}
	return &UserStore{db: db}, nil
}

// Ping はデータベースへの疎通を確認する。
func (s *UserStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close はデータベース接続を閉じる。
func (s *UserStore) Close() error {
	return s.db.Close()
}

// Create はユーザーを保存する。メールアドレスが重複する場合は ErrEmailTaken を返す。
func (s *UserStore) Create(ctx context.Context, u User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, name, email, role, password_hash, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		u.ID, u.Name, u.Email, u.Role, u.PasswordHash, u.CreatedAt.UTC())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrEmailTaken
		}
		return fmt.Errorf("ユーザーの保存に失敗: %w", err)
	}
	return nil
}

// FindByEmail はメールアドレスでユーザーを検索する。
func (s *UserStore) FindByEmail(ctx context.Context, email string) (User, error) {
	return s.findOne(ctx, `WHERE email = ?`, email)
}

// FindByID はIDでユーザーを検索する。
func (s *UserStore) FindByID(ctx context.Context, id string) (User, error) {
	return s.findOne(ctx, `WHERE id = ?`, id)
}

func (s *UserStore) findOne(ctx context.Context, where string, arg any) (User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, email, role, password_hash, created_at FROM users `+where, arg,
	).Scan(&u.ID, &u.Name, &u.Email, &u.Role, &u.PasswordHash, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("ユーザーの取得に失敗: %w", err)
	}
	return u, nil
}
