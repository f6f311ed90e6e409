package session

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nao1215/gatekeeper/pkg/migration"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DefaultProfile は既定のプロファイル名。
const DefaultProfile = "default"

// SQLiteStore はSQLiteにセッションを保存する Store。
// プロファイルごとに1行を持ち、複数のアカウントを切り替えられる。
type SQLiteStore struct {
	db      *sql.DB
	profile string
}

// OpenSQLiteStore は path のデータベースを開き、マイグレーションを適用した SQLiteStore を返す。
func OpenSQLiteStore(ctx context.Context, path, profile string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	store, err := NewSQLiteStore(ctx, db, profile)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLiteStore は既存の接続から SQLiteStore を生成する。
func NewSQLiteStore(ctx context.Context, db *sql.DB, profile string) (*SQLiteStore, error) {
	if profile == "" {
		profile = DefaultProfile
	}
	if err := migration.Run(ctx, db, migrationsFS, "migrations", migration.WithTable("session_migrations")); err != nil {
		return nil, fmt.Errorf("セッションスキーマの初期化に失敗: %w", err)
	}
	return &SQLiteStore{db: db, profile: profile}, nil
}

// Close はデータベース接続を閉じる。
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Load は保存済みの状態を返す。
func (s *SQLiteStore) Load(ctx context.Context) (State, error) {
	var st State
	var userJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, user_json FROM sessions WHERE profile = ?`, s.profile,
	).Scan(&st.AccessToken, &st.RefreshToken, &userJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return State{}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("セッションの読み込みに失敗: %w", err)
	}
	if userJSON != "" {
		var u User
		if err := json.Unmarshal([]byte(userJSON), &u); err != nil {
			return State{}, fmt.Errorf("ユーザー情報のデコードに失敗: %w", err)
		}
		st.User = &u
	}
	return st, nil
}

// Save は状態を保存する。
func (s *SQLiteStore) Save(ctx context.Context, st State) error {
	var userJSON string
	if st.User != nil {
		b, err := json.Marshal(st.User)
		if err != nil {
			return fmt.Errorf("ユーザー情報のエンコードに失敗: %w", err)
		}
		userJSON = string(b)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (profile, access_token, refresh_token, user_json, updated_at)
		VALUES (?, ?, ?, ?, datetime('now'))
		ON CONFLICT(profile) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			user_json = excluded.user_json,
			updated_at = excluded.updated_at`,
		s.profile, st.AccessToken, st.RefreshToken, userJSON)
	if err != nil {
		return fmt.Errorf("セッションの保存に失敗: %w", err)
	}
	return nil
}

// Clear は保存済みの状態を削除する。
func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE profile = ?`, s.profile); err != nil {
		return fmt.Errorf("セッションの削除に失敗: %w", err)
	}
	return nil
}
