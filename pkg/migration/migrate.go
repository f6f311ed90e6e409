// Package migration はSQLiteデータベースのスキーママイグレーションを管理する。
// fs.FSからSQLファイルを読み込み、管理テーブルで適用済みのバージョンを追跡する。
package migration

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"

	"go.uber.org/zap"
)

// DefaultTable はバージョン管理テーブルの既定名。
const DefaultTable = "schema_migrations"

// fileNamePattern はマイグレーションファイル名の形式（000001_description.up.sql）。
var fileNamePattern = regexp.MustCompile(`^(\d+)_([A-Za-z0-9_]+)\.up\.sql$`)

// tableNamePattern は管理テーブル名として許可する識別子。
var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Migrator はマイグレーションを適用する。
type Migrator struct {
	db     *sql.DB
	table  string
	logger *zap.Logger
}

// Option は Migrator の設定を変更する。
type Option func(*Migrator)

// WithTable は管理テーブル名を変更する。同じデータベースを複数の用途で共有する場合に使う。
func WithTable(name string) Option {
	return func(m *Migrator) { m.table = name }
}

// WithLogger は適用結果を出力するロガーを設定する。
func WithLogger(l *zap.Logger) Option {
	return func(m *Migrator) {
		if l != nil {
			m.logger = l
		}
	}
}

// New は Migrator を生成する。
func New(db *sql.DB, opts ...Option) (*Migrator, error) {
	m := &Migrator{db: db, table: DefaultTable, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(m)
	}
	if !tableNamePattern.MatchString(m.table) {
		return nil, fmt.Errorf("管理テーブル名が不正です: %q", m.table)
	}
	return m, nil
}

// Run は db に対して fsys の dir 配下のマイグレーションを適用する。
func Run(ctx context.Context, db *sql.DB, fsys fs.FS, dir string, opts ...Option) error {
	m, err := New(db, opts...)
	if err != nil {
		return err
	}
	return m.Up(ctx, fsys, dir)
}

type migrationFile struct {
	version int
	name    string
	path    string
}

// Up は未適用のマイグレーションをバージョン順に適用する。
func (m *Migrator) Up(ctx context.Context, fsys fs.FS, dir string) error {
	if _, err := m.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
		)`, m.table)); err != nil {
		return fmt.Errorf("マイグレーション管理テーブルの作成に失敗: %w", err)
	}

	applied, err := m.Applied(ctx)
	if err != nil {
		return err
	}

	files, err := collect(fsys, dir)
	if err != nil {
		return fmt.Errorf("マイグレーションファイルの収集に失敗: %w", err)
	}

	done := make(map[int]bool, len(applied))
	for _, v := range applied {
		done[v] = true
	}
	for _, f := range files {
		if done[f.version] {
			continue
		}
		if err := m.apply(ctx, fsys, f); err != nil {
			return fmt.Errorf("マイグレーション %06d の適用に失敗: %w", f.version, err)
		}
		m.logger.Info("migration applied",
			zap.String("table", m.table),
			zap.Int("version", f.version),
			zap.String("name", f.name),
		)
	}
	return nil
}

// Applied は適用済みのバージョンを昇順で返す。
func (m *Migrator) Applied(ctx context.Context) ([]int, error) {
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf("SELECT version FROM %s ORDER BY version", m.table))
	if err != nil {
		return nil, fmt.Errorf("適用済みバージョンの取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("適用済みバージョンの読み取りに失敗: %w", err)
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func collect(fsys fs.FS, dir string) ([]migrationFile, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, err
	}

	files := make([]migrationFile, 0, len(entries))
	seen := make(map[int]string, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := fileNamePattern.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		version, err := strconv.Atoi(match[1])
		if err != nil {
			continue
		}
		if prev, ok := seen[version]; ok {
			return nil, fmt.Errorf("バージョン %d が重複しています: %s, %s", version, prev, entry.Name())
		}
		seen[version] = entry.Name()
		files = append(files, migrationFile{
			version: version,
			name:    match[2],
			path:    path.Join(dir, entry.Name()),
		})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].version < files[j].version
	})
	return files, nil
}

func (m *Migrator) apply(ctx context.Context, fsys fs.FS, f migrationFile) error {
	content, err := fs.ReadFile(fsys, f.path)
	if err != nil {
		return fmt.Errorf("ファイル読み込みに失敗: %w", err)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return fmt.Errorf("SQL実行に失敗: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (version, name) VALUES (?, ?)", m.table), f.version, f.name); err != nil {
		return fmt.Errorf("バージョン記録に失敗: %w", err)
	}
	return tx.Commit()
}
