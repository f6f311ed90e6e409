package issuer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// errNoRefreshToken はユーザーにリフレッシュトークンが保存されていないことを表す。
var errNoRefreshToken = errors.New("no refresh token stored")

// RefreshStore はユーザーごとに現在有効なリフレッシュトークンを1つ保持する。
type RefreshStore interface {
	Save(ctx context.Context, userID, token string, ttl time.Duration) error
	Get(ctx context.Context, userID string) (string, error)
	Delete(ctx context.Context, userID string) error
}

// RedisRefreshStore はRedisにリフレッシュトークンを保存する。
type RedisRefreshStore struct {
	client *redis.Client
	prefix string
}

// NewRedisClient はRedisへ接続し、疎通を確認したクライアントを返す。
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("Redisへの接続に失敗: %w", err)
	}
	return client, nil
}

// NewRedisRefreshStore は prefix をキーの接頭辞とする RedisRefreshStore を生成する。
func NewRedisRefreshStore(client *redis.Client, prefix string) *RedisRefreshStore {
	return &RedisRefreshStore{client: client, prefix: prefix}
}

func (s *RedisRefreshStore) key(userID string) string {
	return s.prefix + userID
}

// Save はトークンを有効期限付きで保存する。既存のトークンは置き換える。
func (s *RedisRefreshStore) Save(ctx context.Context, userID, token string, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.key(userID), token, ttl).Err(); err != nil {
		return fmt.Errorf("リフレッシュトークンの保存に失敗: %w", err)
	}
	return nil
}

// Get は保存されているトークンを返す。
func (s *RedisRefreshStore) Get(ctx context.Context, userID string) (string, error) {
	v, err := s.client.Get(ctx, s.key(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", errNoRefreshToken
	}
	if err != nil {
		return "", fmt.Errorf("リフレッシュトークンの取得に失敗: %w", err)
	}
	return v, nil
}

// Delete は保存されているトークンを削除する。
func (s *RedisRefreshStore) Delete(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, s.key(userID)).Err(); err != nil {
		return fmt.Errorf("リフレッシュトークンの削除に失敗: %w", err)
	}
	return nil
}

// Ping はRedisへの疎通を確認する。
func (s *RedisRefreshStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// MemoryRefreshStore はプロセス内にリフレッシュトークンを保持する。Redisを使わない開発用。
type MemoryRefreshStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	token     string
	expiresAt time.Time
}

// NewMemoryRefreshStore は空の MemoryRefreshStore を生成する。
func NewMemoryRefreshStore() *MemoryRefreshStore {
	return &MemoryRefreshStore{entries: make(map[string]memoryEntry), now: time.Now}
}

// Save はトークンを保存する。
func (s *MemoryRefreshStore) Save(_ context.Context, userID, token string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[userID] = memoryEntry{token: token, expiresAt: s.now().Add(ttl)}
	return nil
}

// Get は有効期限内のトークンを返す。
func (s *MemoryRefreshStore) Get(_ context.Context, userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[userID]
	if !ok || !s.now().Before(e.expiresAt) {
		delete(s.entries, userID)
		return "", errNoRefreshToken
	}
	return e.token, nil
}

// Delete はトークンを削除する。
func (s *MemoryRefreshStore) Delete(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, userID)
	return nil
}
