package session

import (
	"context"
	"sync"
)

// User はセッションに紐づくユーザー情報。
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role,omitempty"`
}

// State は永続化するセッションの状態。
type State struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	User         *User  `json:"user,omitempty"`
}

// IsZero はセッションが空かを返す。
func (s State) IsZero() bool {
	return s.AccessToken == "" && s.RefreshToken == "" && s.User == nil
}

// Store はセッションの永続化先。
type Store interface {
	// Load は保存済みの状態を返す。保存されていなければゼロ値を返す。
	Load(ctx context.Context) (State, error)
	// Save は状態を保存する。
	Save(ctx context.Context, s State) error
	// Clear は保存済みの状態を削除する。
	Clear(ctx context.Context) error
}

// MemoryStore はプロセス内に状態を保持する Store。
type MemoryStore struct {
	mu    sync.RWMutex
	state State
}

// NewMemoryStore は空の MemoryStore を生成する。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load は保持している状態を返す。
func (m *MemoryStore) Load(_ context.Context) (State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state, nil
}

// Save は状態を保持する。
func (m *MemoryStore) Save(_ context.Context, s State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
	return nil
}

// Clear は保持している状態を破棄する。
func (m *MemoryStore) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = State{}
	return nil
}
