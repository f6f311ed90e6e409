package issuer

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nao1215/gatekeeper/pkg/token"
	"golang.org/x/crypto/bcrypt"
)

// DefaultRole は登録時にロールが指定されなかった場合のロール。
const DefaultRole = "user"

// サービスのエラー。
var (
	// ErrUserNotFound はトークンの主体となるユーザーが存在しないことを表す。
	ErrUserNotFound = errors.New("user not found")
	// ErrRefreshTokenMismatch は提示されたリフレッシュトークンが保存中のものと一致しないことを表す。
	ErrRefreshTokenMismatch = errors.New("refresh token does not match")
	// ErrInvalidCredentials はメールアドレスまたはパスワードが正しくないことを表す。
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidInput は入力値が不正であることを表す。
	ErrInvalidInput = errors.New("invalid input")
)

// Users はサービスが使うユーザーの永続化層。
type Users interface {
	Create(ctx context.Context, u User) error
	FindByEmail(ctx context.Context, email string) (User, error)
	FindByID(ctx context.Context, id string) (User, error)
}

// AuthPayload は login / register / refreshToken の結果。
type AuthPayload struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	// Token は accessToken の別名。
	Token string `json:"token"`
	User  User   `json:"user"`
}

// Service はユーザーの認証とトークン発行を行う。
type Service struct {
	users      Users
	refresh    RefreshStore
	signer     *token.Signer
	verifier   *token.Verifier
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// NewService は Service を生成する。リフレッシュトークンの検証には signer の公開鍵を使う。
func NewService(users Users, refresh RefreshStore, signer *token.Signer, accessTTL, refreshTTL time.Duration) (*Service, error) {
	verifier, err := token.NewVerifier(token.Asymmetric{PublicKey: signer.PublicKey()})
	if err != nil {
		return nil, err
	}
	return &Service{
		users:      users,
		refresh:    refresh,
		signer:     signer,
		verifier:   verifier,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        time.Now,
	}, nil
}

// Register はユーザーを作成してトークンを発行する。
func (s *Service) Register(ctx context.Context, name, email, password, role string) (AuthPayload, error) {
	name = strings.TrimSpace(name)
	email = normalizeEmail(email)
	if name == "" {
		return AuthPayload{}, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return AuthPayload{}, fmt.Errorf("%w: email is invalid", ErrInvalidInput)
	}
	if len(password) < 6 {
		return AuthPayload{}, fmt.Errorf("%w: password must be at least 6 characters", ErrInvalidInput)
	}
	if role = strings.TrimSpace(role); role == "" {
		role = DefaultRole
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return AuthPayload{}, fmt.Errorf("パスワードのハッシュ化に失敗: %w", err)
	}

	u := User{
		ID:           uuid.NewString(),
		Name:         name,
		Email:        email,
		Role:         role,
		PasswordHash: string(hash),
		CreatedAt:    s.now(),
	}
	if err := s.users.Create(ctx, u); err != nil {
		return AuthPayload{}, err
	}
	return s.issue(ctx, u)
}

// Login はメールアドレスとパスワードを確認してトークンを発行する。
func (s *Service) Login(ctx context.Context, email, password string) (AuthPayload, error) {
	u, err := s.users.FindByEmail(ctx, normalizeEmail(email))
	if errors.Is(err, ErrUserNotFound) {
		return AuthPayload{}, ErrInvalidCredentials
	}
	if err != nil {
		return AuthPayload{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return AuthPayload{}, ErrInvalidCredentials
	}
	return s.issue(ctx, u)
}

// Refresh はリフレッシュトークンを検証し、新しいトークンの組に入れ替える。
// 一度使われたリフレッシュトークンは以降 ErrRefreshTokenMismatch になる。
// アクセストークンは token.ErrMalformedToken で拒否する。
func (s *Service) Refresh(ctx context.Context, refreshToken string) (AuthPayload, error) {
	claims, err := s.verifier.VerifyRefresh(refreshToken)
	if err != nil {
		return AuthPayload{}, err
	}

	u, err := s.users.FindByID(ctx, claims.SubjectID)
	if err != nil {
		return AuthPayload{}, err
	}

	stored, err := s.refresh.Get(ctx, u.ID)
	if errors.Is(err, errNoRefreshToken) {
		return AuthPayload{}, ErrRefreshTokenMismatch
	}
	if err != nil {
		return AuthPayload{}, err
	}
	if stored != refreshToken {
		return AuthPayload{}, ErrRefreshTokenMismatch
	}
	return s.issue(ctx, u)
}

// Me はアクセストークンの主体のユーザーを返す。
func (s *Service) Me(ctx context.Context, claims token.Claims) (User, error) {
	return s.users.FindByID(ctx, claims.SubjectID)
}

// Logout はアクセストークンの主体の保存中のリフレッシュトークンを破棄する。
func (s *Service) Logout(ctx context.Context, claims token.Claims) error {
	return s.refresh.Delete(ctx, claims.SubjectID)
}

// issue はアクセストークンとリフレッシュトークンを発行し、リフレッシュトークンを保存する。
func (s *Service) issue(ctx context.Context, u User) (AuthPayload, error) {
	now := s.now()
	base := token.Claims{
		SubjectID: u.ID,
		Email:     u.Email,
		Roles:     []string{u.Role},
		IssuedAt:  now,
	}

	access := base
	access.Use = token.UseAccess
	access.ExpiresAt = now.Add(s.accessTTL)
	accessToken, err := s.signer.Sign(access)
	if err != nil {
		return AuthPayload{}, err
	}

	refresh := base
	refresh.Use = token.UseRefresh
	refresh.ExpiresAt = now.Add(s.refreshTTL)
	refreshToken, err := s.signer.Sign(refresh)
	if err != nil {
		return AuthPayload{}, err
	}

	if err := s.refresh.Save(ctx, u.ID, refreshToken, s.refreshTTL); err != nil {
		return AuthPayload{}, err
	}
	return AuthPayload{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		Token:        accessToken,
		User:         u,
	}, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
