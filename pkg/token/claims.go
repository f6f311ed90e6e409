package token

import (
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// トークンの用途。typ クレームに記録する。
const (
	// UseAccess はAPI呼び出しに使うアクセストークン。typ を持たないトークンもこれとみなす。
	UseAccess = "access"
	// UseRefresh はトークンの更新にだけ使うリフレッシュトークン。
	UseRefresh = "refresh"
)

// Claims は検証済みトークンから取り出した正規化済みのアイデンティティ。
// Verifier だけが生成し、リクエストに紐づけた後は変更しない。
type Claims struct {
	// SubjectID は認証済みユーザーの一意識別子。
	SubjectID string
	// Email はユーザーのメールアドレス。
	Email string
	// Roles は重複のないロール集合。
	Roles []string
	// WorkspaceID は所属ワークスペース。存在しない場合は空文字列。
	WorkspaceID string
	// Privileges は重複のない権限集合。存在しない場合は空スライス。
	Privileges []string
	// IssuedAt はトークンの発行時刻。
	IssuedAt time.Time
	// ExpiresAt はトークンの有効期限。
	ExpiresAt time.Time
	// Use はトークンの用途。UseAccess か UseRefresh。
	Use string
}

// HasRole はロール集合に role が含まれるかを返す。
func (c Claims) HasRole(role string) bool {
	return slices.Contains(c.Roles, role)
}

// HasAnyRole はロール集合に roles のいずれかが含まれるかを返す。
func (c Claims) HasAnyRole(roles ...string) bool {
	return slices.ContainsFunc(roles, c.HasRole)
}

// HasPrivilege は権限集合に privilege が含まれるかを返す。
func (c Claims) HasPrivilege(privilege string) bool {
	return slices.Contains(c.Privileges, privilege)
}

// wireClaims はトークンのペイロード表現。
// 発行元によってロールが role（単数）と roles（配列）のどちらで届くかが異なる。
type wireClaims struct {
	jwt.RegisteredClaims
	UserID      string   `json:"userId,omitempty"`
	Email       string   `json:"email"`
	Role        string   `json:"role,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	WorkspaceID string   `json:"workspaceId,omitempty"`
	Privileges  []string `json:"privileges,omitempty"`
	Use         string   `json:"typ,omitempty"`
}

// normalize はペイロードを Claims に変換する。
func (w *wireClaims) normalize() Claims {
	subject := w.UserID
	if subject == "" {
		subject = w.Subject
	}

	roles := w.Roles
	if w.Role != "" {
		roles = append(slices.Clone(roles), w.Role)
	}

	c := Claims{
		SubjectID:   subject,
		Email:       w.Email,
		Roles:       uniqueSet(roles),
		WorkspaceID: w.WorkspaceID,
		Privileges:  uniqueSet(w.Privileges),
		Use:         w.Use,
	}
	if c.Use == "" {
		c.Use = UseAccess
	}
	if w.IssuedAt != nil {
		c.IssuedAt = w.IssuedAt.Time
	}
	if w.ExpiresAt != nil {
		c.ExpiresAt = w.ExpiresAt.Time
	}
	return c
}

// toWire は Claims を署名用のペイロードに変換する。
func toWire(c Claims) *wireClaims {
	w := &wireClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: c.SubjectID,
		},
		UserID:      c.SubjectID,
		Email:       c.Email,
		Roles:       uniqueSet(c.Roles),
		WorkspaceID: c.WorkspaceID,
		Privileges:  uniqueSet(c.Privileges),
		Use:         c.Use,
	}
	if !c.IssuedAt.IsZero() {
		w.IssuedAt = jwt.NewNumericDate(c.IssuedAt)
	}
	if !c.ExpiresAt.IsZero() {
		w.ExpiresAt = jwt.NewNumericDate(c.ExpiresAt)
	}
	return w
}

// uniqueSet は出現順を保ったまま空文字列と重複を除いたスライスを返す。
// 常に非nilを返す。
func uniqueSet(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" || slices.Contains(out, v) {
			continue
		}
		out = append(out, v)
	}
	return out
}
