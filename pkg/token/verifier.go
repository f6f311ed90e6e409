package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Verifier はベアラートークンを検証して Claims を取り出す。
// 保持する状態は読み取り専用の鍵素材のみで、並行に呼び出してよい。
type Verifier struct {
	// key は起動時に選択された鍵素材。
	key KeyMaterial
	// now は現在時刻の取得関数。テストで差し替える。
	now func() time.Time
}

// NewVerifier は鍵素材を固定した Verifier を生成する。
func NewVerifier(key KeyMaterial) (*Verifier, error) {
	if key == nil {
		return nil, errors.New("鍵素材が指定されていません")
	}
	switch k := key.(type) {
	case Asymmetric:
		if k.PublicKey == nil {
			return nil, errors.New("RSA公開鍵が空です")
		}
	case Shared:
		if len(k.Secret) == 0 {
			return nil, errors.New("共有シークレットが空です")
		}
	}
	return &Verifier{key: key, now: time.Now}, nil
}

// Algorithm は受け付ける署名アルゴリズム名を返す。
func (v *Verifier) Algorithm() string {
	return v.key.Algorithm()
}

// Verify はアクセストークンの署名・有効期限・必須クレームを検証する。
// 選択されていない方式で署名されたトークンは、もう一方の方式を試さずに ErrMalformedToken とする。
// リフレッシュトークンも ErrMalformedToken とする。
func (v *Verifier) Verify(raw string) (Claims, error) {
	return v.verify(raw, UseAccess)
}

// VerifyRefresh はリフレッシュトークンを検証する。アクセストークンは ErrMalformedToken とする。
func (v *Verifier) VerifyRefresh(raw string) (Claims, error) {
	return v.verify(raw, UseRefresh)
}

func (v *Verifier) verify(raw, use string) (Claims, error) {
	wire := &wireClaims{}
	parser := jwt.NewParser(
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)

	_, err := parser.ParseWithClaims(raw, wire, func(t *jwt.Token) (any, error) {
		if t.Method == nil || t.Method.Alg() != v.key.Algorithm() {
			return nil, fmt.Errorf("%w: unexpected signing method %v", ErrMalformedToken, t.Header["alg"])
		}
		return v.key.verificationKey(), nil
	})
	if err != nil {
		return Claims{}, classify(err)
	}

	claims := wire.normalize()
	if claims.SubjectID == "" || claims.Email == "" {
		return Claims{}, fmt.Errorf("%w: invalid token payload", ErrMalformedToken)
	}
	if claims.Use != use {
		return Claims{}, fmt.Errorf("%w: %s token is not accepted as %s token", ErrMalformedToken, claims.Use, use)
	}
	return claims, nil
}

// classify はjwtライブラリのエラーを認証失敗の分類に変換する。
func classify(err error) error {
	switch {
	case errors.Is(err, ErrMalformedToken):
		return ErrMalformedToken
	case errors.Is(err, jwt.ErrTokenMalformed):
		return ErrMalformedToken
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return ErrInvalidSignature
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrTokenExpired
	default:
		return fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
}
