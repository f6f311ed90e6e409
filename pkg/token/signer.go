package token

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Signer はRSA秘密鍵でRS256トークンを発行する。issuerサービスが使用する。
type Signer struct {
	// key は署名用のRSA秘密鍵。
	key *rsa.PrivateKey
	// issuer はissクレームに設定する発行者名。
	issuer string
	// ttl は有効期限が指定されなかった場合の既定の有効期間。
	ttl time.Duration
	// now は現在時刻の取得関数。テストで差し替える。
	now func() time.Time
}

// NewSigner は privateKeyPath の秘密鍵を読み込んで Signer を生成する。
// 秘密鍵が存在しない場合は起動を継続できないためエラーを返す。
func NewSigner(privateKeyPath, issuer string, ttl time.Duration) (*Signer, error) {
	key, err := LoadPrivateKey(privateKeyPath)
	if err != nil {
		return nil, err
	}
	return NewSignerFromKey(key, issuer, ttl)
}

// NewSignerFromKey は読み込み済みの秘密鍵から Signer を生成する。
func NewSignerFromKey(key *rsa.PrivateKey, issuer string, ttl time.Duration) (*Signer, error) {
	if key == nil {
		return nil, errors.New("RSA秘密鍵が空です")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Signer{key: key, issuer: issuer, ttl: ttl, now: time.Now}, nil
}

// PublicKey は検証側に配布する公開鍵を返す。
func (s *Signer) PublicKey() *rsa.PublicKey {
	return &s.key.PublicKey
}

// Sign は Claims に署名したトークン文字列を返す。
// IssuedAt が未設定なら現在時刻、ExpiresAt が未設定なら既定の有効期間、
// Use が未設定なら UseAccess を使う。
func (s *Signer) Sign(c Claims) (string, error) {
	if c.SubjectID == "" {
		return "", errors.New("subjectが空のトークンは発行できません")
	}
	switch c.Use {
	case "":
		c.Use = UseAccess
	case UseAccess, UseRefresh:
	default:
		return "", fmt.Errorf("不明なトークンの用途: %q", c.Use)
	}
	if c.IssuedAt.IsZero() {
		c.IssuedAt = s.now()
	}
	if c.ExpiresAt.IsZero() {
		c.ExpiresAt = c.IssuedAt.Add(s.ttl)
	}

	wire := toWire(c)
	wire.Issuer = s.issuer
	wire.ID = uuid.NewString()

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, wire).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("トークンの署名に失敗: %w", err)
	}
	return signed, nil
}
