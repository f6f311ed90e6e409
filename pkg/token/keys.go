package token

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/golang-jwt/jwt/v5"
)

// KeyMaterial は検証に使う鍵素材。Asymmetric と Shared のいずれかのみが実装する。
// 起動時に一度だけ選択され、以降は読み取り専用として共有される。
type KeyMaterial interface {
	// Algorithm はこの鍵素材で受け付ける唯一の署名アルゴリズム名を返す。
	Algorithm() string
	verificationKey() any
}

// Asymmetric はRSA公開鍵による検証（RS256）を表す。
type Asymmetric struct {
	// PublicKey は検証専用のRSA公開鍵。
	PublicKey *rsa.PublicKey
}

// Algorithm はRS256を返す。
func (Asymmetric) Algorithm() string { return jwt.SigningMethodRS256.Alg() }

func (a Asymmetric) verificationKey() any { return a.PublicKey }

// Shared は共有シークレットによる検証（HS256）を表す。
type Shared struct {
	// Secret はHMAC署名の共有シークレット。
	Secret []byte
}

// Algorithm はHS256を返す。
func (Shared) Algorithm() string { return jwt.SigningMethodHS256.Alg() }

func (s Shared) verificationKey() any { return s.Secret }

// LoadKeyMaterial は検証用の鍵素材を選択する。
// publicKeyPath にPEM形式の公開鍵が存在すればRS256のみを使い、
// 存在しなければ secret によるHS256にフォールバックする。
// 公開鍵ファイルが存在するのに読めない・解析できない場合はエラーとする。
func LoadKeyMaterial(publicKeyPath, secret string) (KeyMaterial, error) {
	if publicKeyPath != "" {
		pem, err := os.ReadFile(publicKeyPath)
		switch {
		case err == nil:
			key, err := jwt.ParseRSAPublicKeyFromPEM(pem)
			if err != nil {
				return nil, fmt.Errorf("公開鍵の解析に失敗: %w", err)
			}
			return Asymmetric{PublicKey: key}, nil
		case !errors.Is(err, fs.ErrNotExist):
			return nil, fmt.Errorf("公開鍵の読み込みに失敗: %w", err)
		}
	}

	if secret == "" {
		return nil, errors.New("公開鍵が見つからず、JWTシークレットも設定されていません")
	}
	return Shared{Secret: []byte(secret)}, nil
}

// LoadPrivateKey はPEM形式のRSA秘密鍵を読み込む。
// 発行側はこの鍵がなければ起動できない。
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	if path == "" {
		return nil, errors.New("秘密鍵のパスが設定されていません")
	}
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("秘密鍵の読み込みに失敗: %w", err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pem)
	if err != nil {
		return nil, fmt.Errorf("秘密鍵の解析に失敗: %w", err)
	}
	return key, nil
}
