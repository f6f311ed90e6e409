// Package token は署名付きベアラートークンの検証と発行を提供する。
//
// 検証側は起動時に一度だけ鍵素材（RSA公開鍵または共有シークレット）を選択し、
// プロセスの生存期間中はその方式のみでトークンを受け付ける。
// 発行側（issuerサービス）はRSA秘密鍵でRS256トークンに署名する。
package token
