// Package proxy は名前付きバックエンドへのリクエスト転送を提供する。
//
// ホップバイホップヘッダーの除去、マルチパートボディの再構築、
// 転送失敗時の構造化エラー応答を扱う。リダイレクトは追従せず呼び出し元に返す。
package proxy
