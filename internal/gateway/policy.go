package gateway

import (
	"fmt"

	"github.com/nao1215/gatekeeper/pkg/policy"
)

// DefaultPolicy はゲートウェイの組み込みルートポリシーを返す。
// graphQLPath はプロトコル層のゲートに判定を委ねるエントリポイントとして登録する。
func DefaultPolicy(graphQLPath string) *policy.Table {
	t := policy.NewTable()

	// ヘルスチェック
	t.MarkPublic("/health")
	t.MarkPublic("/health/*")

	// 認証系はグループ全体を公開し、プロフィール画像だけ認証必須にする
	t.MarkPublic("/api/auth/*")
	t.MarkProtected("/api/auth/profile-picture/*")

	t.MarkProtected("/api/media/*")
	t.MarkProtected("/api/orders/*")

	t.MarkProtected(graphQLPath)
	t.RegisterProtocolEndpoint(graphQLPath)
	return t
}

// LoadPolicy は組み込みポリシーに path のポリシーファイルの宣言を加える。
// 同じルートにPublicとProtectedが宣言された場合はProtectedが優先される。
func LoadPolicy(graphQLPath, path string) (*policy.Table, error) {
	t := DefaultPolicy(graphQLPath)
	if path == "" {
		return t, nil
	}
	entries, err := policy.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ルートポリシーの読み込みに失敗: %w", err)
	}
	t.Add(entries...)
	return t, nil
}
