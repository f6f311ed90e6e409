// Package gql はGraphQL over HTTPのワイヤ型と、実行前のオペレーション解析を提供する。
//
// スキーマを持たないゲートウェイでも、実行されるオペレーションの種類と
// ルートフィールドを文書の構文から正確に判定できるようにする。
package gql
