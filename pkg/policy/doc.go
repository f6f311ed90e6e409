// Package policy はルートごとの認証要件テーブルを提供する。
//
// 各ルートは Public / Protected / Inherited のいずれかの要件を持ち、
// 同じリクエストに複数の宣言が該当する場合は列挙値の大小比較で
// Protected が常に優先される。どの宣言も該当しない場合は認証必須とする。
package policy
