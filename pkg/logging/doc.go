// Package logging はzapによる構造化ログとGin用のリクエストログミドルウェアを提供する。
package logging
