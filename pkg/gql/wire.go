package gql

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// CodeUnauthenticated は認証失敗を表すエラーコード。
const CodeUnauthenticated = "UNAUTHENTICATED"

// Request はGraphQL over HTTPのリクエストボディ。
type Request struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
}

// Response はGraphQL over HTTPのレスポンスボディ。
type Response struct {
	Data   json.RawMessage `json:"data,omitempty"`
	Errors []Error         `json:"errors,omitempty"`
}

// Error はGraphQLエラーの1件。
type Error struct {
	Message    string         `json:"message"`
	Path       []any          `json:"path,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

// Code は extensions.code を返す。存在しない場合は空文字列。
func (e Error) Code() string {
	if e.Extensions == nil {
		return ""
	}
	code, _ := e.Extensions["code"].(string)
	return code
}

// NewError はコード付きのエラーを生成する。
func NewError(message, code string) Error {
	e := Error{Message: message}
	if code != "" {
		e.Extensions = map[string]any{"code": code}
	}
	return e
}

// ErrorResponse は単一のエラーだけを持つレスポンスを生成する。
func ErrorResponse(message, code string) Response {
	return Response{Errors: []Error{NewError(message, code)}}
}

// DecodeData はdataを out に展開する。
func (r *Response) DecodeData(out any) error {
	if len(r.Data) == 0 || string(r.Data) == "null" {
		return errors.New("レスポンスにdataが含まれていません")
	}
	if err := json.Unmarshal(r.Data, out); err != nil {
		return fmt.Errorf("dataのデコードに失敗: %w", err)
	}
	return nil
}

// ErrorMessages はエラーメッセージを結合した文字列を返す。
func (r *Response) ErrorMessages() string {
	msgs := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		msgs = append(msgs, e.Message)
	}
	return strings.Join(msgs, "; ")
}

// ReadRequest はHTTPリクエストからGraphQLリクエストを読み取る。
// POSTはJSONボディ、GETはクエリパラメータから読む。
// POSTの場合は上流へそのまま転送できるよう元のボディも返す。
func ReadRequest(r *http.Request) (Request, []byte, error) {
	var req Request
	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		req.Query = q.Get("query")
		req.OperationName = q.Get("operationName")
		if v := q.Get("variables"); v != "" {
			if err := json.Unmarshal([]byte(v), &req.Variables); err != nil {
				return Request{}, nil, fmt.Errorf("%w: variablesの解析に失敗: %v", ErrInvalidDocument, err)
			}
		}
		body, err := json.Marshal(req)
		if err != nil {
			return Request{}, nil, fmt.Errorf("リクエストのエンコードに失敗: %w", err)
		}
		return req, body, nil
	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return Request{}, nil, fmt.Errorf("リクエストボディの読み込みに失敗: %w", err)
		}
		if err := json.Unmarshal(body, &req); err != nil {
			return Request{}, nil, fmt.Errorf("%w: リクエストボディの解析に失敗: %v", ErrInvalidDocument, err)
		}
		return req, body, nil
	default:
		return Request{}, nil, fmt.Errorf("%w: unsupported method %s", ErrInvalidDocument, r.Method)
	}
}
