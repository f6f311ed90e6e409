package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nao1215/gatekeeper/pkg/gql"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// defaultTimeout は既定のリクエストタイムアウト。
const defaultTimeout = 30 * time.Second

// Client はGraphQL over HTTPのクライアント。
type Client struct {
	// httpClient は内部で使用するHTTPクライアント。
	httpClient *http.Client
	// baseURL は接続先のベースURL。
	baseURL string
}

// Option は Client の設定を変更する。
type Option func(*Client)

// WithTimeout はリクエストタイムアウトを設定する。0以下なら既定値のままにする。
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// New は baseURL（例: "http://users-service:3001"）に接続するクライアントを生成する。
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{
			Timeout:   defaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		baseURL: strings.TrimRight(baseURL, "/"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Execute は path のGraphQLエンドポイントにオペレーションを送信する。
// GraphQLエラーやステータスエラーは応答として返し、error は通信・エンコードの失敗に限る。
// 応答がGraphQL形式でない場合は、ボディをメッセージとする単一のエラーを持つ応答を合成する。
func (c *Client) Execute(ctx context.Context, path string, req gql.Request, header http.Header) (*gql.Response, int, error) {
	status, data, err := c.do(ctx, http.MethodPost, path, req, header)
	if err != nil {
		return nil, 0, err
	}

	var resp gql.Response
	if err := json.Unmarshal(data, &resp); err != nil || (resp.Data == nil && resp.Errors == nil) {
		msg := strings.TrimSpace(string(data))
		if msg == "" {
			msg = http.StatusText(status)
		}
		if status >= 200 && status < 300 {
			return nil, status, fmt.Errorf("GraphQL応答の解析に失敗: %s", msg)
		}
		return &gql.Response{Errors: []gql.Error{{Message: messageFromBody(msg)}}}, status, nil
	}
	return &resp, status, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, header http.Header) (int, []byte, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("リクエストボディのシリアライズに失敗: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return 0, nil, fmt.Errorf("HTTPリクエストの作成に失敗: %w", err)
	}
	for name, values := range header {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("HTTPリクエストの送信に失敗: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("レスポンスボディの読み取りに失敗: %w", err)
	}
	return resp.StatusCode, data, nil
}

// messageFromBody は {"error": "..."} 形式のボディからメッセージを取り出す。
func messageFromBody(body string) string {
	var envelope struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal([]byte(body), &envelope); err == nil {
		if envelope.Error != "" {
			return envelope.Error
		}
		if envelope.Message != "" {
			return envelope.Message
		}
	}
	return body
}
