package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// defaultTimeout はバックエンド呼び出しの既定タイムアウト。
const defaultTimeout = 30 * time.Second

// ErrUnknownService は設定に存在しないサービス名が指定されたことを表す。
var ErrUnknownService = errors.New("unknown service")

// BackendUnreachableError はバックエンドとの通信自体が失敗したことを表す。
// バックエンドが返したエラーステータスはこのエラーにならず、そのまま応答として返る。
type BackendUnreachableError struct {
	// Service は失敗したサービス名。
	Service string
	// Err は通信エラーの原因。
	Err error
}

// Error はエラーメッセージを返す。
func (e *BackendUnreachableError) Error() string {
	return fmt.Sprintf("%s is unreachable: %v", e.Service, e.Err)
}

// Unwrap は原因のエラーを返す。
func (e *BackendUnreachableError) Unwrap() error {
	return e.Err
}

// Request はバックエンドへ転送するリクエストの記述。
type Request struct {
	// Service は転送先のサービス名。
	Service string
	// Method はHTTPメソッド。
	Method string
	// Path はサービスのベースURLに続くパス。
	Path string
	// RawQuery はエンコード済みのクエリ文字列。そのまま転送する。
	RawQuery string
	// Header は転送するヘッダー。送信前にサニタイズする。
	Header http.Header
	// Body は転送するボディ。Multipart が指定された場合は無視する。
	Body io.Reader
	// Multipart は再構築するマルチパートボディ。
	Multipart *MultipartBody
}

// Response はバックエンドの応答。
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// IsRedirect は応答がLocation付きのリダイレクトかを返す。
func (r *Response) IsRedirect() bool {
	return r.Status >= 300 && r.Status < 400 && r.Header.Get("Location") != ""
}

// Option は Forwarder の設定を変更する。
type Option func(*Forwarder)

// WithTimeout はバックエンド呼び出しのタイムアウトを設定する。
func WithTimeout(d time.Duration) Option {
	return func(f *Forwarder) {
		f.client.Timeout = d
	}
}

// WithTransport は下位のトランスポートを差し替える。
func WithTransport(rt http.RoundTripper) Option {
	return func(f *Forwarder) {
		f.client.Transport = otelhttp.NewTransport(rt)
	}
}

// Forwarder は名前付きバックエンドへリクエストを転送する。
// 保持する状態は起動時に確定し、並行に呼び出してよい。
type Forwarder struct {
	services map[string]*url.URL
	client   *http.Client
}

// New はサービス名とベースURLの対応から Forwarder を生成する。
func New(services map[string]string, opts ...Option) (*Forwarder, error) {
	f := &Forwarder{
		services: make(map[string]*url.URL, len(services)),
		client: &http.Client{
			Timeout:   defaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
	for name, raw := range services {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("サービス %q のURLが不正です: %q", name, raw)
		}
		f.services[name] = u
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Services は登録済みのサービス名を名前順で返す。
func (f *Forwarder) Services() []string {
	names := make([]string, 0, len(f.services))
	for name := range f.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// URL はサービスのベースURLに path を連結したURLを返す。
func (f *Forwarder) URL(service, path, rawQuery string) (string, error) {
	base, ok := f.services[service]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownService, service)
	}
	u := *base
	u.Path = strings.TrimRight(base.Path, "/") + "/" + strings.TrimLeft(path, "/")
	u.RawPath = ""
	u.RawQuery = rawQuery
	return u.String(), nil
}

// Forward はリクエストをバックエンドに転送して応答を返す。
// 2xx以外のステータスもそのまま返し、通信自体が失敗した場合のみ *BackendUnreachableError を返す。
func (f *Forwarder) Forward(ctx context.Context, req Request) (*Response, error) {
	target, err := f.URL(req.Service, req.Path, req.RawQuery)
	if err != nil {
		return nil, err
	}

	header := SanitizeHeaders(req.Header)
	body := req.Body
	if req.Multipart != nil {
		encoded, contentType, err := req.Multipart.Encode()
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(encoded)
		header.Set("Content-Type", contentType)
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("転送リクエストの作成に失敗: %w", err)
	}
	httpReq.Header = header

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, &BackendUnreachableError{Service: req.Service, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &BackendUnreachableError{Service: req.Service, Err: fmt.Errorf("応答の読み取りに失敗: %w", err)}
	}

	return &Response{
		Status: resp.StatusCode,
		Header: resp.Header,
		Body:   data,
	}, nil
}
