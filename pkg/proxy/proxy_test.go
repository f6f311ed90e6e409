package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// echoBackend は受け取ったリクエストの要約をJSONで返すテスト用バックエンドを起動する。
func echoBackend(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Connection", "close")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"method":  r.Method,
			"path":    r.URL.Path,
			"query":   r.URL.RawQuery,
			"headers": r.Header,
			"body":    string(body),
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

type echoed struct {
	Method  string              `json:"method"`
	Path    string              `json:"path"`
	Query   string              `json:"query"`
	Headers map[string][]string `json:"headers"`
	Body    string              `json:"body"`
}

func newForwarder(t *testing.T, services map[string]string) *Forwarder {
	t.Helper()
	f, err := New(services)
	if err != nil {
		t.Fatalf("New()でエラーが発生: %v", err)
	}
	return f
}

func TestSanitizeHeaders(t *testing.T) {
	t.Parallel()

	in := http.Header{}
	for _, name := range hopByHopHeaders {
		in.Set(name, "x")
	}
	in.Set("Connection", "X-Custom, X-User-Id")
	in.Set("X-Custom", "drop")
	in.Set("X-User-Id", "user-1")
	in.Set("Authorization", "Bearer t")
	in.Set("Content-Length", "10")

	out := SanitizeHeaders(in)
	for _, name := range hopByHopHeaders {
		if out.Get(name) != "" {
			t.Errorf("%s が残っている", name)
		}
	}
	if out.Get("X-Custom") != "" {
		t.Error("Connectionで列挙されたヘッダーが残っている")
	}
	if out.Get("X-User-Id") != "user-1" {
		t.Error("派生アイデンティティヘッダーが取り除かれた")
	}
	if out.Get("Authorization") != "Bearer t" {
		t.Error("Authorizationが取り除かれた")
	}
	if out.Get("Content-Length") != "" {
		t.Error("Content-Lengthが残っている")
	}
	if in.Get("X-Custom") != "drop" {
		t.Error("入力のヘッダーが変更された")
	}
}

func TestForwarder_Forward(t *testing.T) {
	t.Parallel()

	t.Run("パスとクエリとボディがそのまま転送されること", func(t *testing.T) {
		t.Parallel()

		backend := echoBackend(t)
		f := newForwarder(t, map[string]string{"orders": backend.URL + "/"})

		header := http.Header{}
		header.Set("X-User-Id", "user-1")
		header.Set("Keep-Alive", "timeout=5")
		resp, err := f.Forward(context.Background(), Request{
			Service:  "orders",
			Method:   http.MethodPost,
			Path:     "/orders/42",
			RawQuery: "b=2&a=1",
			Header:   header,
			Body:     strings.NewReader(`{"qty":1}`),
		})
		if err != nil {
			t.Fatalf("Forward()でエラーが発生: %v", err)
		}
		if resp.Status != http.StatusOK {
			t.Fatalf("Status = %d, want 200", resp.Status)
		}

		var got echoed
		if err := json.Unmarshal(resp.Body, &got); err != nil {
			t.Fatalf("応答のパースに失敗: %v", err)
		}
		if got.Method != http.MethodPost || got.Path != "/orders/42" || got.Query != "b=2&a=1" {
			t.Errorf("echoed = %+v", got)
		}
		if got.Body != `{"qty":1}` {
			t.Errorf("body = %q", got.Body)
		}
		if v := got.Headers["X-User-Id"]; len(v) != 1 || v[0] != "user-1" {
			t.Errorf("X-User-Id = %v", v)
		}
		if _, ok := got.Headers["Keep-Alive"]; ok {
			t.Error("Keep-Aliveが転送された")
		}
	})

	t.Run("2xx以外のステータスはエラーにせず返すこと", func(t *testing.T) {
		t.Parallel()

		backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, `{"message":"not found"}`, http.StatusNotFound)
		}))
		t.Cleanup(backend.Close)

		f := newForwarder(t, map[string]string{"media": backend.URL})
		resp, err := f.Forward(context.Background(), Request{Service: "media", Path: "/media/x"})
		if err != nil {
			t.Fatalf("Forward()でエラーが発生: %v", err)
		}
		if resp.Status != http.StatusNotFound {
			t.Errorf("Status = %d, want 404", resp.Status)
		}
	})

	t.Run("リダイレクトを追従しないこと", func(t *testing.T) {
		t.Parallel()

		backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, "https://accounts.example.com/o/oauth2", http.StatusFound)
		}))
		t.Cleanup(backend.Close)

		f := newForwarder(t, map[string]string{"auth": backend.URL})
		resp, err := f.Forward(context.Background(), Request{Service: "auth", Path: "/google/login"})
		if err != nil {
			t.Fatalf("Forward()でエラーが発生: %v", err)
		}
		if !resp.IsRedirect() || resp.Header.Get("Location") != "https://accounts.example.com/o/oauth2" {
			t.Errorf("Status = %d, Location = %q", resp.Status, resp.Header.Get("Location"))
		}
	})

	t.Run("通信失敗はBackendUnreachableErrorになること", func(t *testing.T) {
		t.Parallel()

		backend := httptest.NewServer(http.NotFoundHandler())
		url := backend.URL
		backend.Close()

		f := newForwarder(t, map[string]string{"orders": url})
		_, err := f.Forward(context.Background(), Request{Service: "orders", Path: "/orders"})

		var unreachable *BackendUnreachableError
		if !errors.As(err, &unreachable) {
			t.Fatalf("err = %v, want *BackendUnreachableError", err)
		}
		if unreachable.Service != "orders" {
			t.Errorf("Service = %q, want orders", unreachable.Service)
		}
	})

	t.Run("未登録のサービスはErrUnknownServiceになること", func(t *testing.T) {
		t.Parallel()

		f := newForwarder(t, map[string]string{})
		if _, err := f.Forward(context.Background(), Request{Service: "nope"}); !errors.Is(err, ErrUnknownService) {
			t.Errorf("err = %v, want ErrUnknownService", err)
		}
	})
}

func TestNew(t *testing.T) {
	t.Parallel()

	if _, err := New(map[string]string{"bad": "not a url"}); err == nil {
		t.Fatal("エラーが返るべきだが、nilが返った")
	}

	f := newForwarder(t, map[string]string{"b": "http://b:1/base", "a": "http://a:1"})
	if got := strings.Join(f.Services(), ","); got != "a,b" {
		t.Errorf("Services() = %q, want a,b", got)
	}
	got, err := f.URL("b", "/orders", "x=1")
	if err != nil {
		t.Fatalf("URL()でエラーが発生: %v", err)
	}
	if got != "http://b:1/base/orders?x=1" {
		t.Errorf("URL() = %q", got)
	}
}

// newMultipartRequest はファイルとフィールドを含むマルチパートリクエストを作る。
func newMultipartRequest(t *testing.T, fileField string, files map[string]string, fields map[string]string) *http.Request {
	t.Helper()

	var buf strings.Builder
	w := multipart.NewWriter(&buf)
	for name, content := range files {
		fw, err := w.CreateFormFile(fileField, name)
		if err != nil {
			t.Fatal(err)
		}
		_, _ = io.WriteString(fw, content)
	}
	for k, v := range fields {
		_ = w.WriteField(k, v)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	r := httptest.NewRequest(http.MethodPost, "/api/media/upload", strings.NewReader(buf.String()))
	r.Header.Set("Content-Type", w.FormDataContentType())
	return r
}

func TestMultipart(t *testing.T) {
	t.Parallel()

	t.Run("ファイルごとに1パートで再構築されること", func(t *testing.T) {
		t.Parallel()

		r := newMultipartRequest(t, "files[]", map[string]string{"a.png": "AAA", "b.png": "BBB"}, map[string]string{"folder": "x"})
		body, err := MultipartFromRequest(r, "files", "files[]")
		if err != nil {
			t.Fatalf("MultipartFromRequest()でエラーが発生: %v", err)
		}
		if len(body.Files) != 2 {
			t.Fatalf("len(Files) = %d, want 2", len(body.Files))
		}

		encoded, contentType, err := body.Encode()
		if err != nil {
			t.Fatalf("Encode()でエラーが発生: %v", err)
		}
		in := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(string(encoded)))
		in.Header.Set("Content-Type", contentType)
		if err := in.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("再構築したボディの解析に失敗: %v", err)
		}
		if got := len(in.MultipartForm.File["files"]); got != 2 {
			t.Errorf("filesパート数 = %d, want 2", got)
		}
		if got := in.MultipartForm.Value["folder"]; len(got) != 1 || got[0] != "x" {
			t.Errorf("folder = %v", got)
		}
	})

	t.Run("ファイルがない場合はErrNoFilesになること", func(t *testing.T) {
		t.Parallel()

		r := newMultipartRequest(t, "other", map[string]string{"a.png": "AAA"}, nil)
		if _, err := MultipartFromRequest(r, "files"); !errors.Is(err, ErrNoFiles) {
			t.Errorf("err = %v, want ErrNoFiles", err)
		}

		plain := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{}"))
		plain.Header.Set("Content-Type", "application/json")
		if _, err := MultipartFromRequest(plain, "files"); !errors.Is(err, ErrNoFiles) {
			t.Errorf("err = %v, want ErrNoFiles", err)
		}
	})

	t.Run("転送時に境界付きのContent-Typeが設定されること", func(t *testing.T) {
		t.Parallel()

		backend := echoBackend(t)
		f := newForwarder(t, map[string]string{"media": backend.URL})

		header := http.Header{}
		header.Set("Content-Type", "multipart/form-data; boundary=stale")
		mp := &MultipartBody{Files: []FilePart{{Field: "file", Filename: "a.txt", Data: []byte("hello")}}}
		mp.AddField("id", "m-1")

		resp, err := f.Forward(context.Background(), Request{
			Service: "media", Method: http.MethodPost, Path: "/media/update", Header: header, Multipart: mp,
		})
		if err != nil {
			t.Fatalf("Forward()でエラーが発生: %v", err)
		}
		var got echoed
		if err := json.Unmarshal(resp.Body, &got); err != nil {
			t.Fatal(err)
		}
		ct := got.Headers["Content-Type"]
		if len(ct) != 1 || strings.Contains(ct[0], "stale") || !strings.HasPrefix(ct[0], "multipart/form-data; boundary=") {
			t.Errorf("Content-Type = %v", ct)
		}
		if !strings.Contains(got.Body, "hello") || !strings.Contains(got.Body, "m-1") {
			t.Errorf("body = %q", got.Body)
		}
	})
}

func TestRelay(t *testing.T) {
	t.Parallel()

	t.Run("転送失敗時に構造化された500応答を返すこと", func(t *testing.T) {
		t.Parallel()

		backend := httptest.NewServer(http.NotFoundHandler())
		url := backend.URL
		backend.Close()
		f := newForwarder(t, map[string]string{"orders": url})

		router := gin.New()
		router.GET("/api/orders", func(c *gin.Context) {
			Relay(c, f, FromGin(c, "orders", "/orders"))
		})

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/orders", nil))

		if w.Code != http.StatusInternalServerError {
			t.Fatalf("ステータスコード = %d, want 500", w.Code)
		}
		var body map[string]any
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatal(err)
		}
		if body["service"] != "orders" || body["status"] != float64(500) || body["error"] == "" {
			t.Errorf("body = %v", body)
		}
	})

	t.Run("リダイレクトをクライアントへ返すこと", func(t *testing.T) {
		t.Parallel()

		backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, "https://app.example.com/done", http.StatusFound)
		}))
		t.Cleanup(backend.Close)
		f := newForwarder(t, map[string]string{"auth": backend.URL})

		router := gin.New()
		router.GET("/api/auth/*path", func(c *gin.Context) {
			Relay(c, f, FromGin(c, "auth", TrimPrefix(c.Request.URL.Path, "/api/auth")))
		})

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/auth/google/callback?code=x", nil))

		if w.Code != http.StatusFound {
			t.Errorf("ステータスコード = %d, want 302", w.Code)
		}
		if got := w.Header().Get("Location"); got != "https://app.example.com/done" {
			t.Errorf("Location = %q", got)
		}
	})
}

func TestRelay_CORSHeaders(t *testing.T) {
	t.Parallel()

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Credentials", "false")
		w.Header().Set("X-Backend", "orders")
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(backend.Close)
	f := newForwarder(t, map[string]string{"orders": backend.URL})

	router := gin.New()
	router.GET("/api/orders", func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "http://localhost:3000")
		c.Header("Access-Control-Allow-Credentials", "true")
		Relay(c, f, FromGin(c, "orders", "/orders"))
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/orders", nil))

	if got := w.Header().Values("Access-Control-Allow-Origin"); len(got) != 1 || got[0] != "http://localhost:3000" {
		t.Errorf("Access-Control-Allow-Origin = %v, want [http://localhost:3000]", got)
	}
	if got := w.Header().Values("Access-Control-Allow-Credentials"); len(got) != 1 || got[0] != "true" {
		t.Errorf("Access-Control-Allow-Credentials = %v, want [true]", got)
	}
	if got := w.Header().Get("X-Backend"); got != "orders" {
		t.Errorf("X-Backend = %q, want orders", got)
	}
}

func TestTrimPrefix(t *testing.T) {
	t.Parallel()

	tests := []struct{ path, prefix, want string }{
		{"/api/orders", "/api/orders", "/"},
		{"/api/orders/1/items", "/api/orders", "/1/items"},
		{"/api/auth/google/callback", "/api/auth", "/google/callback"},
	}
	for _, tt := range tests {
		if got := TrimPrefix(tt.path, tt.prefix); got != tt.want {
			t.Errorf("TrimPrefix(%q, %q) = %q, want %q", tt.path, tt.prefix, got, tt.want)
		}
	}
}
