package issuer

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/nao1215/gatekeeper/pkg/gql"
	"github.com/nao1215/gatekeeper/pkg/token"
	"github.com/redis/go-redis/v9"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testEnv はテスト用のサービス一式。
type testEnv struct {
	service *Service
	server  *Server
	redis   *miniredis.Miniredis
	store   *RedisRefreshStore
	signer  *token.Signer
}

// setupTestEnv は一時SQLiteとminiredisを使ったサービスを生成する。
func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	ctx := context.Background()
	users, err := OpenUserStore(ctx, filepath.Join(t.TempDir(), "issuer.db"), nil)
	if err != nil {
		t.Fatalf("OpenUserStore()でエラーが発生: %v", err)
	}
	t.Cleanup(func() { _ = users.Close() })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	refresh := NewRedisRefreshStore(client, "test:refresh:")

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := token.NewSignerFromKey(key, "gatekeeper", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	service, err := NewService(users, refresh, signer, 15*time.Minute, 24*time.Hour)
	if err != nil {
		t.Fatalf("NewService()でエラーが発生: %v", err)
	}
	server, err := NewServer(":0", service, nil, map[string]Pinger{"sqlite": users, "redis": refresh})
	if err != nil {
		t.Fatalf("NewServer()でエラーが発生: %v", err)
	}
	return &testEnv{service: service, server: server, redis: mr, store: refresh, signer: signer}
}

// postGraphQL はGraphQLリクエストを送信してレスポンスを返す。
func postGraphQL(t *testing.T, h http.Handler, req gql.Request, header http.Header) (*httptest.ResponseRecorder, gql.Response) {
	t.Helper()

	body, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	r := httptest.NewRequest(http.MethodPost, "/graphql", bytes.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		r.Header[k] = v
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	var resp gql.Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("レスポンスの解析に失敗: %v (body=%s)", err, w.Body.String())
	}
	return w, resp
}

func TestService_RegisterAndLogin(t *testing.T) {
	t.Parallel()

	t.Run("登録したユーザーでログインできること", func(t *testing.T) {
		t.Parallel()
		env := setupTestEnv(t)
		ctx := context.Background()

		reg, err := env.service.Register(ctx, "Alice", " Alice@Example.com ", "secret123", "")
		if err != nil {
			t.Fatalf("Register()でエラーが発生: %v", err)
		}
		if reg.User.Role != DefaultRole {
			t.Errorf("Role = %q, want %q", reg.User.Role, DefaultRole)
		}
		if reg.User.Email != "alice@example.com" {
			t.Errorf("Email = %q, want alice@example.com", reg.User.Email)
		}
		if reg.Token != reg.AccessToken {
			t.Error("token は accessToken と同じであるべき")
		}

		login, err := env.service.Login(ctx, "alice@example.com", "secret123")
		if err != nil {
			t.Fatalf("Login()でエラーが発生: %v", err)
		}
		if login.User.ID != reg.User.ID {
			t.Errorf("User.ID = %q, want %q", login.User.ID, reg.User.ID)
		}

		claims, err := env.service.verifier.Verify(login.AccessToken)
		if err != nil {
			t.Fatalf("アクセストークンの検証に失敗: %v", err)
		}
		if claims.SubjectID != reg.User.ID || !claims.HasRole("user") {
			t.Errorf("claims = %+v", claims)
		}
	})

	t.Run("パスワードが違う場合はErrInvalidCredentialsになること", func(t *testing.T) {
		t.Parallel()
		env := setupTestEnv(t)
		ctx := context.Background()

		if _, err := env.service.Register(ctx, "Bob", "bob@example.com", "secret123", "admin"); err != nil {
			t.Fatal(err)
		}
		if _, err := env.service.Login(ctx, "bob@example.com", "wrong-password"); !errors.Is(err, ErrInvalidCredentials) {
			t.Errorf("err = %v, want ErrInvalidCredentials", err)
		}
		if _, err := env.service.Login(ctx, "nobody@example.com", "secret123"); !errors.Is(err, ErrInvalidCredentials) {
			t.Errorf("err = %v, want ErrInvalidCredentials", err)
		}
	})

	t.Run("同じメールアドレスでの登録はErrEmailTakenになること", func(t *testing.T) {
		t.Parallel()
		env := setupTestEnv(t)
		ctx := context.Background()

		if _, err := env.service.Register(ctx, "Carol", "carol@example.com", "secret123", ""); err != nil {
			t.Fatal(err)
		}
		if _, err := env.service.Register(ctx, "Carol2", "CAROL@example.com", "secret456", ""); !errors.Is(err, ErrEmailTaken) {
			t.Errorf("err = %v, want ErrEmailTaken", err)
		}
	})

	t.Run("不正な入力はErrInvalidInputになること", func(t *testing.T) {
		t.Parallel()
		env := setupTestEnv(t)
		ctx := context.Background()

		tests := []struct {
			name, email, password string
		}{
			{"", "a@example.com", "secret123"},
			{"A", "not-an-email", "secret123"},
			{"A", "a@example.com", "123"},
		}
		for _, tt := range tests {
			if _, err := env.service.Register(ctx, tt.name, tt.email, tt.password, ""); !errors.Is(err, ErrInvalidInput) {
				t.Errorf("Register(%q, %q) err = %v, want ErrInvalidInput", tt.name, tt.email, err)
			}
		}
	})
}

func TestService_Refresh(t *testing.T) {
	t.Parallel()

	t.Run("リフレッシュでトークンが入れ替わり古いトークンは使えなくなること", func(t *testing.T) {
		t.Parallel()
		env := setupTestEnv(t)
		ctx := context.Background()

		reg, err := env.service.Register(ctx, "Dave", "dave@example.com", "secret123", "")
		if err != nil {
			t.Fatal(err)
		}

		next, err := env.service.Refresh(ctx, reg.RefreshToken)
		if err != nil {
			t.Fatalf("Refresh()でエラーが発生: %v", err)
		}
		if next.RefreshToken == reg.RefreshToken {
			t.Error("リフレッシュトークンが入れ替わっていない")
		}
		stored, err := env.store.Get(ctx, reg.User.ID)
		if err != nil {
			t.Fatal(err)
		}
		if stored != next.RefreshToken {
			t.Error("保存されたトークンが新しいリフレッシュトークンではない")
		}

		if _, err := env.service.Refresh(ctx, reg.RefreshToken); !errors.Is(err, ErrRefreshTokenMismatch) {
			t.Errorf("err = %v, want ErrRefreshTokenMismatch", err)
		}
	})

	t.Run("アクセストークンではリフレッシュできないこと", func(t *testing.T) {
		t.Parallel()
		env := setupTestEnv(t)
		ctx := context.Background()

		reg, err := env.service.Register(ctx, "Erin", "erin@example.com", "secret123", "")
		if err != nil {
			t.Fatal(err)
		}
		if _, err := env.service.Refresh(ctx, reg.AccessToken); !errors.Is(err, token.ErrMalformedToken) {
			t.Errorf("err = %v, want ErrMalformedToken", err)
		}
	})

	t.Run("発行したトークンは用途ごとに分かれていること", func(t *testing.T) {
		t.Parallel()
		env := setupTestEnv(t)
		ctx := context.Background()

		reg, err := env.service.Register(ctx, "Erin", "erin2@example.com", "secret123", "")
		if err != nil {
			t.Fatal(err)
		}
		if _, err := env.service.verifier.Verify(reg.RefreshToken); !errors.Is(err, token.ErrMalformedToken) {
			t.Errorf("Verify(refresh) err = %v, want ErrMalformedToken", err)
		}
		claims, err := env.service.verifier.VerifyRefresh(reg.RefreshToken)
		if err != nil {
			t.Fatalf("VerifyRefresh()でエラーが発生: %v", err)
		}
		if claims.ExpiresAt.Sub(claims.IssuedAt) != 24*time.Hour {
			t.Errorf("リフレッシュトークンの有効期間 = %v, want 24h", claims.ExpiresAt.Sub(claims.IssuedAt))
		}
	})

	t.Run("ログアウト後はリフレッシュできないこと", func(t *testing.T) {
		t.Parallel()
		env := setupTestEnv(t)
		ctx := context.Background()

		reg, err := env.service.Register(ctx, "Finn", "finn@example.com", "secret123", "")
		if err != nil {
			t.Fatal(err)
		}
		claims, err := env.service.verifier.Verify(reg.AccessToken)
		if err != nil {
			t.Fatal(err)
		}
		if err := env.service.Logout(ctx, claims); err != nil {
			t.Fatalf("Logout()でエラーが発生: %v", err)
		}
		if _, err := env.service.Refresh(ctx, reg.RefreshToken); !errors.Is(err, ErrRefreshTokenMismatch) {
			t.Errorf("err = %v, want ErrRefreshTokenMismatch", err)
		}
	})

	t.Run("期限切れで保存が消えた場合はErrRefreshTokenMismatchになること", func(t *testing.T) {
		t.Parallel()
		env := setupTestEnv(t)
		ctx := context.Background()

		reg, err := env.service.Register(ctx, "Frank", "frank@example.com", "secret123", "")
		if err != nil {
			t.Fatal(err)
		}
		env.redis.FastForward(25 * time.Hour)
		if _, err := env.service.Refresh(ctx, reg.RefreshToken); !errors.Is(err, ErrRefreshTokenMismatch) {
			t.Errorf("err = %v, want ErrRefreshTokenMismatch", err)
		}
	})

	t.Run("存在しないユーザーのトークンはErrUserNotFoundになること", func(t *testing.T) {
		t.Parallel()
		env := setupTestEnv(t)

		raw, err := env.signer.Sign(token.Claims{SubjectID: "ghost", Email: "ghost@example.com", Use: token.UseRefresh})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := env.service.Refresh(context.Background(), raw); !errors.Is(err, ErrUserNotFound) {
			t.Errorf("err = %v, want ErrUserNotFound", err)
		}
	})

	t.Run("署名が不正なトークンは認証エラーになること", func(t *testing.T) {
		t.Parallel()
		env := setupTestEnv(t)

		if _, err := env.service.Refresh(context.Background(), "not.a.jwt"); !token.IsAuthError(err) {
			t.Errorf("err = %v, want auth error", err)
		}
	})
}

func TestMemoryRefreshStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewMemoryRefreshStore()
	s.now = func() time.Time { return now }

	if err := s.Save(ctx, "u1", "tok", time.Minute); err != nil {
		t.Fatal(err)
	}
	if got, err := s.Get(ctx, "u1"); err != nil || got != "tok" {
		t.Fatalf("Get() = %q, %v", got, err)
	}

	now = now.Add(2 * time.Minute)
	if _, err := s.Get(ctx, "u1"); !errors.Is(err, errNoRefreshToken) {
		t.Errorf("期限切れ後の err = %v, want errNoRefreshToken", err)
	}

	_ = s.Save(ctx, "u2", "tok2", time.Minute)
	_ = s.Delete(ctx, "u2")
	if _, err := s.Get(ctx, "u2"); !errors.Is(err, errNoRefreshToken) {
		t.Errorf("削除後の err = %v, want errNoRefreshToken", err)
	}
}

func TestServer_GraphQL(t *testing.T) {
	t.Parallel()

	t.Run("register・refreshToken・meの一連の流れが動作すること", func(t *testing.T) {
		t.Parallel()
		env := setupTestEnv(t)
		h := env.server.Handler()

		w, resp := postGraphQL(t, h, gql.Request{
			Query: `mutation Register($input: RegisterInput!) {
  register(input: $input) { accessToken refreshToken user { id email role } }
}`,
			OperationName: "Register",
			Variables: map[string]any{"input": map[string]any{
				"name": "Grace", "email": "grace@example.com", "password": "secret123",
			}},
		}, nil)
		if w.Code != http.StatusOK || len(resp.Errors) > 0 {
			t.Fatalf("status = %d, errors = %v", w.Code, resp.ErrorMessages())
		}
		var reg struct {
			Register AuthPayload `json:"register"`
		}
		if err := resp.DecodeData(&reg); err != nil {
			t.Fatal(err)
		}

		_, resp = postGraphQL(t, h, gql.Request{
			Query:     `mutation RefreshToken($input: RefreshTokenInput!) { renewed: refreshToken(input: $input) { accessToken refreshToken } }`,
			Variables: map[string]any{"input": map[string]any{"refreshToken": reg.Register.RefreshToken}},
		}, nil)
		var refreshed struct {
			Renewed AuthPayload `json:"renewed"`
		}
		if err := resp.DecodeData(&refreshed); err != nil {
			t.Fatal(err)
		}
		if refreshed.Renewed.AccessToken == "" {
			t.Fatalf("エイリアスでアクセストークンが返っていない: %v", resp.ErrorMessages())
		}

		header := http.Header{"Authorization": {token.BearerHeader(refreshed.Renewed.AccessToken)}}
		_, resp = postGraphQL(t, h, gql.Request{Query: `{ me { id email } __typename }`}, header)
		var me struct {
			Me       User   `json:"me"`
			Typename string `json:"__typename"`
		}
		if err := resp.DecodeData(&me); err != nil {
			t.Fatal(err)
		}
		if me.Me.Email != "grace@example.com" || me.Typename != "Query" {
			t.Errorf("me = %+v", me)
		}
	})

	t.Run("認証エラーはUNAUTHENTICATEDコードで返ること", func(t *testing.T) {
		t.Parallel()
		env := setupTestEnv(t)
		h := env.server.Handler()

		_, resp := postGraphQL(t, h, gql.Request{Query: `{ me { id } }`}, nil)
		if len(resp.Errors) != 1 || resp.Errors[0].Code() != gql.CodeUnauthenticated {
			t.Fatalf("errors = %+v", resp.Errors)
		}

		_, resp = postGraphQL(t, h, gql.Request{
			Query: `mutation { login(input: {email: "x@example.com", password: "nope"}) { accessToken } }`,
		}, nil)
		if len(resp.Errors) != 1 || resp.Errors[0].Code() != gql.CodeUnauthenticated {
			t.Fatalf("errors = %+v", resp.Errors)
		}
		if resp.Errors[0].Path[0] != "login" {
			t.Errorf("path = %v, want [login]", resp.Errors[0].Path)
		}
	})

	t.Run("リフレッシュトークンではmeを呼べないこと", func(t *testing.T) {
		t.Parallel()
		env := setupTestEnv(t)

		reg, err := env.service.Register(context.Background(), "Hank", "hank@example.com", "secret123", "")
		if err != nil {
			t.Fatal(err)
		}
		header := http.Header{"Authorization": {token.BearerHeader(reg.RefreshToken)}}
		_, resp := postGraphQL(t, env.server.Handler(), gql.Request{Query: `{ me { id email } }`}, header)
		if len(resp.Errors) != 1 || resp.Errors[0].Code() != gql.CodeUnauthenticated {
			t.Fatalf("errors = %+v", resp.Errors)
		}
		var me struct {
			Me *User `json:"me"`
		}
		if err := resp.DecodeData(&me); err != nil {
			t.Fatal(err)
		}
		if me.Me != nil {
			t.Errorf("me = %+v, want null", me.Me)
		}
	})

	t.Run("logoutは認証が必要でリフレッシュトークンを破棄すること", func(t *testing.T) {
		t.Parallel()
		env := setupTestEnv(t)
		h := env.server.Handler()
		ctx := context.Background()

		_, resp := postGraphQL(t, h, gql.Request{Query: `mutation { logout }`}, nil)
		if len(resp.Errors) != 1 || resp.Errors[0].Code() != gql.CodeUnauthenticated {
			t.Fatalf("errors = %+v", resp.Errors)
		}

		reg, err := env.service.Register(ctx, "Ivy", "ivy@example.com", "secret123", "")
		if err != nil {
			t.Fatal(err)
		}
		header := http.Header{"Authorization": {token.BearerHeader(reg.AccessToken)}}
		_, resp = postGraphQL(t, h, gql.Request{Query: `mutation Logout { logout }`, OperationName: "Logout"}, header)
		if len(resp.Errors) > 0 {
			t.Fatalf("errors = %v", resp.ErrorMessages())
		}
		var out struct {
			Logout bool `json:"logout"`
		}
		if err := resp.DecodeData(&out); err != nil {
			t.Fatal(err)
		}
		if !out.Logout {
			t.Error("logout = false, want true")
		}
		if _, err := env.store.Get(ctx, reg.User.ID); !errors.Is(err, errNoRefreshToken) {
			t.Errorf("保存中のトークンが残っている: err = %v", err)
		}
	})

	t.Run("構文エラーは400になること", func(t *testing.T) {
		t.Parallel()
		env := setupTestEnv(t)

		w, resp := postGraphQL(t, env.server.Handler(), gql.Request{Query: `mutation {`}, nil)
		if w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", w.Code)
		}
		if len(resp.Errors) == 0 {
			t.Error("エラーが返っていない")
		}
	})

	t.Run("未知のフィールドは検証エラーになること", func(t *testing.T) {
		t.Parallel()
		env := setupTestEnv(t)

		_, resp := postGraphQL(t, env.server.Handler(), gql.Request{Query: `{ products { id } }`}, nil)
		if len(resp.Errors) != 1 || resp.Errors[0].Code() != codeValidationFailed {
			t.Errorf("errors = %+v", resp.Errors)
		}
	})
}

func TestServer_PublicKeyAndHealth(t *testing.T) {
	t.Parallel()

	env := setupTestEnv(t)
	h := env.server.Handler()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/.well-known/jwt-public-key", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "BEGIN PUBLIC KEY") {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d, body = %s", w.Code, w.Body.String())
	}

	env.redis.Close()
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusServiceUnavailable || !strings.Contains(w.Body.String(), "degraded") {
		t.Errorf("Redis停止後の status = %d, body = %s", w.Code, w.Body.String())
	}
}
