package logging

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// TestMiddleware はリクエストログミドルウェアを検証する。
func TestMiddleware(t *testing.T) {
	t.Parallel()

	t.Run("リクエストIDが払い出されログに出力されること", func(t *testing.T) {
		t.Parallel()

		core, logs := observer.New(zap.DebugLevel)
		router := gin.New()
		router.Use(Middleware(zap.New(core)))
		router.GET("/ok", func(c *gin.Context) {
			FromGin(c).Info("handler")
			c.Status(http.StatusOK)
		})

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ok", nil))

		rid := w.Header().Get(HeaderRequestID)
		if rid == "" {
			t.Fatal("X-Request-Idが設定されていない")
		}
		entries := logs.FilterMessage("request").All()
		if len(entries) != 1 {
			t.Fatalf("ログ件数 = %d, want 1", len(entries))
		}
		fields := entries[0].ContextMap()
		if fields["request_id"] != rid {
			t.Errorf("request_id = %v, want %q", fields["request_id"], rid)
		}
		if fields["status"] != int64(http.StatusOK) {
			t.Errorf("status = %v, want 200", fields["status"])
		}
		if logs.FilterMessage("handler").Len() != 1 {
			t.Error("ハンドラー内のロガーにリクエストIDが引き継がれていない")
		}
	})

	t.Run("受信したリクエストIDがそのまま使われること", func(t *testing.T) {
		t.Parallel()

		router := gin.New()
		router.Use(Middleware(zap.NewNop()))
		router.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })

		req := httptest.NewRequest(http.MethodGet, "/ok", nil)
		req.Header.Set(HeaderRequestID, "req-1")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if got := w.Header().Get(HeaderRequestID); got != "req-1" {
			t.Errorf("X-Request-Id = %q, want %q", got, "req-1")
		}
	})

	t.Run("ステータスに応じてログレベルが変わること", func(t *testing.T) {
		t.Parallel()

		core, logs := observer.New(zap.DebugLevel)
		router := gin.New()
		router.Use(Middleware(zap.New(core)))
		router.GET("/bad", func(c *gin.Context) { c.Status(http.StatusBadRequest) })
		router.GET("/fail", func(c *gin.Context) { c.Status(http.StatusBadGateway) })

		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/bad", nil))
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/fail", nil))

		entries := logs.All()
		if len(entries) != 2 {
			t.Fatalf("ログ件数 = %d, want 2", len(entries))
		}
		if entries[0].Level != zapcore.WarnLevel {
			t.Errorf("400のログレベル = %v, want warn", entries[0].Level)
		}
		if entries[1].Level != zapcore.ErrorLevel {
			t.Errorf("502のログレベル = %v, want error", entries[1].Level)
		}
	})
}
