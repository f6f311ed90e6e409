package proxy

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/gatekeeper/pkg/logging"
	"go.uber.org/zap"
)

// FromGin はGinコンテキストから service の path へ転送するリクエストを組み立てる。
// クエリ文字列とボディはそのまま引き継ぐ。
func FromGin(c *gin.Context, service, path string) Request {
	return Request{
		Service:  service,
		Method:   c.Request.Method,
		Path:     path,
		RawQuery: c.Request.URL.RawQuery,
		Header:   c.Request.Header,
		Body:     c.Request.Body,
	}
}

// Relay はリクエストを転送し、応答をそのままクライアントへ書き出す。
// リダイレクトはLocationとステータスを保ったままクライアントへ返す。
func Relay(c *gin.Context, f *Forwarder, req Request) {
	resp, err := f.Forward(c.Request.Context(), req)
	if err != nil {
		WriteError(c, req.Service, err)
		return
	}
	WriteResponse(c, resp)
}

// WriteResponse はバックエンドの応答をクライアントへ書き出す。
func WriteResponse(c *gin.Context, resp *Response) {
	copyResponseHeaders(c.Writer.Header(), resp.Header)
	if resp.IsRedirect() && resp.Status <= http.StatusPermanentRedirect {
		c.Redirect(resp.Status, resp.Header.Get("Location"))
		return
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	c.Data(resp.Status, contentType, resp.Body)
}

// WriteError は転送失敗を構造化された500応答として書き出す。
func WriteError(c *gin.Context, service string, err error) {
	var unreachable *BackendUnreachableError
	if errors.As(err, &unreachable) {
		service = unreachable.Service
	}
	logging.FromGin(c).Error("proxy request failed",
		zap.String("service", service),
		zap.String("path", c.Request.URL.Path),
		zap.Error(err),
	)
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
		"status":  http.StatusInternalServerError,
		"error":   "Proxy error",
		"message": err.Error(),
		"service": service,
	})
}

// TrimPrefix は受信パスから prefix を取り除いたバックエンド側のパスを返す。
func TrimPrefix(path, prefix string) string {
	rest := strings.TrimPrefix(path, prefix)
	if rest == "" {
		return "/"
	}
	if !strings.HasPrefix(rest, "/") {
		rest = "/" + rest
	}
	return rest
}
