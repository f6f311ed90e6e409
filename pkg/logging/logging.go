package logging

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// HeaderRequestID はリクエストIDを伝播するHTTPヘッダーキー。
const HeaderRequestID = "X-Request-Id"

// contextKeyLogger はGinコンテキストにリクエスト単位のロガーを格納するキー。
const contextKeyLogger = "logger"

// New は実行環境に応じたロガーを生成する。
// local/dev では開発向けの人間が読みやすい形式、それ以外ではJSON形式で出力する。
func New(env string) (*zap.Logger, error) {
	if env == "local" || env == "dev" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// Middleware はリクエストIDを払い出し、リクエストの要約をログに出力するGinミドルウェアを返す。
func Middleware(l *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		rid := c.GetHeader(HeaderRequestID)
		if rid == "" {
			rid = uuid.NewString()
			c.Request.Header.Set(HeaderRequestID, rid)
		}
		c.Writer.Header().Set(HeaderRequestID, rid)

		reqLogger := l.With(zap.String("request_id", rid))
		c.Set(contextKeyLogger, reqLogger)

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		status := c.Writer.Status()
		switch {
		case status >= 500:
			reqLogger.Error("request", fields...)
		case status >= 400:
			reqLogger.Warn("request", fields...)
		default:
			reqLogger.Info("request", fields...)
		}
	}
}

// FromGin はGinコンテキストからリクエスト単位のロガーを取得する。
// Middleware が適用されていない場合は zap.L() を返す。
func FromGin(c *gin.Context) *zap.Logger {
	if v, ok := c.Get(contextKeyLogger); ok {
		if l, ok := v.(*zap.Logger); ok && l != nil {
			return l
		}
	}
	return zap.L()
}
