package gateway

import (
	"errors"
	"mime"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/gatekeeper/pkg/proxy"
)

// バックエンドサービス名。
const (
	serviceAuth   = "auth"
	serviceMedia  = "media"
	serviceOrders = "orders"
)

// setupRoutes はルーティングを設定する。認証要件はルートポリシーで決まる。
func (s *Server) setupRoutes() {
	// ヘルスチェック
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/health/services", s.handleServicesHealth)

	// GraphQLエントリポイント
	gate := ProtocolGate(s.verifier)
	s.router.POST(s.graphQLPath, gate, s.handleGraphQL)
	s.router.GET(s.graphQLPath, gate, s.handleGraphQL)

	auth := s.router.Group("/api/auth")
	{
		// プロフィール画像（認証必須）
		auth.Any("/profile-picture/*path", s.handleProfilePicture)
		// Google OAuth。リダイレクトはそのままクライアントへ返す
		auth.Any("/google/*path", s.relay(serviceAuth, "/api/auth"))
	}

	media := s.router.Group("/api/media")
	{
		// 複数ファイルのアップロード
		media.Any("/upload", s.handleMediaUpload)
		// 単一ファイルの差し替え
		media.Any("/update", s.handleMediaUpdate)
		media.Any("/signed-urls", s.relayTo(serviceMedia, "/media/signed-urls"))
		media.Any("/delete", s.relayTo(serviceMedia, "/media/delete"))
		media.Any("/health", s.relayTo(serviceMedia, "/health"))
	}

	// 注文はパスをそのまま転送する
	s.router.Any("/api/orders", s.handleOrders)
	s.router.Any("/api/orders/*path", s.handleOrders)
}

// relay は受信パスから prefix を除いたパスへ転送するハンドラを返す。
func (s *Server) relay(service, prefix string) gin.HandlerFunc {
	return func(c *gin.Context) {
		proxy.Relay(c, s.forwarder, proxy.FromGin(c, service, proxy.TrimPrefix(c.Request.URL.Path, prefix)))
	}
}

// relayTo は固定のパスへ転送するハンドラを返す。
func (s *Server) relayTo(service, path string) gin.HandlerFunc {
	return func(c *gin.Context) {
		proxy.Relay(c, s.forwarder, proxy.FromGin(c, service, path))
	}
}

func (s *Server) handleOrders(c *gin.Context) {
	path := "/orders"
	if rest := proxy.TrimPrefix(c.Request.URL.Path, "/api/orders"); rest != "/" {
		path += rest
	}
	proxy.Relay(c, s.forwarder, proxy.FromGin(c, serviceOrders, path))
}

// handleProfilePicture はプロフィール画像のリクエストを転送する。
// マルチパートの場合は file フィールドのファイルを再構築して送る。
func (s *Server) handleProfilePicture(c *gin.Context) {
	req := proxy.FromGin(c, serviceAuth, proxy.TrimPrefix(c.Request.URL.Path, "/api/auth"))
	if !isMultipart(c.Request) {
		proxy.Relay(c, s.forwarder, req)
		return
	}

	body, ok := readMultipart(c, "No file provided", "file")
	if !ok {
		return
	}
	req.Body = nil
	req.Multipart = body
	proxy.Relay(c, s.forwarder, req)
}

// handleMediaUpload は files フィールドの複数ファイルとフォームの値を転送する。
func (s *Server) handleMediaUpload(c *gin.Context) {
	body, ok := readMultipart(c, "No files provided", "files", "files[]")
	if !ok {
		return
	}
	req := proxy.FromGin(c, serviceMedia, "/media/upload")
	req.Body = nil
	req.RawQuery = ""
	req.Multipart = body
	proxy.Relay(c, s.forwarder, req)
}

// handleMediaUpdate は file フィールドの単一ファイルを転送する。
// クエリパラメータはフォームの値として送る。
func (s *Server) handleMediaUpdate(c *gin.Context) {
	body, ok := readMultipart(c, "No file provided", "file")
	if !ok {
		return
	}
	if len(body.Files) > 1 {
		body.Files = body.Files[:1]
	}
	for key, values := range c.Request.URL.Query() {
		for _, v := range values {
			body.AddField(key, v)
		}
	}

	req := proxy.FromGin(c, serviceMedia, "/media/update")
	req.Body = nil
	req.RawQuery = ""
	req.Multipart = body
	proxy.Relay(c, s.forwarder, req)
}

// readMultipart は受信したマルチパートを読み出す。ファイルがなければ400を返して false を返す。
func readMultipart(c *gin.Context, noFilesMessage string, fields ...string) (*proxy.MultipartBody, bool) {
	body, err := proxy.MultipartFromRequest(c.Request, fields...)
	if errors.Is(err, proxy.ErrNoFiles) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"message": noFilesMessage})
		return nil, false
	}
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"message": "Invalid multipart body", "error": err.Error()})
		return nil, false
	}
	return body, true
}

func isMultipart(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == "multipart/form-data"
}
