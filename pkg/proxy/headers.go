package proxy

import (
	"net/http"
	"slices"
	"strings"

	"github.com/nao1215/gatekeeper/pkg/middleware"
)

// hopByHopHeaders は転送時に必ず取り除くヘッダー。
var hopByHopHeaders = []string{
	"Host",
	"Connection",
	"Keep-Alive",
	"Transfer-Encoding",
	"Te",
	"Trailer",
	"Proxy-Authorization",
	"Proxy-Authenticate",
	"Upgrade",
}

// SanitizeHeaders はホップバイホップヘッダーと Connection で列挙されたヘッダーを除いた複製を返す。
// ボディを作り直すため Content-Length も除く。派生アイデンティティヘッダーは常に残す。
func SanitizeHeaders(in http.Header) http.Header {
	out := in.Clone()
	if out == nil {
		out = http.Header{}
	}

	for _, v := range in.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			name = http.CanonicalHeaderKey(strings.TrimSpace(name))
			if name == "" || isIdentityHeader(name) {
				continue
			}
			out.Del(name)
		}
	}
	for _, name := range hopByHopHeaders {
		out.Del(name)
	}
	out.Del("Content-Length")
	return out
}

// corsHeaderPrefix はゲートウェイのCORSミドルウェアだけが設定するヘッダーの接頭辞。
const corsHeaderPrefix = "Access-Control-"

// copyResponseHeaders はバックエンドの応答ヘッダーをクライアントへの応答に写す。
// CORSヘッダーはゲートウェイ側の値を使い、バックエンドの値は写さない。
func copyResponseHeaders(dst, src http.Header) {
	sanitized := SanitizeHeaders(src)
	for name, values := range sanitized {
		if strings.HasPrefix(http.CanonicalHeaderKey(name), corsHeaderPrefix) {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

func isIdentityHeader(name string) bool {
	return slices.Contains(middleware.IdentityHeaders, http.CanonicalHeaderKey(name))
}
