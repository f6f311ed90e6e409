package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/nao1215/gatekeeper/pkg/proxy"
	"golang.org/x/sync/errgroup"
)

// ヘルス状態。
const (
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"
	statusDegraded  = "degraded"
)

// typenameQuery は専用エンドポイントを持たないGraphQLサービスへの疎通確認に使うクエリ。
const typenameQuery = `{"query":"{ __typename }"}`

// ServiceHealth はバックエンドサービス1件の確認結果。
type ServiceHealth struct {
	Name         string `json:"name"`
	Status       string `json:"status"`
	ResponseTime int64  `json:"responseTime"`
	Error        string `json:"error,omitempty"`
}

// OverallHealth はゲートウェイ全体のヘルス状態。
type OverallHealth struct {
	Status    string          `json:"status"`
	Timestamp time.Time       `json:"timestamp"`
	Services  []ServiceHealth `json:"services"`
	Gateway   GatewayInfo     `json:"gateway"`
}

// GatewayInfo はゲートウェイ自身の情報。
type GatewayInfo struct {
	// Uptime は起動からの経過秒数。
	Uptime float64 `json:"uptime"`
}

// HealthChecker はバックエンドサービスの疎通を並行に確認する。
type HealthChecker struct {
	forwarder   *proxy.Forwarder
	timeout     time.Duration
	graphQL     []string
	graphQLPath string
	startedAt   time.Time
}

// NewHealthChecker は HealthChecker を生成する。graphQLServices に含まれるサービスは
// /health が失敗した場合に graphQLPath への { __typename } クエリで再確認する。
func NewHealthChecker(f *proxy.Forwarder, timeout time.Duration, graphQLServices []string, graphQLPath string) *HealthChecker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthChecker{
		forwarder:   f,
		timeout:     timeout,
		graphQL:     graphQLServices,
		graphQLPath: graphQLPath,
		startedAt:   time.Now(),
	}
}

// CheckServices はすべてのサービスを並行に確認し、全件の結果がそろうまで待つ。
// 結果はサービス名順に並ぶ。サービスの異常は結果に記録し、error は呼び出し元の
// ctx が終了して確認を打ち切った場合に限る。
func (h *HealthChecker) CheckServices(ctx context.Context) ([]ServiceHealth, error) {
	names := h.forwarder.Services()
	results := make([]ServiceHealth, len(names))

	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		g.Go(func() error {
			results[i] = h.check(gctx, name)
			return ctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("ヘルスチェックを中断: %w", err)
	}
	return results, nil
}

// Overall はサービスの確認結果を集約する。1件でも異常があれば degraded になる。
func (h *HealthChecker) Overall(ctx context.Context) (OverallHealth, error) {
	services, err := h.CheckServices(ctx)
	if err != nil {
		return OverallHealth{}, err
	}
	status := statusHealthy
	for _, s := range services {
		if s.Status != statusHealthy {
			status = statusDegraded
			break
		}
	}
	return OverallHealth{
		Status:    status,
		Timestamp: time.Now().UTC(),
		Services:  services,
		Gateway:   GatewayInfo{Uptime: time.Since(h.startedAt).Seconds()},
	}, nil
}

func (h *HealthChecker) check(ctx context.Context, name string) ServiceHealth {
	start := time.Now()
	result := ServiceHealth{Name: name, Status: statusHealthy}

	err := h.probe(ctx, proxy.Request{Service: name, Method: http.MethodGet, Path: "/health"}, false)
	if err != nil && slices.Contains(h.graphQL, name) {
		fallback := proxy.Request{
			Service: name,
			Method:  http.MethodPost,
			Path:    h.graphQLPath,
			Header:  http.Header{"Content-Type": {"application/json"}},
			Body:    bytes.NewReader([]byte(typenameQuery)),
		}
		if h.probe(ctx, fallback, true) == nil {
			err = nil
		}
	}

	result.ResponseTime = time.Since(start).Milliseconds()
	if err != nil {
		result.Status = statusUnhealthy
		result.Error = err.Error()
	}
	return result
}

// probe はリクエストを1回送信し、200で応答したかを確認する。
func (h *HealthChecker) probe(ctx context.Context, req proxy.Request, requireBody bool) error {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	resp, err := h.forwarder.Forward(ctx, req)
	if err != nil {
		return err
	}
	if resp.Status != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.Status)
	}
	if requireBody && len(bytes.TrimSpace(resp.Body)) == 0 {
		return errors.New("empty response")
	}
	return nil
}
