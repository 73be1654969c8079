package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"stockdeck/internal/chart"
	"stockdeck/internal/gateway/marketdata"
	"stockdeck/internal/overlay"
	"stockdeck/internal/pipeline"
	"stockdeck/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

func floatPtr(v float64) *float64 { return &v }

// stubGateway 三行固定行情 + 少量指标,足够驱动整条 HTTP 链路。
type stubGateway struct {
	mu             sync.Mutex
	indicatorCalls int
	namesSeen      [][]string
}

func (g *stubGateway) FetchChart(ctx context.Context, key chart.ContextKey, includeEvents bool) (marketdata.ChartResponse, error) {
	var resp marketdata.ChartResponse
	resp.Dates = []string{"2024-03-04", "2024-03-05", "2024-03-06"}
	for _, c := range []float64{100, 101, 102} {
		resp.Close = append(resp.Close, floatPtr(c))
		resp.Volume = append(resp.Volume, floatPtr(1000))
	}
	return resp, nil
}

func (g *stubGateway) FetchIndicators(ctx context.Context, key chart.ContextKey, names []string) (chart.IndicatorBundle, error) {
	g.mu.Lock()
	g.indicatorCalls++
	g.namesSeen = append(g.namesSeen, append([]string(nil), names...))
	g.mu.Unlock()

	payloads := map[string]string{
		"rsi":    `[50.0, 55.0, 60.0]`,
		"sma_50": `[99.0, 100.0, 101.0]`,
		"macd":   `{"macd":[1.0,2.0,3.0],"signal":[0.5,0.6,0.7]}`,
	}
	bundle := chart.IndicatorBundle{}
	for _, name := range names {
		raw, ok := payloads[name]
		if !ok {
			continue
		}
		var p chart.IndicatorPayload
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, err
		}
		bundle[name] = p
	}
	return bundle, nil
}

func (g *stubGateway) FetchCalculatedMetrics(ctx context.Context, assetID string) (*overlay.CalculatedMetrics, error) {
	return &overlay.CalculatedMetrics{
		Fibonacci: overlay.FibonacciLevels{SwingHigh: 110, SwingLow: 90, Trend: "up"},
	}, nil
}

func (g *stubGateway) FetchDivergence(ctx context.Context, assetID string) (*overlay.DivergenceAnalysis, error) {
	return &overlay.DivergenceAnalysis{}, nil
}

func newTestServer(t *testing.T, f *stubGateway) *Server {
	t.Helper()
	hub := NewHub()
	st := store.NewMemorySnapshotStore()
	pipe, err := pipeline.New(pipeline.Params{
		Gateway:           f,
		Store:             st,
		DefaultIndicators: []string{"sma_50"},
		Debounce:          20 * time.Millisecond,
		OnRevision:        hub.Broadcast,
	})
	if err != nil {
		t.Fatalf("构造流水线失败: %v", err)
	}
	t.Cleanup(pipe.Close)

	srv, err := NewServer(Config{
		Pipe:        pipe,
		Store:       st,
		Hub:         hub,
		PresetsPath: filepath.Join(t.TempDir(), "presets.yaml"),
	})
	if err != nil {
		t.Fatalf("构造服务失败: %v", err)
	}
	return srv
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("序列化请求体失败: %v", err)
		}
		rdr = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// waitLoaded 轮询 /series 直到后台加载结束。
func waitLoaded(t *testing.T, router *gin.Engine) seriesResponse {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		w := doJSON(t, router, "GET", "/api/v1/series", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("series 状态码 %d", w.Code)
		}
		var resp seriesResponse
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("解析 series 失败: %v", err)
		}
		if !resp.Loading && (len(resp.Rows) > 0 || resp.Error != "") {
			return resp
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("等待加载完成超时")
	return seriesResponse{}
}

// 设置上下文后 /series 应给出完整序列,tail 只切尾部。
func TestContextAndSeriesFlow(t *testing.T) {
	srv := newTestServer(t, &stubGateway{})
	r := srv.Router()

	w := doJSON(t, r, "PUT", "/api/v1/context", chart.ContextKey{AssetID: "AAPL", Period: "6mo"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("context 状态码 %d: %s", w.Code, w.Body.String())
	}

	resp := waitLoaded(t, r)
	if resp.Error != "" {
		t.Fatalf("加载失败: %s", resp.Error)
	}
	if len(resp.Rows) != 3 {
		t.Fatalf("行数 %d,期望 3", len(resp.Rows))
	}
	if resp.Revision == 0 {
		t.Fatal("revision 应大于 0")
	}
	if resp.Key.AssetID != "AAPL" {
		t.Fatalf("key 错误: %+v", resp.Key)
	}

	w = doJSON(t, r, "GET", "/api/v1/series/tail?n=2", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("tail 状态码 %d", w.Code)
	}
	var tail struct {
		Total int         `json:"total"`
		Rows  []chart.Row `json:"rows"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &tail); err != nil {
		t.Fatalf("解析 tail 失败: %v", err)
	}
	if tail.Total != 3 || len(tail.Rows) != 2 {
		t.Fatalf("tail 错误: total=%d rows=%d", tail.Total, len(tail.Rows))
	}
	if tail.Rows[1].Close == nil || *tail.Rows[1].Close != 102 {
		t.Fatalf("tail 应是最后两行: %+v", tail.Rows)
	}
}

// period 与自定义区间同时给时整组拒绝。
func TestContextRejectsBadCombination(t *testing.T) {
	srv := newTestServer(t, &stubGateway{})
	w := doJSON(t, srv.Router(), "PUT", "/api/v1/context", map[string]string{
		"asset_id": "AAPL", "period": "6mo", "start": "2024-01-01", "end": "2024-02-01",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("状态码 %d,期望 400", w.Code)
	}
}

// 未知指标 400,没有上下文 409。
func TestIndicatorsValidationAndConflict(t *testing.T) {
	srv := newTestServer(t, &stubGateway{})
	r := srv.Router()

	w := doJSON(t, r, "PUT", "/api/v1/indicators", indicatorsRequest{Indicators: []string{"bogus"}})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("未知指标状态码 %d,期望 400", w.Code)
	}

	w = doJSON(t, r, "PUT", "/api/v1/indicators", indicatorsRequest{Indicators: []string{"rsi"}})
	if w.Code != http.StatusConflict {
		t.Fatalf("无上下文状态码 %d,期望 409", w.Code)
	}
}

func TestIndicatorsFetchAfterContext(t *testing.T) {
	f := &stubGateway{}
	srv := newTestServer(t, f)
	r := srv.Router()
	doJSON(t, r, "PUT", "/api/v1/context", chart.ContextKey{AssetID: "AAPL", Period: "6mo"})
	waitLoaded(t, r)

	w := doJSON(t, r, "PUT", "/api/v1/indicators", indicatorsRequest{Indicators: []string{"rsi"}})
	if w.Code != http.StatusOK {
		t.Fatalf("indicators 状态码 %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Requested []string `json:"requested"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if len(resp.Requested) != 1 || resp.Requested[0] != "rsi" {
		t.Fatalf("requested 错误: %v", resp.Requested)
	}

	// 第二次声明同一集合不再外呼
	w = doJSON(t, r, "PUT", "/api/v1/indicators", indicatorsRequest{Indicators: []string{"rsi"}})
	if w.Code != http.StatusOK {
		t.Fatalf("重复请求状态码 %d", w.Code)
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if len(resp.Requested) != 0 {
		t.Fatalf("已缓存指标不应再请求: %v", resp.Requested)
	}
}

// kinds 白名单解析,fib_levels 透传;未知层拒绝。
func TestOverlaysEndpoint(t *testing.T) {
	srv := newTestServer(t, &stubGateway{})
	r := srv.Router()
	doJSON(t, r, "PUT", "/api/v1/context", chart.ContextKey{AssetID: "AAPL", Period: "6mo"})
	waitLoaded(t, r)

	w := doJSON(t, r, "GET", "/api/v1/overlays?kinds=fibonacci&fib_levels=50", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("overlays 状态码 %d", w.Code)
	}
	var set pipeline.OverlaySet
	if err := json.Unmarshal(w.Body.Bytes(), &set); err != nil {
		t.Fatalf("解析 overlays 失败: %v", err)
	}
	if len(set.Fibonacci) != 3 {
		t.Fatalf("fibonacci 数量 %d,期望 3", len(set.Fibonacci))
	}
	if len(set.Crossovers) != 0 {
		t.Fatalf("未请求的层应为空: %v", set.Crossovers)
	}

	w = doJSON(t, r, "GET", "/api/v1/overlays?kinds=volume_profile", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("未知层状态码 %d,期望 400", w.Code)
	}
}

// 事件开关 202 后立即反映在状态里,抓取本身防抖异步。
func TestEventsToggleReflectedInStatus(t *testing.T) {
	srv := newTestServer(t, &stubGateway{})
	r := srv.Router()
	doJSON(t, r, "PUT", "/api/v1/context", chart.ContextKey{AssetID: "AAPL", Period: "6mo"})
	waitLoaded(t, r)

	w := doJSON(t, r, "PUT", "/api/v1/events", pipeline.EventToggles{Dividends: true})
	if w.Code != http.StatusAccepted {
		t.Fatalf("events 状态码 %d", w.Code)
	}

	w = doJSON(t, r, "GET", "/api/v1/series", nil)
	var resp seriesResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if !resp.Toggles.Dividends || resp.Toggles.Splits {
		t.Fatalf("开关未生效: %+v", resp.Toggles)
	}
}

func TestPresetSaveListApplyDelete(t *testing.T) {
	f := &stubGateway{}
	srv := newTestServer(t, f)
	r := srv.Router()
	doJSON(t, r, "PUT", "/api/v1/context", chart.ContextKey{AssetID: "AAPL", Period: "6mo"})
	waitLoaded(t, r)

	body := map[string]any{
		"indicators": []string{"rsi", "macd"},
		"events":     map[string]bool{"dividends": true},
		"overlays":   map[string]any{"fibonacci": true, "fibonacci_mode": "retracement"},
		"default":    true,
	}
	w := doJSON(t, r, "PUT", "/api/v1/presets/swing", body)
	if w.Code != http.StatusOK {
		t.Fatalf("preset 保存状态码 %d: %s", w.Code, w.Body.String())
	}

	// 名称里带空格要被拒
	w = doJSON(t, r, "PUT", "/api/v1/presets/bad%20name", body)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("非法名称状态码 %d,期望 400", w.Code)
	}

	w = doJSON(t, r, "GET", "/api/v1/presets", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("preset 列表状态码 %d", w.Code)
	}
	var list struct {
		Presets []struct {
			Name       string   `json:"name"`
			Indicators []string `json:"indicators"`
			Default    bool     `json:"default"`
		} `json:"presets"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("解析列表失败: %v", err)
	}
	if len(list.Presets) != 1 || list.Presets[0].Name != "swing" || !list.Presets[0].Default {
		t.Fatalf("列表错误: %+v", list.Presets)
	}

	w = doJSON(t, r, "POST", "/api/v1/presets/swing/apply", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("apply 状态码 %d: %s", w.Code, w.Body.String())
	}
	var applied struct {
		Requested []string `json:"requested"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &applied); err != nil {
		t.Fatalf("解析 apply 失败: %v", err)
	}
	if len(applied.Requested) != 2 {
		t.Fatalf("apply 应请求 2 个指标: %v", applied.Requested)
	}

	w = doJSON(t, r, "DELETE", "/api/v1/presets/swing", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("删除状态码 %d", w.Code)
	}
	w = doJSON(t, r, "DELETE", "/api/v1/presets/swing", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("再删状态码 %d,期望 404", w.Code)
	}
}

func TestStatsEndpoint(t *testing.T) {
	srv := newTestServer(t, &stubGateway{})
	r := srv.Router()
	doJSON(t, r, "PUT", "/api/v1/context", chart.ContextKey{AssetID: "AAPL", Period: "6mo"})
	waitLoaded(t, r)

	w := doJSON(t, r, "GET", "/api/v1/stats", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("stats 状态码 %d", w.Code)
	}
	var stats struct {
		Pipeline      pipeline.CacheStats `json:"pipeline"`
		RecentFetches []store.FetchRecord `json:"recent_fetches"`
		WSClients     int                 `json:"ws_clients"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatalf("解析 stats 失败: %v", err)
	}
	if stats.Pipeline.Key == "" {
		t.Fatal("pipeline key 缺失")
	}
	if len(stats.RecentFetches) == 0 {
		t.Fatal("应有抓取审计记录")
	}
}

// 每次序列修订都应推一帧完整序列给 WS 客户端。
func TestWebSocketPushOnRevision(t *testing.T) {
	srv := newTestServer(t, &stubGateway{})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("ws 连接失败: %v", err)
	}
	defer conn.Close()

	doJSON(t, srv.Router(), "PUT", "/api/v1/context", chart.ContextKey{AssetID: "AAPL", Period: "6mo"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("读推送失败: %v", err)
	}
	var frame struct {
		Type     string      `json:"type"`
		Revision uint64      `json:"revision"`
		Rows     []chart.Row `json:"rows"`
	}
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatalf("解析推送失败: %v", err)
	}
	if frame.Type != "series" || frame.Revision == 0 || len(frame.Rows) != 3 {
		t.Fatalf("推送帧错误: type=%s rev=%d rows=%d", frame.Type, frame.Revision, len(frame.Rows))
	}
}
