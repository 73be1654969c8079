package marketdata

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"stockdeck/internal/chart"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("创建客户端失败: %v", err)
	}
	return c, srv
}

func TestFetchChartQueryAndDecode(t *testing.T) {
	var gotPath string
	var gotQuery url.Values
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.Query()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"dates": ["2024-03-04", "2024-03-05"],
			"close": [101.5, null],
			"volume": [1000, 2000],
			"dividends": [{"date": "2024-03-05", "amount": 0.24}],
			"unknown_key": {"ignored": true}
		}`))
	})

	resp, err := c.FetchChart(context.Background(), chart.ContextKey{AssetID: "AAPL", Period: "6mo"}, true)
	if err != nil {
		t.Fatalf("FetchChart 失败: %v", err)
	}
	if gotPath != "/stocks/AAPL/chart" {
		t.Fatalf("请求路径应为 /stocks/AAPL/chart, 实际=%s", gotPath)
	}
	if gotQuery.Get("period") != "6mo" || gotQuery.Get("interval") != "1d" {
		t.Fatalf("周期查询参数不对: %v", gotQuery)
	}
	if gotQuery.Get("include_volume") != "true" || gotQuery.Get("include_earnings") != "true" {
		t.Fatalf("include 参数不对: %v", gotQuery)
	}
	if gotQuery.Has("start") || gotQuery.Has("end") {
		t.Fatalf("period 模式不应携带区间参数: %v", gotQuery)
	}
	if len(resp.Dates) != 2 || resp.Close[0] == nil || *resp.Close[0] != 101.5 {
		t.Fatalf("基础负载解码不对: %+v", resp.BasePayload)
	}
	if resp.Close[1] != nil {
		t.Fatalf("null 应解码为 nil, 实际=%v", *resp.Close[1])
	}
	if len(resp.Dividends) != 1 || resp.Dividends[0].Amount == nil || *resp.Dividends[0].Amount != 0.24 {
		t.Fatalf("事件列表解码不对: %+v", resp.Dividends)
	}
}

func TestFetchChartCustomRange(t *testing.T) {
	var gotQuery url.Values
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		w.Write([]byte(`{"dates": []}`))
	})

	key := chart.ContextKey{AssetID: "MSFT", Start: "2024-01-01", End: "2024-06-01"}
	if _, err := c.FetchChart(context.Background(), key, false); err != nil {
		t.Fatalf("FetchChart 失败: %v", err)
	}
	if gotQuery.Get("start") != "2024-01-01" || gotQuery.Get("end") != "2024-06-01" {
		t.Fatalf("自定义区间参数不对: %v", gotQuery)
	}
	if gotQuery.Has("period") {
		t.Fatalf("区间模式不应携带 period: %v", gotQuery)
	}
	if gotQuery.Has("include_earnings") {
		t.Fatalf("未开事件时不应要事件列表: %v", gotQuery)
	}
}

func TestFetchIndicatorsRepeatedParams(t *testing.T) {
	var gotNames []string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotNames = r.URL.Query()["indicators"]
		w.Write([]byte(`{"indicators": {"rsi": [30.0, 70.0], "macd": {"macd": [1.0, 2.0]}}}`))
	})

	key := chart.ContextKey{AssetID: "AAPL", Period: "1y"}
	bundle, err := c.FetchIndicators(context.Background(), key, []string{"rsi", "macd"})
	if err != nil {
		t.Fatalf("FetchIndicators 失败: %v", err)
	}
	if len(gotNames) != 2 || gotNames[0] != "rsi" || gotNames[1] != "macd" {
		t.Fatalf("指标名应作为重复参数传递, 实际=%v", gotNames)
	}
	if len(bundle) != 2 {
		t.Fatalf("应解码出 2 个指标负载, 实际=%d", len(bundle))
	}
	if !bundle["rsi"].HasAnyValue() || !bundle["macd"].HasAnyValue() {
		t.Fatalf("负载内容丢失: %+v", bundle)
	}
}

func TestFetchIndicatorsRequiresNames(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("空指标列表不应发请求")
	})
	if _, err := c.FetchIndicators(context.Background(), chart.ContextKey{AssetID: "A", Period: "1y"}, nil); err == nil {
		t.Fatalf("空指标列表应报错")
	}
}

func TestUpstreamErrorCountsAndWraps(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	})

	_, err := c.FetchDivergence(context.Background(), "AAPL")
	if err == nil {
		t.Fatalf("非 2xx 应报错")
	}
	stats := c.Stats()
	if stats.DivergenceRequests != 1 || stats.Errors != 1 {
		t.Fatalf("计数器应记录请求与失败: %+v", stats)
	}
}

func TestStatsCountsPerEndpoint(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})
	key := chart.ContextKey{AssetID: "AAPL", Period: "6mo"}
	ctx := context.Background()
	c.FetchChart(ctx, key, false)
	c.FetchChart(ctx, key, false)
	c.FetchIndicators(ctx, key, []string{"rsi"})
	c.FetchCalculatedMetrics(ctx, "AAPL")

	stats := c.Stats()
	if stats.ChartRequests != 2 || stats.IndicatorRequests != 1 || stats.MetricsRequests != 1 {
		t.Fatalf("各端点计数不对: %+v", stats)
	}
	if stats.Errors != 0 {
		t.Fatalf("全部成功时错误计数应为 0: %+v", stats)
	}
}
