package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"stockdeck/internal/chart"
	"stockdeck/internal/logger"
	"stockdeck/internal/overlay"
)

// Client 负责图表服务后端的 REST 接入。所有响应都按宽容模式解码:
// 数组里的 null 保留为 nil,未知键忽略,缺失的事件列表当空集处理。
type Client struct {
	cfg        Config
	httpClient *http.Client
	counters   counters
}

func New(cfg Config) (*Client, error) {
	final := cfg.withDefaults()
	return &Client{
		cfg:        final,
		httpClient: &http.Client{Timeout: final.HTTPTimeout},
	}, nil
}

// ChartResponse 基础行情负载加公司行动事件列表。
// 事件列表只在 include_earnings=true 时返回,平时为空。
type ChartResponse struct {
	chart.BasePayload
	Dividends       []EventItem `json:"dividends"`
	DividendsAnnual []EventItem `json:"dividends_annual"`
	Splits          []EventItem `json:"splits"`
	Earnings        []EventItem `json:"earnings"`
}

// EventItem 上游事件条目,按事件类型只有部分字段有值。
type EventItem struct {
	Date        string   `json:"date"`
	Amount      *float64 `json:"amount,omitempty"`
	Ratio       string   `json:"ratio,omitempty"`
	EPSEstimate *float64 `json:"eps_estimate,omitempty"`
	EPSActual   *float64 `json:"eps_actual,omitempty"`
}

// FetchChart 拉取基础行情。includeEvents 时顺带要事件列表,
// 避免图表和事件各打一次上游。
func (c *Client) FetchChart(ctx context.Context, key chart.ContextKey, includeEvents bool) (ChartResponse, error) {
	var out ChartResponse
	if err := key.Validate(); err != nil {
		return out, err
	}
	q := contextQuery(key)
	q.Set("include_volume", "true")
	if includeEvents {
		q.Set("include_earnings", "true")
	}
	u := fmt.Sprintf("%s/stocks/%s/chart?%s", c.cfg.BaseURL, url.PathEscape(key.AssetID), q.Encode())
	c.counters.chart.Add(1)
	if err := c.getJSON(ctx, "chart", u, &out); err != nil {
		return ChartResponse{}, err
	}
	return out, nil
}

// FetchIndicators 一次请求多个指标,名字作为重复的 indicators= 参数传递。
func (c *Client) FetchIndicators(ctx context.Context, key chart.ContextKey, names []string) (chart.IndicatorBundle, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("indicators are required")
	}
	q := contextQuery(key)
	for _, n := range names {
		q.Add("indicators", strings.TrimSpace(n))
	}
	u := fmt.Sprintf("%s/stocks/%s/technical-indicators?%s", c.cfg.BaseURL, url.PathEscape(key.AssetID), q.Encode())
	var envelope struct {
		Indicators chart.IndicatorBundle `json:"indicators"`
	}
	c.counters.indicators.Add(1)
	if err := c.getJSON(ctx, "indicators", u, &envelope); err != nil {
		return nil, err
	}
	return envelope.Indicators, nil
}

// FetchCalculatedMetrics 拉取均线交叉、斐波那契摆动点和支撑阻力位。
func (c *Client) FetchCalculatedMetrics(ctx context.Context, assetID string) (*overlay.CalculatedMetrics, error) {
	assetID = strings.TrimSpace(assetID)
	if assetID == "" {
		return nil, fmt.Errorf("asset id is required")
	}
	u := fmt.Sprintf("%s/stocks/%s/calculated-metrics", c.cfg.BaseURL, url.PathEscape(assetID))
	out := &overlay.CalculatedMetrics{}
	c.counters.metrics.Add(1)
	if err := c.getJSON(ctx, "calculated-metrics", u, out); err != nil {
		return nil, err
	}
	return out, nil
}

// FetchDivergence 拉取 RSI/MACD 背离分析。
func (c *Client) FetchDivergence(ctx context.Context, assetID string) (*overlay.DivergenceAnalysis, error) {
	assetID = strings.TrimSpace(assetID)
	if assetID == "" {
		return nil, fmt.Errorf("asset id is required")
	}
	u := fmt.Sprintf("%s/stocks/%s/divergence-analysis", c.cfg.BaseURL, url.PathEscape(assetID))
	out := &overlay.DivergenceAnalysis{}
	c.counters.divergence.Add(1)
	if err := c.getJSON(ctx, "divergence", u, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint, u string, out any) error {
	logger.Debugf("[marketdata] REST %s", u)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		c.counters.errors.Add(1)
		return err
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.counters.errors.Add(1)
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		c.counters.errors.Add(1)
		return fmt.Errorf("marketdata %s error: %s", endpoint, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		c.counters.errors.Add(1)
		return fmt.Errorf("marketdata %s decode: %w", endpoint, err)
	}
	return nil
}

// contextQuery 周期与自定义区间互斥,interval 由周期长度推导。
func contextQuery(key chart.ContextKey) url.Values {
	q := url.Values{}
	q.Set("interval", intervalFor(key))
	if key.Period != "" {
		q.Set("period", key.Period)
	} else {
		q.Set("start", key.Start)
		q.Set("end", key.End)
	}
	return q
}

func intervalFor(key chart.ContextKey) string {
	switch key.Period {
	case "1d":
		return "5m"
	case "5d":
		return "15m"
	case "2y", "5y":
		return "1wk"
	case "10y", "max":
		return "1mo"
	default:
		// 中短周期与自定义区间统一用日线。
		return "1d"
	}
}
