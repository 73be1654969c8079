package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"stockdeck/internal/chart"
	"stockdeck/internal/gateway/marketdata"
	"stockdeck/internal/logger"
	"stockdeck/internal/overlay"
	"stockdeck/internal/store"
)

// defaultDebounce 事件开关的防抖窗口。
const defaultDebounce = 325 * time.Millisecond

// Gateway 上游行情接口的抽象,由 gateway/marketdata 实现,测试换假实现。
type Gateway interface {
	FetchChart(ctx context.Context, key chart.ContextKey, includeEvents bool) (marketdata.ChartResponse, error)
	FetchIndicators(ctx context.Context, key chart.ContextKey, names []string) (chart.IndicatorBundle, error)
	FetchCalculatedMetrics(ctx context.Context, assetID string) (*overlay.CalculatedMetrics, error)
	FetchDivergence(ctx context.Context, assetID string) (*overlay.DivergenceAnalysis, error)
}

// Params 组装流水线所需的依赖。Store 与 OnRevision 可空。
type Params struct {
	Gateway           Gateway
	Store             store.SnapshotStore
	DefaultIndicators []string
	Debounce          time.Duration
	OnRevision        func(*chart.Series)
}

// Pipeline 维护单一活动上下文的序列状态:基础行情、指标缓存、事件层。
// 一把锁守全部状态;网络请求都在锁外做,回来先验代标再合并。
// 代标在上下文切换时轮换,旧请求的响应凭过期代标整体丢弃。
type Pipeline struct {
	gw         Gateway
	st         store.SnapshotStore
	defaults   []string
	debounce   time.Duration
	onRevision func(*chart.Series)

	mu         sync.Mutex
	key        chart.ContextKey
	gen        string
	rev        uint64
	series     *chart.Series
	loading    bool
	stale      bool
	lastErr    error
	fetched    map[string]chart.IndicatorPayload
	inFlight   map[string]struct{}
	metrics    *overlay.CalculatedMetrics
	divergence *overlay.DivergenceAnalysis
	toggles    EventToggles
	eventTimer *time.Timer
}

func New(params Params) (*Pipeline, error) {
	if params.Gateway == nil {
		return nil, fmt.Errorf("gateway 不能为空")
	}
	if err := chart.ValidateNames(params.DefaultIndicators); err != nil {
		return nil, fmt.Errorf("默认指标不合法: %w", err)
	}
	debounce := params.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	return &Pipeline{
		gw:         params.Gateway,
		st:         params.Store,
		defaults:   append([]string(nil), params.DefaultIndicators...),
		debounce:   debounce,
		onRevision: params.OnRevision,
		series:     &chart.Series{},
		fetched:    make(map[string]chart.IndicatorPayload),
		inFlight:   make(map[string]struct{}),
	}, nil
}

// SetContext 切换查询上下文并触发后台全量加载。键未变且状态健康时是空操作;
// 带着错误或陈旧标记的同键调用视为手动重试,照常失效重载。
func (p *Pipeline) SetContext(key chart.ContextKey) error {
	if err := key.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	if key == p.key && p.series.Len() > 0 && p.lastErr == nil && !p.stale && !p.loading {
		p.mu.Unlock()
		return nil
	}
	gen := p.invalidateLocked(key)
	p.mu.Unlock()
	logger.Infof("[pipeline] 切换上下文 %s", key.String())
	go p.load(gen, key)
	return nil
}

// invalidateLocked 轮换代标并清空全部簿记。换新 map 而不是清旧 map,
// 还拿着旧 map 的过期请求就算迟到也碰不到新状态。
func (p *Pipeline) invalidateLocked(key chart.ContextKey) string {
	p.key = key
	p.gen = uuid.NewString()
	p.series = &chart.Series{}
	p.fetched = make(map[string]chart.IndicatorPayload)
	p.inFlight = make(map[string]struct{})
	p.metrics = nil
	p.divergence = nil
	p.loading = true
	p.stale = false
	p.lastErr = nil
	if p.eventTimer != nil {
		p.eventTimer.Stop()
		p.eventTimer = nil
	}
	return p.gen
}

// Refresh 重跑当前上下文的基础加载,定时刷新用。代标不轮换,
// 在途的指标请求仍属同一上下文,回来照常合并。
func (p *Pipeline) Refresh() {
	p.mu.Lock()
	if p.key.AssetID == "" || p.loading {
		p.mu.Unlock()
		return
	}
	p.loading = true
	gen := p.gen
	key := p.key
	p.mu.Unlock()
	logger.Debugf("[pipeline] 定时刷新 %s", key.String())
	go p.load(gen, key)
}

// load 并发拉基础行情、默认指标和分析负载。基础行情失败是致命的;
// 指标与分析失败只降级:记日志、留空,等下次请求或刷新再补。
func (p *Pipeline) load(gen string, key chart.ContextKey) {
	ctx := context.Background()
	p.warmStart(ctx, gen, key)

	p.mu.Lock()
	toggles := p.toggles
	p.mu.Unlock()

	var (
		base      marketdata.ChartResponse
		bundle    chart.IndicatorBundle
		bundleErr error
		metrics   *overlay.CalculatedMetrics
		div       *overlay.DivergenceAnalysis
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		started := time.Now()
		base, err = p.gw.FetchChart(gctx, key, toggles.any())
		p.audit(key, "chart", nil, started, err)
		return err
	})
	if len(p.defaults) > 0 {
		g.Go(func() error {
			started := time.Now()
			bundle, bundleErr = p.gw.FetchIndicators(gctx, key, p.defaults)
			p.audit(key, "indicators", p.defaults, started, bundleErr)
			if bundleErr != nil {
				logger.Warnf("[pipeline] 默认指标抓取失败, 留待重试: %v", bundleErr)
			}
			return nil
		})
	}
	g.Go(func() error {
		var err error
		started := time.Now()
		metrics, err = p.gw.FetchCalculatedMetrics(gctx, key.AssetID)
		p.audit(key, "calculated-metrics", nil, started, err)
		if err != nil {
			logger.Warnf("[pipeline] 分析指标抓取失败, 注记层降级: %v", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		started := time.Now()
		div, err = p.gw.FetchDivergence(gctx, key.AssetID)
		p.audit(key, "divergence", nil, started, err)
		if err != nil {
			logger.Warnf("[pipeline] 背离分析抓取失败, 注记层降级: %v", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		p.mu.Lock()
		if gen != p.gen {
			p.mu.Unlock()
			return
		}
		p.loading = false
		p.lastErr = err
		if p.series.Len() > 0 {
			// 刷新失败保留旧序列,只打陈旧标记。
			p.stale = true
		}
		p.mu.Unlock()
		logger.Errorf("[pipeline] 基础行情加载失败 %s: %v", key.String(), err)
		return
	}

	if bundleErr != nil {
		bundle = nil
	}
	series := chart.BuildSeries(base.BasePayload, bundle)
	chart.ApplyFallbacks(series, bundle)

	p.mu.Lock()
	if gen != p.gen {
		p.mu.Unlock()
		return
	}
	// 重建后把增量缓存里的指标补回来,刷新不丢用户勾选的线。
	for name, payload := range p.fetched {
		series.ApplyPayload(name, payload)
	}
	if bundleErr == nil {
		for _, name := range p.defaults {
			if payload, ok := bundle[name]; ok && payload.HasAnyValue() {
				p.fetched[name] = payload
			}
		}
	}
	if toggles.any() {
		series.Events = alignEvents(base, p.toggles, series, key.Period)
	}
	p.series = series
	p.metrics = metrics
	p.divergence = div
	p.loading = false
	p.stale = false
	p.lastErr = nil
	push := p.bumpLocked()
	p.mu.Unlock()

	logger.Infof("[pipeline] 加载完成 %s rows=%d", key.String(), series.Len())
	p.notify(push)
	p.persist(key, push)
}

// warmStart 网络回来之前先垫上一次落盘的快照,标记陈旧。只在冷启动时做。
func (p *Pipeline) warmStart(ctx context.Context, gen string, key chart.ContextKey) {
	if p.st == nil {
		return
	}
	snap, err := p.st.LoadSnapshot(ctx, key.String())
	if err != nil {
		return
	}
	p.mu.Lock()
	if gen != p.gen || p.series.Len() > 0 {
		p.mu.Unlock()
		return
	}
	p.series = snap.Series
	p.stale = true
	push := p.bumpLocked()
	p.mu.Unlock()
	logger.Debugf("[pipeline] 暖启动 %s rows=%d", key.String(), snap.Series.Len())
	p.notify(push)
}

// Status 当前对外状态的深拷贝快照。
func (p *Pipeline) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Status{
		Key:     p.key,
		Series:  p.series.Clone(),
		Loading: p.loading,
		Stale:   p.stale,
		Toggles: p.toggles,
	}
	if p.lastErr != nil {
		st.Err = p.lastErr.Error()
	}
	return st
}

// Status 流水线对外的可见状态。
type Status struct {
	Key     chart.ContextKey
	Series  *chart.Series
	Loading bool
	Stale   bool
	Err     string
	Toggles EventToggles
}

// CacheStats 指标缓存的簿记快照,/stats 用。
type CacheStats struct {
	Key      string       `json:"key"`
	Revision uint64       `json:"revision"`
	Fetched  []string     `json:"fetched"`
	InFlight []string     `json:"in_flight"`
	Loading  bool         `json:"loading"`
	Stale    bool         `json:"stale"`
	Events   EventToggles `json:"events"`
}

func (p *Pipeline) Stats() CacheStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := CacheStats{
		Key:      p.key.String(),
		Revision: p.rev,
		Loading:  p.loading,
		Stale:    p.stale,
		Events:   p.toggles,
		Fetched:  make([]string, 0, len(p.fetched)),
		InFlight: make([]string, 0, len(p.inFlight)),
	}
	for name := range p.fetched {
		out.Fetched = append(out.Fetched, name)
	}
	for name := range p.inFlight {
		out.InFlight = append(out.InFlight, name)
	}
	sort.Strings(out.Fetched)
	sort.Strings(out.InFlight)
	return out
}

// OverlayRequest 选择要解析的注记层。FibLevels 为 nil 表示全选。
type OverlayRequest struct {
	Crossovers  bool
	Divergences bool
	Fibonacci   bool
	Levels      bool
	FibMode     string
	FibLevels   map[string]bool
}

// OverlaySet 解析结果,按层分组。
type OverlaySet struct {
	Crossovers  []overlay.CrossoverMarker  `json:"crossovers,omitempty"`
	Divergences []overlay.DivergenceMarker `json:"divergences,omitempty"`
	Fibonacci   []overlay.PriceLevelMarker `json:"fibonacci,omitempty"`
	Levels      []overlay.PriceLevelMarker `json:"levels,omitempty"`
}

// Overlays 按需把分析负载解析到当前序列上。分析负载缺失的层返回空,
// 不算错误:初始加载时对应抓取可能已降级。
func (p *Pipeline) Overlays(req OverlayRequest) OverlaySet {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out OverlaySet
	if req.Crossovers {
		out.Crossovers = overlay.ResolveCrossovers(p.metrics, p.series)
	}
	if req.Divergences {
		out.Divergences = overlay.ResolveDivergences(p.divergence, p.series)
	}
	if req.Fibonacci && p.metrics != nil {
		mode := req.FibMode
		if mode == "" {
			mode = "retracement"
		}
		out.Fibonacci = overlay.ResolveFibonacci(&p.metrics.Fibonacci, mode, req.FibLevels)
	}
	if req.Levels && p.metrics != nil {
		out.Levels = overlay.ResolveLevels(&p.metrics.SupportResistance)
	}
	return out
}

// FlushSnapshot 把当前序列落一次盘,定时任务用。
func (p *Pipeline) FlushSnapshot(ctx context.Context) error {
	if p.st == nil {
		return nil
	}
	p.mu.Lock()
	if p.series.Len() == 0 {
		p.mu.Unlock()
		return nil
	}
	key := p.key
	snap := p.series.Clone()
	p.mu.Unlock()
	return p.st.SaveSnapshot(ctx, key.String(), snap)
}

// Close 停掉挂起的防抖定时器。在途请求不中断,靠代标自然作废。
func (p *Pipeline) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.eventTimer != nil {
		p.eventTimer.Stop()
		p.eventTimer = nil
	}
}

// bumpLocked 版本号自增并返回推送用的深拷贝。调用方必须持锁。
func (p *Pipeline) bumpLocked() *chart.Series {
	p.rev++
	p.series.Revision = p.rev
	return p.series.Clone()
}

func (p *Pipeline) notify(s *chart.Series) {
	if s == nil || p.onRevision == nil {
		return
	}
	p.onRevision(s)
}

func (p *Pipeline) persist(key chart.ContextKey, snap *chart.Series) {
	if p.st == nil || snap == nil {
		return
	}
	if err := p.st.SaveSnapshot(context.Background(), key.String(), snap); err != nil {
		logger.Warnf("[pipeline] 快照落盘失败 %s: %v", key.String(), err)
	}
}

// audit 记一条抓取审计,store 缺席时跳过。
func (p *Pipeline) audit(key chart.ContextKey, endpoint string, names []string, started time.Time, err error) {
	if p.st == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = err.Error()
	}
	rec := store.FetchRecord{
		Key:        key.String(),
		Endpoint:   endpoint,
		Indicators: names,
		Duration:   time.Since(started),
		Outcome:    outcome,
		At:         time.Now().UTC(),
	}
	if err := p.st.RecordFetch(context.Background(), rec); err != nil {
		logger.Debugf("[pipeline] 抓取审计写入失败: %v", err)
	}
}
