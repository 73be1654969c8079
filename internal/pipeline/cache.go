package pipeline

import (
	"context"
	"errors"
	"time"

	"stockdeck/internal/chart"
	"stockdeck/internal/logger"
)

// ErrNoContext 在 SetContext 之前请求指标时返回。
var ErrNoContext = errors.New("尚未设置查询上下文")

// Request 请求一组指标。去重后合并成一次抓取:已抓取过的和在途的都跳过,
// force 跳过已抓取过滤但不碰在途过滤。返回这次真正发出的名字。
//
// 抓取在锁外阻塞进行;响应回来先验代标,上下文已切换就整体丢弃,
// 连在途簿记都不动——失效时已经换成新 map 了。失败只释放在途名字,
// 已合并的字段不回滚,下次请求可以原样重试。
func (p *Pipeline) Request(ctx context.Context, names []string, force bool) ([]string, error) {
	if err := chart.ValidateNames(names); err != nil {
		return nil, err
	}
	p.mu.Lock()
	if p.key.AssetID == "" {
		p.mu.Unlock()
		return nil, ErrNoContext
	}
	want := make([]string, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		if _, ok := p.inFlight[name]; ok {
			continue
		}
		if !force {
			if _, ok := p.fetched[name]; ok {
				continue
			}
		}
		want = append(want, name)
	}
	if len(want) == 0 {
		p.mu.Unlock()
		return nil, nil
	}
	for _, name := range want {
		p.inFlight[name] = struct{}{}
	}
	gen := p.gen
	key := p.key
	p.mu.Unlock()

	logger.Debugf("[pipeline] 抓取指标 %v", want)
	started := time.Now()
	bundle, err := p.gw.FetchIndicators(ctx, key, want)
	p.audit(key, "indicators", want, started, err)

	p.mu.Lock()
	if gen != p.gen {
		p.mu.Unlock()
		return nil, nil
	}
	for _, name := range want {
		delete(p.inFlight, name)
	}
	if err != nil {
		p.mu.Unlock()
		logger.Warnf("[pipeline] 指标抓取失败 %v: %v", want, err)
		return nil, err
	}
	merged := 0
	for _, name := range want {
		payload, ok := bundle[name]
		if !ok || !payload.HasAnyValue() {
			// 响应里没有可用数值不算抓取成功,名字留给下次重试。
			continue
		}
		p.fetched[name] = payload
		p.series.ApplyPayload(name, payload)
		merged++
	}
	if merged == 0 {
		p.mu.Unlock()
		return want, nil
	}
	push := p.bumpLocked()
	p.mu.Unlock()
	p.notify(push)
	p.persist(key, push)
	return want, nil
}

// Reconcile 面向视图的一致化入口:desired 是当前应当显示的完整集合,
// 与缓存做差集后补抓缺的。集合里消失的名字不动,字段留在行上。
func (p *Pipeline) Reconcile(ctx context.Context, desired []string) ([]string, error) {
	return p.Request(ctx, desired, false)
}
