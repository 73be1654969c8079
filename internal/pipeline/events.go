package pipeline

import (
	"context"
	"time"

	"stockdeck/internal/chart"
	"stockdeck/internal/gateway/marketdata"
	"stockdeck/internal/logger"
)

// eventMatchTolerance 事件日期离最近行超过一周就丢弃,
// 避免把区间外的事件硬贴到序列边缘的行上。
const eventMatchTolerance = 7 * 24 * time.Hour

// EventToggles 三类公司行动事件的显示开关。
type EventToggles struct {
	Dividends bool `json:"dividends"`
	Splits    bool `json:"splits"`
	Earnings  bool `json:"earnings"`
}

func (t EventToggles) any() bool {
	return t.Dividends || t.Splits || t.Earnings
}

// SetEventToggles 切换事件层。全关走本地清除,零网络;任一开启则在
// 防抖窗口收口后合并成一次抓取,窗口内的连续翻转只发最后一拍。
func (p *Pipeline) SetEventToggles(t EventToggles) {
	p.mu.Lock()
	p.toggles = t
	if p.eventTimer != nil {
		p.eventTimer.Stop()
		p.eventTimer = nil
	}
	if !t.any() {
		var push *chart.Series
		if p.series.Events != nil {
			p.series.Events = nil
			push = p.bumpLocked()
		}
		key := p.key
		p.mu.Unlock()
		p.notify(push)
		if push != nil {
			p.persist(key, push)
		}
		return
	}
	if p.key.AssetID == "" {
		p.mu.Unlock()
		return
	}
	gen := p.gen
	p.eventTimer = time.AfterFunc(p.debounce, func() { p.fetchEvents(gen) })
	p.mu.Unlock()
}

// fetchEvents 防抖收口后的实际抓取。事件跟着图表端点走,
// 键与基础行情一致,不进指标缓存。
func (p *Pipeline) fetchEvents(gen string) {
	p.mu.Lock()
	if gen != p.gen {
		p.mu.Unlock()
		return
	}
	key := p.key
	p.mu.Unlock()

	started := time.Now()
	resp, err := p.gw.FetchChart(context.Background(), key, true)
	p.audit(key, "chart+events", nil, started, err)
	if err != nil {
		// 静默降级:开关状态保留,下次翻转或刷新会再试。
		logger.Warnf("[pipeline] 事件抓取失败 %s: %v", key.String(), err)
		return
	}

	p.mu.Lock()
	if gen != p.gen {
		p.mu.Unlock()
		return
	}
	if !p.toggles.any() {
		// 窗口后用户又全关了,结果作废。
		p.mu.Unlock()
		return
	}
	p.series.Events = alignEvents(resp, p.toggles, p.series, p.key.Period)
	push := p.bumpLocked()
	p.mu.Unlock()
	p.notify(push)
	p.persist(key, push)
}

// alignEvents 把事件列表对齐到最近的行。只留开关打开的类别;
// 多年视图优先用年度聚合的分红,日度分红在长区间上会糊成一片。
func alignEvents(resp marketdata.ChartResponse, t EventToggles, s *chart.Series, period string) *chart.EventBundle {
	if s.Len() == 0 {
		return nil
	}
	bundle := &chart.EventBundle{}
	if t.Dividends {
		src := resp.Dividends
		if longPeriod(period) && len(resp.DividendsAnnual) > 0 {
			src = resp.DividendsAnnual
		}
		bundle.Dividends = matchEvents(src, s)
	}
	if t.Splits {
		bundle.Splits = matchEvents(resp.Splits, s)
	}
	if t.Earnings {
		bundle.Earnings = dedupEarnings(matchEvents(resp.Earnings, s))
	}
	return bundle
}

// matchEvents 逐条按规范时间戳最近邻匹配,等距取靠前的行,超出容差丢弃。
func matchEvents(items []marketdata.EventItem, s *chart.Series) []chart.EventMarker {
	var out []chart.EventMarker
	for _, it := range items {
		t, ok := chart.ParseWireTime(it.Date)
		if !ok {
			continue
		}
		idx, dist := s.NearestIndex(t)
		if idx < 0 || dist > eventMatchTolerance {
			continue
		}
		out = append(out, chart.EventMarker{
			RowIndex:    idx,
			Time:        t,
			Label:       s.Rows[idx].Label,
			Amount:      it.Amount,
			Ratio:       it.Ratio,
			EPSEstimate: it.EPSEstimate,
			EPSActual:   it.EPSActual,
		})
	}
	return out
}

// dedupEarnings 财报流按日历日去重:同一天多条时,预估与实际 EPS
// 带得全的胜出,同分保留先出现的那条。
func dedupEarnings(markers []chart.EventMarker) []chart.EventMarker {
	if len(markers) < 2 {
		return markers
	}
	best := make(map[string]int, len(markers))
	order := make([]string, 0, len(markers))
	for i, m := range markers {
		day := m.Time.UTC().Format("2006-01-02")
		j, ok := best[day]
		if !ok {
			best[day] = i
			order = append(order, day)
			continue
		}
		if epsScore(markers[i]) > epsScore(markers[j]) {
			best[day] = i
		}
	}
	out := make([]chart.EventMarker, 0, len(order))
	for _, day := range order {
		out = append(out, markers[best[day]])
	}
	return out
}

func epsScore(m chart.EventMarker) int {
	score := 0
	if m.EPSEstimate != nil {
		score++
	}
	if m.EPSActual != nil {
		score++
	}
	return score
}

// longPeriod 两年以上的周期视为长区间。
func longPeriod(period string) bool {
	switch period {
	case "2y", "5y", "10y", "max":
		return true
	default:
		return false
	}
}
