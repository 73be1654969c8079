package chart

import (
	"math"
	"time"
)

// BasePayload 基础行情负载。数组允许比 Dates 短,null 落在对应行上。
type BasePayload struct {
	Dates  []string   `json:"dates"`
	Open   []*float64 `json:"open"`
	High   []*float64 `json:"high"`
	Low    []*float64 `json:"low"`
	Close  []*float64 `json:"close"`
	Volume []*float64 `json:"volume"`
}

// BuildSeries 把基础负载和初始指标包对齐成序列。
// 行数恒等于 len(Dates);Dates 为空返回空序列;缺失的指标子线静默跳过。
func BuildSeries(base BasePayload, bundle IndicatorBundle) *Series {
	s := &Series{Rows: make([]Row, 0, len(base.Dates))}
	if len(base.Dates) == 0 {
		return s
	}
	intraday := spanIsIntraday(base.Dates)
	for i, raw := range base.Dates {
		t, ok := ParseWireTime(raw)
		row := Row{Time: t}
		if ok {
			row.Label = FormatLabel(t, intraday)
		} else {
			// 解析不了就原样当标签用,行位置必须保住。
			row.Label = raw
		}
		row.Open = floatAt(base.Open, i)
		row.High = floatAt(base.High, i)
		row.Low = floatAt(base.Low, i)
		row.Close = floatAt(base.Close, i)
		row.Volume = floatAt(base.Volume, i)
		s.Rows = append(s.Rows, row)
	}
	s.ApplyBundle(bundle)
	return s
}

// ParseWireTime 接受上游出现过的三种时间格式。
func ParseWireTime(raw string) (time.Time, bool) {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// FormatLabel 渲染用显示标签。长区间省略年份,跨年会出现同名标签,
// 这是已知歧义:对齐一律走 Time,标签只管显示。
func FormatLabel(t time.Time, intraday bool) string {
	if intraday {
		return t.Format("Jan 2 15:04")
	}
	return t.Format("Jan 2")
}

// spanIsIntraday 相邻两根间隔小于一天即视为日内序列。
func spanIsIntraday(dates []string) bool {
	if len(dates) < 2 {
		return false
	}
	a, ok1 := ParseWireTime(dates[0])
	b, ok2 := ParseWireTime(dates[1])
	if !ok1 || !ok2 {
		return false
	}
	gap := b.Sub(a)
	return gap > 0 && gap < 24*time.Hour
}

func floatAt(arr []*float64, i int) *float64 {
	if i < 0 || i >= len(arr) || arr[i] == nil {
		return nil
	}
	if !isFinite(*arr[i]) {
		return nil
	}
	v := *arr[i]
	return &v
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
