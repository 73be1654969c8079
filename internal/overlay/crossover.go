package overlay

import (
	"time"

	"stockdeck/internal/chart"
)

// 同一交易日容差:分析点来自日级计算,只认落在同一天的行。
const sameDayTolerance = 24 * time.Hour

// ResolveCrossovers 把均线交叉事件定位到序列行。日期按规范时间戳最近邻匹配,
// 匹配不到同一交易日的事件静默跳过;标签方向按行在序列中点的哪一侧决定。
func ResolveCrossovers(metrics *CalculatedMetrics, s *chart.Series) []CrossoverMarker {
	if metrics == nil || s.Len() == 0 {
		return nil
	}
	events := metrics.SMACrossovers.AllCrossovers
	out := make([]CrossoverMarker, 0, len(events))
	mid := s.Len() / 2
	for _, ev := range events {
		t, ok := chart.ParseWireTime(ev.Date)
		if !ok {
			continue
		}
		idx, dist := s.NearestIndex(t)
		if idx < 0 || dist >= sameDayTolerance {
			continue
		}
		side := "right"
		if idx > mid {
			side = "left"
		}
		out = append(out, CrossoverMarker{
			RowIndex:  idx,
			Type:      ev.Type,
			Label:     s.Rows[idx].Label,
			LabelSide: side,
			Price:     markerPrice(ev.Price, &s.Rows[idx]),
		})
	}
	return out
}

// markerPrice 事件自带价格优先,否则落到行收盘价。
func markerPrice(p *float64, row *chart.Row) float64 {
	if p != nil {
		return *p
	}
	if row.Close != nil {
		return *row.Close
	}
	return 0
}
