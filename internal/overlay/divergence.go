package overlay

import (
	"stockdeck/internal/chart"
)

// ResolveDivergences 把 RSI/MACD 背离点解析成注记,每个点各带所属结果的置信度。
// 日期匹配与交叉一致,匹配不到的点直接丢弃。
func ResolveDivergences(div *DivergenceAnalysis, s *chart.Series) []DivergenceMarker {
	if div == nil || s.Len() == 0 {
		return nil
	}
	out := make([]DivergenceMarker, 0, 8)
	out = appendDivMarkers(out, "rsi", div.RSI, s)
	out = appendDivMarkers(out, "macd", div.MACD, s)
	return out
}

func appendDivMarkers(dst []DivergenceMarker, indicator string, res DivergenceResult, s *chart.Series) []DivergenceMarker {
	dst = appendDivSide(dst, indicator, "bullish", res.Points.Bullish, res.Confidence, s)
	dst = appendDivSide(dst, indicator, "bearish", res.Points.Bearish, res.Confidence, s)
	return dst
}

func appendDivSide(dst []DivergenceMarker, indicator, side string, points []DivergencePoint, confidence float64, s *chart.Series) []DivergenceMarker {
	for _, p := range points {
		t, ok := chart.ParseWireTime(p.Date)
		if !ok {
			continue
		}
		idx, dist := s.NearestIndex(t)
		if idx < 0 || dist >= sameDayTolerance {
			continue
		}
		dst = append(dst, DivergenceMarker{
			RowIndex:   idx,
			Indicator:  indicator,
			Side:       side,
			Price:      markerPrice(p.Price, &s.Rows[idx]),
			Confidence: confidence,
		})
	}
	return dst
}
