package chart

import (
	talib "github.com/markcheno/go-talib"
)

const (
	vwapWindow   = 20
	volumeMAFast = 10
	volumeMASlow = 20
)

// ApplyFallbacks 本地补算服务端缺失的派生值。两条回退互相独立,
// 都只补当前为空的字段,绝不覆盖服务端已给的值。
//   - VWAP:指标包里通篇没有一个非空 VWAP 时才启用。
//   - 量能均线:按字段做序列级存在性检查,10/20 窗口各查各的。
func ApplyFallbacks(s *Series, bundle IndicatorBundle) {
	if p, ok := bundle["vwap"]; !ok || !p.HasAnyValue() {
		fillVWAP(s)
	}
	if !s.HasField("volumeMA10") {
		fillVolumeMA(s, "volumeMA10", volumeMAFast)
	}
	if !s.HasField("volumeMA20") {
		fillVolumeMA(s, "volumeMA20", volumeMASlow)
	}
}

// fillVWAP 滚动 20 根量加权均价,头部窗口不足时收缩到 [0, i]。
// 只累计 close/volume 都有效且 volume > 0 的行,分母为零保持原值。
func fillVWAP(s *Series) {
	for i := range s.Rows {
		if _, ok := s.Rows[i].Field("vwap"); ok {
			continue
		}
		lo := i - vwapWindow + 1
		if lo < 0 {
			lo = 0
		}
		sumPV := 0.0
		sumV := 0.0
		for j := lo; j <= i; j++ {
			r := &s.Rows[j]
			if r.Close == nil || r.Volume == nil || *r.Volume <= 0 {
				continue
			}
			sumPV += *r.Close * *r.Volume
			sumV += *r.Volume
		}
		if sumV > 0 {
			s.Rows[i].SetField("vwap", round4(sumPV/sumV))
		}
	}
}

// fillVolumeMA 窗口不足的行保持空值,缺失的成交量按 0 计入均值。
func fillVolumeMA(s *Series, field string, window int) {
	n := s.Len()
	if n < window {
		return
	}
	vols := make([]float64, n)
	for i := range s.Rows {
		if v := s.Rows[i].Volume; v != nil {
			vols[i] = *v
		}
	}
	ma := talib.Sma(vols, window)
	for i := window - 1; i < n; i++ {
		if _, ok := s.Rows[i].Field(field); ok {
			continue
		}
		s.Rows[i].SetField(field, round4(ma[i]))
	}
}
