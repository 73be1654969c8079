package chart

import (
	"math"
	"testing"
)

func TestVWAPFallbackEqualVolumes(t *testing.T) {
	base := basePayload([]float64{10, 11, 12, 11, 13}, []float64{100, 100, 100, 100, 100})
	s := BuildSeries(base, nil)
	ApplyFallbacks(s, nil)
	v, ok := s.Rows[4].Field("vwap")
	if !ok {
		t.Fatalf("指标包无 VWAP 时必须本地补算")
	}
	if math.Abs(v-11.4) > 1e-9 {
		t.Fatalf("等量五根的 VWAP 应为 11.4, 实际=%.4f", v)
	}
}

func TestVWAPFallbackSkippedWhenServerSupplied(t *testing.T) {
	base := basePayload([]float64{10, 11, 12}, []float64{100, 100, 100})
	bundle := IndicatorBundle{"vwap": mustPayload(t, `[null, 10.8, null]`)}
	s := BuildSeries(base, bundle)
	ApplyFallbacks(s, bundle)
	if v, ok := s.Rows[1].Field("vwap"); !ok || v != 10.8 {
		t.Fatalf("服务端 VWAP 应保留, 实际=%v ok=%v", v, ok)
	}
	if _, ok := s.Rows[0].Field("vwap"); ok {
		t.Fatalf("存在任一非空服务端 VWAP 时回退整体停用")
	}
	if _, ok := s.Rows[2].Field("vwap"); ok {
		t.Fatalf("存在任一非空服务端 VWAP 时回退整体停用")
	}
}

func TestVWAPFallbackActivatesOnAllNullPayload(t *testing.T) {
	base := basePayload([]float64{10, 12}, []float64{50, 150})
	bundle := IndicatorBundle{"vwap": mustPayload(t, `[null, null]`)}
	s := BuildSeries(base, bundle)
	ApplyFallbacks(s, bundle)
	v, ok := s.Rows[1].Field("vwap")
	if !ok {
		t.Fatalf("全 null 负载等同缺失, 应补算")
	}
	want := (10*50 + 12*150) / 200.0
	if math.Abs(v-want) > 1e-9 {
		t.Fatalf("row1 VWAP 应为 %.4f, 实际=%.4f", want, v)
	}
}

func TestVWAPSkipsZeroVolumeRows(t *testing.T) {
	base := basePayload([]float64{10, 20, 30}, []float64{100, 0, 100})
	s := BuildSeries(base, nil)
	ApplyFallbacks(s, nil)
	v, _ := s.Rows[2].Field("vwap")
	want := (10*100 + 30*100) / 200.0
	if math.Abs(v-want) > 1e-9 {
		t.Fatalf("volume=0 的行不参与加权, 应为 %.4f, 实际=%.4f", want, v)
	}
}

func TestVWAPLeavesRowsWithoutValidWindow(t *testing.T) {
	base := BasePayload{
		Dates:  dailyDates(2),
		Close:  []*float64{floatPtr(10), floatPtr(11)},
		Volume: []*float64{nil, nil},
	}
	s := BuildSeries(base, nil)
	ApplyFallbacks(s, nil)
	if _, ok := s.Rows[0].Field("vwap"); ok {
		t.Fatalf("窗口内没有有效量时保持空值")
	}
	if _, ok := s.Rows[1].Field("vwap"); ok {
		t.Fatalf("窗口内没有有效量时保持空值")
	}
}

func TestVolumeMAWindows(t *testing.T) {
	vols := make([]float64, 25)
	closes := make([]float64, 25)
	for i := range vols {
		vols[i] = float64((i + 1) * 10)
		closes[i] = 100
	}
	base := basePayload(closes, vols)
	s := BuildSeries(base, nil)
	ApplyFallbacks(s, nil)

	for i := 0; i < 9; i++ {
		if _, ok := s.Rows[i].Field("volumeMA10"); ok {
			t.Fatalf("row%d 历史不足 10 根, volumeMA10 应为空", i)
		}
	}
	v, ok := s.Rows[9].Field("volumeMA10")
	if !ok {
		t.Fatalf("row9 应有 volumeMA10")
	}
	want := 0.0
	for i := 0; i < 10; i++ {
		want += vols[i]
	}
	want /= 10
	if math.Abs(v-want) > 1e-6 {
		t.Fatalf("volumeMA10 应为尾部 10 根均值 %.2f, 实际=%.2f", want, v)
	}
	if _, ok := s.Rows[18].Field("volumeMA20"); ok {
		t.Fatalf("row18 历史不足 20 根, volumeMA20 应为空")
	}
	if _, ok := s.Rows[19].Field("volumeMA20"); !ok {
		t.Fatalf("row19 应有 volumeMA20")
	}
}

func TestVolumeMATreatsMissingVolumeAsZero(t *testing.T) {
	// 只给 9 个成交量, 第 10 根缺失
	base := basePayload([]float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, []float64{100, 100, 100, 100, 100, 100, 100, 100, 100})
	s := BuildSeries(base, nil)
	ApplyFallbacks(s, nil)
	v, ok := s.Rows[9].Field("volumeMA10")
	if !ok {
		t.Fatalf("row9 应有 volumeMA10")
	}
	if math.Abs(v-90) > 1e-6 {
		t.Fatalf("缺失量按 0 计, 均值应为 90, 实际=%.2f", v)
	}
}

func TestVolumeMASkippedWhenFieldPresentAnywhere(t *testing.T) {
	closes := make([]float64, 12)
	vols := make([]float64, 12)
	for i := range closes {
		closes[i] = 10
		vols[i] = 100
	}
	base := basePayload(closes, vols)
	bundle := IndicatorBundle{"volume_ma": mustPayload(t, `{"ma_10":[null,null,null,null,null,null,null,null,null,null,null,123]}`)}
	s := BuildSeries(base, bundle)
	ApplyFallbacks(s, bundle)
	if v, ok := s.Rows[11].Field("volumeMA10"); !ok || v != 123 {
		t.Fatalf("服务端 volumeMA10 应保留, 实际=%v", v)
	}
	if _, ok := s.Rows[10].Field("volumeMA10"); ok {
		t.Fatalf("序列级存在性检查命中后, 整条回退应停用")
	}
	if _, ok := s.Rows[11].Field("volumeMA20"); !ok {
		t.Fatalf("volumeMA20 不受 volumeMA10 的存在影响, 应照常补算")
	}
}

func TestVolumeMASeriesShorterThanWindow(t *testing.T) {
	base := basePayload([]float64{1, 2, 3}, []float64{10, 10, 10})
	s := BuildSeries(base, nil)
	ApplyFallbacks(s, nil)
	for i := range s.Rows {
		if _, ok := s.Rows[i].Field("volumeMA10"); ok {
			t.Fatalf("序列短于窗口时全部为空, row%d 不应有值", i)
		}
	}
}
