package chart

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// FieldBinding 指标线名到行字段的一条映射。Sub 为空表示负载本身就是数组/标量。
type FieldBinding struct {
	Field string
	Sub   string
}

// registry 指标名 → 行字段映射表。复合指标(MACD/布林/随机/一目)展开成多条。
var registry = map[string][]FieldBinding{
	"sma_50":  {{Field: "sma50"}},
	"sma_200": {{Field: "sma200"}},
	"rsi":     {{Field: "rsi"}},
	"macd": {
		{Field: "macd", Sub: "macd"},
		{Field: "macdSignal", Sub: "signal"},
		{Field: "macdHistogram", Sub: "histogram"},
	},
	"bollinger": {
		{Field: "bollingerUpper", Sub: "upper"},
		{Field: "bollingerMiddle", Sub: "middle"},
		{Field: "bollingerLower", Sub: "lower"},
		{Field: "bollingerPercentB", Sub: "percent_b"},
		{Field: "bollingerBandwidth", Sub: "bandwidth"},
	},
	"atr":  {{Field: "atr"}},
	"vwap": {{Field: "vwap"}},
	"volume_ma": {
		{Field: "volumeMA10", Sub: "ma_10"},
		{Field: "volumeMA20", Sub: "ma_20"},
	},
	"stochastic": {
		{Field: "k_percent", Sub: "k_percent"},
		{Field: "d_percent", Sub: "d_percent"},
	},
	"ichimoku": {
		{Field: "ichimoku_tenkan", Sub: "tenkan_sen"},
		{Field: "ichimoku_kijun", Sub: "kijun_sen"},
		{Field: "ichimoku_senkou_a", Sub: "senkou_span_a"},
		{Field: "ichimoku_senkou_b", Sub: "senkou_span_b"},
		{Field: "ichimoku_chikou", Sub: "chikou_span"},
	},
}

// Bindings 返回指标的字段映射,未注册的指标返回 nil(调用方静默跳过)。
func Bindings(name string) []FieldBinding {
	return registry[name]
}

func KnownIndicator(name string) bool {
	_, ok := registry[name]
	return ok
}

// KnownIndicators 全部已注册指标名,字典序。
func KnownIndicators() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IndicatorPayload 单个指标的原始负载,三种线型之一:
// 标量(整段一个值)、数组(逐行)、复合对象(子线名 → 数组)。
type IndicatorPayload struct {
	Scalar *float64
	Values []*float64
	Groups map[string][]*float64
}

// UnmarshalJSON 按首字节区分三种线型,null 与缺失子线都不报错。
func (p *IndicatorPayload) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	switch trimmed[0] {
	case '[':
		return json.Unmarshal(trimmed, &p.Values)
	case '{':
		return json.Unmarshal(trimmed, &p.Groups)
	default:
		return json.Unmarshal(trimmed, &p.Scalar)
	}
}

func (p IndicatorPayload) MarshalJSON() ([]byte, error) {
	switch {
	case p.Groups != nil:
		return json.Marshal(p.Groups)
	case p.Values != nil:
		return json.Marshal(p.Values)
	case p.Scalar != nil:
		return json.Marshal(p.Scalar)
	default:
		return []byte("null"), nil
	}
}

// valueAt 取绑定对应的第 i 个值。标量负载对任意下标都返回同一个值。
func (p IndicatorPayload) valueAt(b FieldBinding, i int) (float64, bool) {
	var arr []*float64
	switch {
	case b.Sub != "" && p.Groups != nil:
		arr = p.Groups[b.Sub]
	case b.Sub == "" && p.Values != nil:
		arr = p.Values
	case b.Sub == "" && p.Scalar != nil:
		if isFinite(*p.Scalar) {
			return *p.Scalar, true
		}
		return 0, false
	default:
		return 0, false
	}
	if i < 0 || i >= len(arr) || arr[i] == nil {
		return 0, false
	}
	v := *arr[i]
	if !isFinite(v) {
		return 0, false
	}
	return v, true
}

// HasAnyValue 负载里是否存在至少一个有限值,VWAP 回退的判定依据。
func (p IndicatorPayload) HasAnyValue() bool {
	if p.Scalar != nil && isFinite(*p.Scalar) {
		return true
	}
	for _, v := range p.Values {
		if v != nil && isFinite(*v) {
			return true
		}
	}
	for _, arr := range p.Groups {
		for _, v := range arr {
			if v != nil && isFinite(*v) {
				return true
			}
		}
	}
	return false
}

// IndicatorBundle 一次指标响应:指标名 → 原始负载。
type IndicatorBundle map[string]IndicatorPayload

// ValidateNames 校验请求的指标名都已注册。
func ValidateNames(names []string) error {
	for _, name := range names {
		if !KnownIndicator(name) {
			return fmt.Errorf("未知指标: %s", name)
		}
	}
	return nil
}
