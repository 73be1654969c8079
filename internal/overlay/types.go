package overlay

// 预计算分析的上游负载形状与解析后的可渲染注记。
// 注记只在读取时针对序列解析,永远不写回行字段。

// CalculatedMetrics /calculated-metrics 响应。
type CalculatedMetrics struct {
	SMACrossovers     SMACrossovers   `json:"sma_crossovers"`
	Fibonacci         FibonacciLevels `json:"fibonacci_levels"`
	SupportResistance LevelSet        `json:"support_resistance"`
}

type SMACrossovers struct {
	AllCrossovers []CrossoverEvent `json:"all_crossovers"`
}

// CrossoverEvent type 取值 golden_cross / death_cross。
type CrossoverEvent struct {
	Date  string   `json:"date"`
	Type  string   `json:"type"`
	Price *float64 `json:"price,omitempty"`
}

// FibonacciLevels 服务端只给摆动边界和方向,档位价在本地算。
type FibonacciLevels struct {
	SwingHigh float64 `json:"swing_high"`
	SwingLow  float64 `json:"swing_low"`
	Trend     string  `json:"trend,omitempty"`
}

type LevelSet struct {
	Support    []PriceLevel `json:"support"`
	Resistance []PriceLevel `json:"resistance"`
}

// PriceLevel Strength 为该价位被测试的次数。
type PriceLevel struct {
	Price    float64 `json:"price"`
	Strength int     `json:"strength"`
}

// DivergenceAnalysis /divergence-analysis 响应。
type DivergenceAnalysis struct {
	RSI  DivergenceResult `json:"rsi_divergence"`
	MACD DivergenceResult `json:"macd_divergence"`
}

type DivergenceResult struct {
	Bullish    bool             `json:"bullish_divergence"`
	Bearish    bool             `json:"bearish_divergence"`
	Confidence float64          `json:"confidence"`
	Points     DivergencePoints `json:"divergence_points"`
}

type DivergencePoints struct {
	Bullish []DivergencePoint `json:"bullish"`
	Bearish []DivergencePoint `json:"bearish"`
}

type DivergencePoint struct {
	Date      string   `json:"date"`
	Price     *float64 `json:"price,omitempty"`
	Indicator *float64 `json:"indicator_value,omitempty"`
}

// CrossoverMarker LabelSide 指标签画在点的哪一侧,避免贴到图表边缘。
type CrossoverMarker struct {
	RowIndex  int     `json:"row_index"`
	Type      string  `json:"type"`
	Label     string  `json:"label"`
	LabelSide string  `json:"label_side"`
	Price     float64 `json:"price"`
}

type DivergenceMarker struct {
	RowIndex   int     `json:"row_index"`
	Indicator  string  `json:"indicator"`
	Side       string  `json:"side"`
	Price      float64 `json:"price"`
	Confidence float64 `json:"confidence"`
}

// PriceLevelMarker 水平价位线,Kind 取 fibonacci / support / resistance。
type PriceLevelMarker struct {
	Kind   string  `json:"kind"`
	Label  string  `json:"label"`
	Price  float64 `json:"price"`
	Weight int     `json:"weight"`
}
