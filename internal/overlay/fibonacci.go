package overlay

import (
	"github.com/shopspring/decimal"
)

// fibLevel 一个斐波那契挡位。Name 不带百分号,供选择集匹配;渲染标签再补上。
type fibLevel struct {
	Name string
	Pct  decimal.Decimal
}

var (
	fibHundred = decimal.NewFromInt(100)

	retracementLevels = []fibLevel{
		{"0", decimal.Zero},
		{"23.6", decimal.NewFromFloat(23.6)},
		{"38.2", decimal.NewFromFloat(38.2)},
		{"50", decimal.NewFromInt(50)},
		{"61.8", decimal.NewFromFloat(61.8)},
		{"78.6", decimal.NewFromFloat(78.6)},
		{"100", fibHundred},
	}
	extensionLevels = []fibLevel{
		{"0", decimal.Zero},
		{"100", fibHundred},
		{"127.2", decimal.NewFromFloat(127.2)},
		{"161.8", decimal.NewFromFloat(161.8)},
		{"261.8", decimal.NewFromFloat(261.8)},
	}
)

// ResolveFibonacci 由摆动高低点算出各挡位价。挡位价走 decimal,避免
// 0.236 这类系数在二进制浮点下的累积误差,最后统一四舍五入到 4 位。
// 0% 与 100% 是摆动边界,无论选择集如何都会输出;selected 为 nil 表示全选。
// mode 取 retracement / extension,回撤从摆动终点往回量,扩展从起点向外量。
func ResolveFibonacci(fib *FibonacciLevels, mode string, selected map[string]bool) []PriceLevelMarker {
	if fib == nil {
		return nil
	}
	high := decimal.NewFromFloat(fib.SwingHigh)
	low := decimal.NewFromFloat(fib.SwingLow)
	if high.LessThan(low) {
		high, low = low, high
	}
	span := high.Sub(low)
	if span.IsZero() {
		return nil
	}

	levels := retracementLevels
	if mode == "extension" {
		levels = extensionLevels
	}
	uptrend := fib.Trend != "down"

	out := make([]PriceLevelMarker, 0, len(levels))
	for _, lv := range levels {
		boundary := lv.Pct.IsZero() || lv.Pct.Equal(fibHundred)
		if !boundary && selected != nil && !selected[lv.Name] {
			continue
		}
		offset := span.Mul(lv.Pct).Div(fibHundred)
		var price decimal.Decimal
		switch {
		case mode == "extension" && uptrend:
			price = low.Add(offset)
		case mode == "extension":
			price = high.Sub(offset)
		case uptrend:
			price = high.Sub(offset)
		default:
			price = low.Add(offset)
		}
		weight := 1
		if boundary {
			weight = 2
		}
		out = append(out, PriceLevelMarker{
			Kind:   "fibonacci",
			Label:  lv.Name + "%",
			Price:  price.Round(4).InexactFloat64(),
			Weight: weight,
		})
	}
	return out
}
