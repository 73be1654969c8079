package overlay

import (
	"fmt"
)

const maxLevelWeight = 5

// ResolveLevels 把支撑/阻力价位转成水平线注记。
// 线宽随该价位被测试的次数加粗,封顶防止强级别糊满图面。
func ResolveLevels(set *LevelSet) []PriceLevelMarker {
	if set == nil {
		return nil
	}
	out := make([]PriceLevelMarker, 0, len(set.Support)+len(set.Resistance))
	for i, lv := range set.Support {
		out = append(out, PriceLevelMarker{
			Kind:   "support",
			Label:  fmt.Sprintf("S%d", i+1),
			Price:  lv.Price,
			Weight: levelWeight(lv.Strength),
		})
	}
	for i, lv := range set.Resistance {
		out = append(out, PriceLevelMarker{
			Kind:   "resistance",
			Label:  fmt.Sprintf("R%d", i+1),
			Price:  lv.Price,
			Weight: levelWeight(lv.Strength),
		})
	}
	return out
}

func levelWeight(strength int) int {
	w := 1 + strength/2
	if w > maxLevelWeight {
		return maxLevelWeight
	}
	if w < 1 {
		return 1
	}
	return w
}
