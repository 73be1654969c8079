package chart

// ApplyPayload 把单个指标负载按注册表合并进序列。
// 只在既有行上按下标补写字段:有限值覆盖,null/缺失/NaN 保留原值,
// 行数与顺序不动。未注册的指标名静默跳过。
func (s *Series) ApplyPayload(name string, p IndicatorPayload) {
	bindings := Bindings(name)
	if len(bindings) == 0 || s.Len() == 0 {
		return
	}
	for i := range s.Rows {
		for _, b := range bindings {
			if v, ok := p.valueAt(b, i); ok {
				s.Rows[i].SetField(b.Field, round4(v))
			}
		}
	}
}

// ApplyBundle 逐指标合并。同一批指标字段互不相交,先后顺序不影响结果。
func (s *Series) ApplyBundle(bundle IndicatorBundle) {
	for name, payload := range bundle {
		s.ApplyPayload(name, payload)
	}
}
