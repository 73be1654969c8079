package chart

import (
	"encoding/json"
	"errors"
	"sort"
	"time"
)

// Row 一根已对齐的观测:显示标签 + 规范时间戳 + OHLCV + 开放的指标字段集。
// Label 仅用于渲染,跨年时可能重复;Time 是唯一的排序键与对齐键。
type Row struct {
	Label  string
	Time   time.Time
	Open   *float64
	High   *float64
	Low    *float64
	Close  *float64
	Volume *float64
	Fields map[string]float64
}

// Field 读取指标字段,第二返回值表示该字段是否已写入。
func (r *Row) Field(name string) (float64, bool) {
	if r.Fields == nil {
		return 0, false
	}
	v, ok := r.Fields[name]
	return v, ok
}

// SetField 写入指标字段;非有限值直接忽略,不会清掉已有值。
func (r *Row) SetField(name string, v float64) {
	if !isFinite(v) {
		return
	}
	if r.Fields == nil {
		r.Fields = make(map[string]float64, 4)
	}
	r.Fields[name] = v
}

// MarshalJSON 把指标字段摊平到行对象里,时间输出 RFC3339。
func (r Row) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, 7+len(r.Fields))
	out["date"] = r.Label
	out["fullDate"] = r.Time.UTC().Format(time.RFC3339)
	out["open"] = r.Open
	out["high"] = r.High
	out["low"] = r.Low
	out["close"] = r.Close
	out["volume"] = r.Volume
	for k, v := range r.Fields {
		out[k] = v
	}
	return json.Marshal(out)
}

// UnmarshalJSON 还原摊平格式:已知键回 OHLCV,其余数值键进字段集。
// 非数值的未知键忽略,读旧快照时容错。
func (r *Row) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for key, val := range raw {
		switch key {
		case "date":
			if err := json.Unmarshal(val, &r.Label); err != nil {
				return err
			}
		case "fullDate":
			var s string
			if err := json.Unmarshal(val, &s); err != nil {
				return err
			}
			if t, ok := ParseWireTime(s); ok {
				r.Time = t
			}
		case "open":
			r.Open = decodeNullableFloat(val)
		case "high":
			r.High = decodeNullableFloat(val)
		case "low":
			r.Low = decodeNullableFloat(val)
		case "close":
			r.Close = decodeNullableFloat(val)
		case "volume":
			r.Volume = decodeNullableFloat(val)
		default:
			var f float64
			if err := json.Unmarshal(val, &f); err == nil {
				r.SetField(key, f)
			}
		}
	}
	return nil
}

func decodeNullableFloat(raw json.RawMessage) *float64 {
	var v *float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}

func (r Row) clone() Row {
	cp := r
	cp.Open = clonePtr(r.Open)
	cp.High = clonePtr(r.High)
	cp.Low = clonePtr(r.Low)
	cp.Close = clonePtr(r.Close)
	cp.Volume = clonePtr(r.Volume)
	if r.Fields != nil {
		cp.Fields = make(map[string]float64, len(r.Fields))
		for k, v := range r.Fields {
			cp.Fields[k] = v
		}
	}
	return cp
}

func clonePtr(v *float64) *float64 {
	if v == nil {
		return nil
	}
	cp := *v
	return &cp
}

// Series 单个查询上下文的全部行,构建后行数和顺序不再变化;
// 合并只会在既有行上补写字段。Events 是整条序列的旁路负载,不挂在行上。
type Series struct {
	Rows     []Row        `json:"rows"`
	Events   *EventBundle `json:"events,omitempty"`
	Revision uint64       `json:"revision"`
}

func (s *Series) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Rows)
}

// HasField 序列级存在性检查:任意一行写过该字段即为真。
func (s *Series) HasField(name string) bool {
	for i := range s.Rows {
		if _, ok := s.Rows[i].Field(name); ok {
			return true
		}
	}
	return false
}

// NearestIndex 返回时间上最接近 t 的行下标及绝对距离,等距取靠前的一行。
// 序列为空返回 -1。
func (s *Series) NearestIndex(t time.Time) (int, time.Duration) {
	n := s.Len()
	if n == 0 {
		return -1, 0
	}
	i := sort.Search(n, func(j int) bool { return !s.Rows[j].Time.Before(t) })
	if i == 0 {
		return 0, absDuration(s.Rows[0].Time.Sub(t))
	}
	if i == n {
		return n - 1, absDuration(t.Sub(s.Rows[n-1].Time))
	}
	before := absDuration(t.Sub(s.Rows[i-1].Time))
	after := absDuration(s.Rows[i].Time.Sub(t))
	if before <= after {
		return i - 1, before
	}
	return i, after
}

// Clone 深拷贝,供快照与推送使用,避免调用方改到流水线内部状态。
func (s *Series) Clone() *Series {
	if s == nil {
		return nil
	}
	cp := &Series{Revision: s.Revision}
	cp.Rows = make([]Row, len(s.Rows))
	for i := range s.Rows {
		cp.Rows[i] = s.Rows[i].clone()
	}
	if s.Events != nil {
		cp.Events = s.Events.clone()
	}
	return cp
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// ContextKey 查询上下文:资产 + 周期或自定义区间,任一字段变化即整体失效。
type ContextKey struct {
	AssetID string `json:"asset_id"`
	Period  string `json:"period,omitempty"`
	Start   string `json:"start,omitempty"`
	End     string `json:"end,omitempty"`
}

// String 规范化键,空的自定义边界记作 "-"。
func (k ContextKey) String() string {
	start, end := k.Start, k.End
	if start == "" {
		start = "-"
	}
	if end == "" {
		end = "-"
	}
	return k.AssetID + "@" + k.Period + "@" + start + "@" + end
}

// Validate 校验组合:周期与自定义区间二选一。
func (k ContextKey) Validate() error {
	if k.AssetID == "" {
		return errors.New("asset_id 不能为空")
	}
	hasRange := k.Start != "" && k.End != ""
	if k.Period == "" && !hasRange {
		return errors.New("period 与 start/end 至少给一个")
	}
	if k.Period != "" && (k.Start != "" || k.End != "") {
		return errors.New("period 与自定义区间不能同时指定")
	}
	if (k.Start == "") != (k.End == "") {
		return errors.New("start/end 必须成对出现")
	}
	return nil
}

// EventBundle 公司行动事件,归属整条序列。RowIndex 指向匹配到的行。
type EventBundle struct {
	Dividends []EventMarker `json:"dividends,omitempty"`
	Splits    []EventMarker `json:"splits,omitempty"`
	Earnings  []EventMarker `json:"earnings,omitempty"`
}

func (b *EventBundle) clone() *EventBundle {
	if b == nil {
		return nil
	}
	cp := &EventBundle{}
	cp.Dividends = append(cp.Dividends, b.Dividends...)
	cp.Splits = append(cp.Splits, b.Splits...)
	cp.Earnings = append(cp.Earnings, b.Earnings...)
	return cp
}

func (b *EventBundle) total() int {
	if b == nil {
		return 0
	}
	return len(b.Dividends) + len(b.Splits) + len(b.Earnings)
}

// EventMarker 单个事件与它匹配到的行。
type EventMarker struct {
	RowIndex    int       `json:"row_index"`
	Time        time.Time `json:"time"`
	Label       string    `json:"label"`
	Amount      *float64  `json:"amount,omitempty"`
	Ratio       string    `json:"ratio,omitempty"`
	EPSEstimate *float64  `json:"eps_estimate,omitempty"`
	EPSActual   *float64  `json:"eps_actual,omitempty"`
}
