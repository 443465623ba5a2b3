package exchange

import "time"

// Window 一次 API 调用的查询时间范围
type Window struct {
	Start time.Time
	End   time.Time
}

// Duration 窗口时长
func (w Window) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

// IsValid 窗口是否有效（起点早于终点）
func (w Window) IsValid() bool {
	return w.Start.Before(w.End)
}

// SplitWindow 把任意时间范围拆成若干个不超过 max 的连续子窗口
// 子窗口首尾相接，无空隙、无重叠，完整覆盖原范围
func SplitWindow(w Window, max time.Duration) []Window {
	if !w.IsValid() || max <= 0 {
		return nil
	}

	var windows []Window
	start := w.Start
	for start.Before(w.End) {
		end := start.Add(max)
		if end.After(w.End) {
			end = w.End
		}
		windows = append(windows, Window{Start: start, End: end})
		start = end
	}
	return windows
}
