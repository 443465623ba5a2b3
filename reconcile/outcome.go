package reconcile

import "fmt"

// OutcomeKind 单个处理单元（一个子窗口、一行CSV、一个账户）的结果类别
type OutcomeKind int

const (
	OutcomeOk OutcomeKind = iota
	OutcomeSkipped
	OutcomeFailed
)

// Outcome 处理单元的带标签结果
// 编排器收集所有单元的 Outcome 后再决定任务终态，单元失败不中断整个运行
type Outcome struct {
	Kind   OutcomeKind
	Unit   string // 单元描述，如 "BTCUSDT 2024-01-01~2024-01-02"
	Reason string // Skipped 的原因
	Err    error  // Failed 的错误
}

// Ok 成功结果
func Ok(unit string) Outcome {
	return Outcome{Kind: OutcomeOk, Unit: unit}
}

// Skip 跳过结果
func Skip(unit, reason string) Outcome {
	return Outcome{Kind: OutcomeSkipped, Unit: unit, Reason: reason}
}

// Fail 失败结果
func Fail(unit string, err error) Outcome {
	return Outcome{Kind: OutcomeFailed, Unit: unit, Err: err}
}

// String 人类可读的结果描述
func (o Outcome) String() string {
	switch o.Kind {
	case OutcomeOk:
		return fmt.Sprintf("%s: ok", o.Unit)
	case OutcomeSkipped:
		return fmt.Sprintf("%s: skipped (%s)", o.Unit, o.Reason)
	default:
		return fmt.Sprintf("%s: failed (%v)", o.Unit, o.Err)
	}
}

// Tally 结果计数
type Tally struct {
	Ok      int
	Skipped int
	Failed  int
}

// Count 汇总一组结果
func Count(outcomes []Outcome) Tally {
	var t Tally
	for _, o := range outcomes {
		switch o.Kind {
		case OutcomeOk:
			t.Ok++
		case OutcomeSkipped:
			t.Skipped++
		default:
			t.Failed++
		}
	}
	return t
}
