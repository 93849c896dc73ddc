package textop

import "time"

// Transform 根据先到的 prior 调整 incoming 的位置。
// prior 在 incoming 之前或同一位置时：插入把 incoming 往后推，删除把它往前拉（不越过 prior 的起点）。
// replace 以及其它情况原样返回。
func Transform(prior, incoming Operation) Operation {
	if prior.Edit == nil || incoming.Edit == nil {
		return incoming
	}
	pp, ip := prior.Edit.Pos(), incoming.Edit.Pos()
	if pp > ip {
		return incoming
	}
	switch a := prior.Edit.(type) {
	case Insert:
		incoming.Edit = WithPosition(incoming.Edit, ip+len([]rune(a.Content)))
	case Delete:
		incoming.Edit = WithPosition(incoming.Edit, max(ip-a.Length, pp))
	}
	return incoming
}

// TransformAgainst 依次用日志里同字段、时间窗内的操作变换 incoming。
// depth > 0 时只看最近 depth 条。
func TransformAgainst(log []Operation, incoming Operation, window time.Duration, depth int) Operation {
	start := 0
	if depth > 0 && len(log) > depth {
		start = len(log) - depth
	}
	win := window.Milliseconds()
	for _, prior := range log[start:] {
		if prior.Field != incoming.Field {
			continue
		}
		dt := incoming.Timestamp - prior.Timestamp
		if dt < 0 {
			dt = -dt
		}
		if dt >= win {
			continue
		}
		incoming = Transform(prior, incoming)
	}
	return incoming
}
