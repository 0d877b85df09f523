package relay

import (
	"math"
	"strconv"
)

// Progress 表示会话所处的阶段。
//
// 通用取值只有三个：NotAvailable（初始）、Starting（启动中）与 Closed（终止）。
// 各游戏在 Starting 与 Closed 之间定义自己的阶段，取值必须严格位于两者之间。
// 会话的 Progress 只增不减。
type Progress int32

const (
	ProgressNotAvailable Progress = 0
	ProgressStarting     Progress = 1
	ProgressClosed       Progress = math.MaxInt32
)

// IsGamePhase 判断 p 是否为游戏自定义阶段。
func (p Progress) IsGamePhase() bool {
	return p > ProgressStarting && p < ProgressClosed
}

func (p Progress) String() string {
	switch p {
	case ProgressNotAvailable:
		return "NotAvailable"
	case ProgressStarting:
		return "Starting"
	case ProgressClosed:
		return "Closed"
	default:
		return "Phase(" + strconv.Itoa(int(p)) + ")"
	}
}
