package backend

// Stage 表示后端收发链路中的处理阶段。
//
// 主要用于在日志与监控中标记错误发生的位置，便于排查。
type Stage string

const (
	StageDial     Stage = "dial"     // 建立连接、声明交换机与队列
	StageRecvRaw  Stage = "recv_raw" // 读取底层原始帧
	StageDispatch Stage = "dispatch" // 帧 -> 会话响应队列
	StageEncode   Stage = "encode"   // Request -> 帧
	StageSend     Stage = "send"     // 帧写入连接
)

func (s Stage) String() string {
	return string(s)
}
