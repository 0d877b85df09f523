package typeutil

import (
	"strconv"

	"github.com/cockroachdb/errors"
)

// FlexID 是一个 64 位无符号 ID。
// 反序列化时同时接受 JSON 数字与字符串，序列化时统一输出为字符串，
// 避免超出 2^53 的 ID 在 JavaScript 一侧丢失精度。
type FlexID uint64

// Uint64 返回 ID 的原始数值。
func (id FlexID) Uint64() uint64 {
	return uint64(id)
}

func (id FlexID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// MarshalJSON 实现 json.Marshaler。
func (id FlexID) MarshalJSON() ([]byte, error) {
	buf := make([]byte, 0, 22)
	buf = append(buf, '"')
	buf = strconv.AppendUint(buf, uint64(id), 10)
	buf = append(buf, '"')
	return buf, nil
}

// UnmarshalJSON 实现 json.Unmarshaler。
func (id *FlexID) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		*id = 0
		return nil
	}
	raw := data
	if len(raw) >= 2 && raw[0] == '"' && raw[len(raw)-1] == '"' {
		raw = raw[1 : len(raw)-1]
	}
	if len(raw) == 0 {
		*id = 0
		return nil
	}
	v, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil {
		return errors.Wrapf(err, "invalid id %q", string(data))
	}
	*id = FlexID(v)
	return nil
}
