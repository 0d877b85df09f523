package backend

import (
	"bytes"
	"strconv"

	"github.com/blang/semver/v4"
	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/danmu-garden-relay/internal/json"
	"github.com/lk2023060901/danmu-garden-relay/pkg/util/merr"
	"github.com/lk2023060901/danmu-garden-relay/pkg/util/typeutil"
)

// ProtocolVersion 是中继与后端之间的消息协议版本。
// 主版本号不同的消息会被丢弃。
const ProtocolVersion = "1.0.0"

var protocolVersion = semver.MustParse(ProtocolVersion)

// Kind 表示消息方向，序列化为符号名。
type Kind int32

const (
	KindUnknown  Kind = 0
	KindRequest  Kind = 1
	KindResponse Kind = 2
)

var kindNames = map[Kind]string{
	KindUnknown:  "unknown",
	KindRequest:  "request",
	KindResponse: "response",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// MarshalText 实现 encoding.TextMarshaler。
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText 实现 encoding.TextUnmarshaler。
func (k *Kind) UnmarshalText(text []byte) error {
	for kind, name := range kindNames {
		if name == string(text) {
			*k = kind
			return nil
		}
	}
	return merr.WrapErrParameterInvalidMsg("unknown message kind %q", string(text))
}

// flexString 接受 JSON 字符串或数字，统一保存为字符串。
type flexString string

func (s *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*s = ""
		return nil
	}
	if data[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = flexString(v)
		return nil
	}
	if _, err := strconv.ParseUint(string(data), 10, 64); err != nil {
		return errors.Wrapf(err, "invalid id %s", string(data))
	}
	*s = flexString(data)
	return nil
}

type requestEnvelope struct {
	Kind      Kind            `json:"kind"`
	SessionID flexString      `json:"session_id"`
	GameType  string          `json:"game_type"`
	PlayerID  typeutil.FlexID `json:"player_id"`
	Payload   string          `json:"payload"`
	Protocol  string          `json:"protocol"`
}

type responseEnvelope struct {
	Kind      Kind            `json:"kind,omitempty"`
	SessionID flexString      `json:"session_id"`
	Payload   json.RawMessage `json:"payload"`
	Protocol  string          `json:"protocol"`
}

// Codec 负责请求与响应在线路上的编解码。
type Codec interface {
	EncodeRequest(req Request) ([]byte, error)
	DecodeRequest(data []byte) (Request, error)
	EncodeResponse(resp Response) ([]byte, error)
	DecodeResponse(data []byte) (Response, error)
}

// JSONCodec 使用 snake_case 字段名的 UTF-8 JSON 编码。
// 64 位 ID 输出为字符串，读取时同时接受数字与字符串。
type JSONCodec struct{}

// 编译期断言：确保 JSONCodec 实现了 Codec 接口。
var _ Codec = JSONCodec{}

func (JSONCodec) EncodeRequest(req Request) ([]byte, error) {
	return json.Marshal(requestEnvelope{
		Kind:      KindRequest,
		SessionID: flexString(req.SessionID),
		GameType:  req.GameType,
		PlayerID:  typeutil.FlexID(req.PlayerID),
		Payload:   string(req.Payload),
		Protocol:  ProtocolVersion,
	})
}

func (JSONCodec) DecodeRequest(data []byte) (Request, error) {
	var env requestEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Request{}, errors.Wrap(err, "decode request envelope")
	}
	if err := checkEnvelope(env.Kind, KindRequest, env.Protocol); err != nil {
		return Request{}, err
	}
	return Request{
		SessionID: string(env.SessionID),
		GameType:  env.GameType,
		PlayerID:  env.PlayerID.Uint64(),
		Payload:   []byte(env.Payload),
	}, nil
}

func (JSONCodec) EncodeResponse(resp Response) ([]byte, error) {
	payload := json.RawMessage(resp.Payload)
	if !json.Valid(resp.Payload) {
		quoted, err := json.Marshal(string(resp.Payload))
		if err != nil {
			return nil, err
		}
		payload = quoted
	}
	return json.Marshal(responseEnvelope{
		Kind:      KindResponse,
		SessionID: flexString(resp.SessionID),
		Payload:   payload,
		Protocol:  ProtocolVersion,
	})
}

// DecodeResponse 解析后端响应。payload 为 JSON 字符串时取其文本内容，
// 为其它 JSON 值时原样保留字节。
func (JSONCodec) DecodeResponse(data []byte) (Response, error) {
	var env responseEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Response{}, errors.Wrap(err, "decode response envelope")
	}
	if err := checkEnvelope(env.Kind, KindResponse, env.Protocol); err != nil {
		return Response{}, err
	}
	if env.SessionID == "" {
		return Response{}, merr.WrapErrParameterMissing("session_id")
	}
	payload, err := decodePayload(env.Payload)
	if err != nil {
		return Response{}, err
	}
	return Response{SessionID: string(env.SessionID), Payload: payload}, nil
}

func decodePayload(raw json.RawMessage) ([]byte, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	if raw[0] == '"' {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil, errors.Wrap(err, "decode payload text")
		}
		return []byte(text), nil
	}
	return append([]byte(nil), raw...), nil
}

// checkEnvelope 校验消息方向与协议版本。未携带版本号的消息视为当前版本。
func checkEnvelope(kind, expected Kind, protocol string) error {
	if kind != KindUnknown && kind != expected {
		return merr.WrapErrParameterInvalid(expected.String(), kind.String(), "unexpected message kind")
	}
	if protocol == "" {
		return nil
	}
	v, err := semver.ParseTolerant(protocol)
	if err != nil {
		return merr.WrapErrProtocolMismatch(ProtocolVersion, protocol, err.Error())
	}
	if v.Major != protocolVersion.Major {
		return merr.WrapErrProtocolMismatch(ProtocolVersion, protocol)
	}
	return nil
}
