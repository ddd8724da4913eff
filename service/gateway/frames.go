package gateway

import (
	"encoding/json"

	"github.com/EY-Engage/realtime-core/tools/errs"
)

// ===== 线上帧协议（JSON）=====

const (
	FrameAuth  = "auth"  // 客户端：携带 token 换取授权
	FramePing  = "ping"  // 客户端：心跳
	FramePong  = "pong"  // 服务端：心跳应答
	FrameEvent = "event" // 双向：业务事件（namespace + event 寻址）
	FrameAck   = "ack"   // 服务端：处理结果回执
	FrameError = "error" // 服务端：带错误码的拒绝帧
)

// Frame 统一帧结构；ID 由客户端带上用于 ack 关联
type Frame struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Token     string          `json:"token,omitempty"`
	Namespace string          `json:"namespace,omitempty"`
	Event     string          `json:"event,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

func ParseFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, errs.ErrPayloadInvalid.WithDetail(err.Error())
	}
	if f.Type == "" {
		return nil, errs.ErrPayloadInvalid.WithDetail("missing frame type")
	}
	return &f, nil
}

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return b
}

// AckFrame 成功回执；result 可为 nil
func AckFrame(id string, result any) []byte {
	var payload json.RawMessage
	if result != nil {
		payload = mustMarshal(result)
	}
	return mustMarshal(&Frame{Type: FrameAck, ID: id, Payload: payload})
}

type errBody struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// ErrFrame 失败回执：错误码透传给客户端，detail 只留在服务端日志
func ErrFrame(id string, err error) []byte {
	body := errBody{Code: errs.ECode(err), Msg: errs.EMsg(err)}
	return mustMarshal(&Frame{Type: FrameError, ID: id, Payload: mustMarshal(&body)})
}

// EventFrame 服务端推送帧
func EventFrame(namespace, event string, payload any) []byte {
	var raw json.RawMessage
	switch p := payload.(type) {
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	default:
		raw = mustMarshal(payload)
	}
	return mustMarshal(&Frame{Type: FrameEvent, Namespace: namespace, Event: event, Payload: raw})
}

func PongFrame(id string) []byte {
	return mustMarshal(&Frame{Type: FramePong, ID: id})
}
