package decode

import (
	"github.com/EY-Engage/realtime-core/tools/errs"

	"github.com/mitchellh/mapstructure"
)

// DecodeMap 把已经过 schema 校验的 payload（map）解码为业务结构体。
// tag 统一用 json，弱类型转换打开（前端数字/字符串混用兜底）。
func DecodeMap[T any](in map[string]any) (*T, error) {
	if in == nil {
		return nil, errs.New("nil payload map")
	}
	var out T
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           &out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, errs.WrapMsg(err, "new decoder")
	}
	if err := dec.Decode(in); err != nil {
		return nil, errs.ErrPayloadInvalid.WrapMsg("decode payload", "err", err)
	}
	return &out, nil
}
