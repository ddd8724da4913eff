package router

import (
	"encoding/json"

	"github.com/EY-Engage/realtime-core/tools/errs"
)

// FieldKind 载荷字段类型
type FieldKind string

const (
	KindString FieldKind = "string"
	KindNumber FieldKind = "number"
	KindBool   FieldKind = "bool"
	KindObject FieldKind = "object"
	KindArray  FieldKind = "array"
)

// FieldRule 声明式载荷校验：缺字段/错类型在进处理器之前就拒掉
type FieldRule struct {
	Field    string
	Kind     FieldKind
	Required bool
	MaxLen   int // 仅 string 生效，<=0 不限
}

// CheckPayload 按规则校验 JSON 载荷
func CheckPayload(payload json.RawMessage, rules []FieldRule) error {
	if len(rules) == 0 {
		return nil
	}
	var m map[string]any
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &m); err != nil {
			return errs.ErrPayloadInvalid.WithDetail(err.Error())
		}
	}
	for _, r := range rules {
		v, ok := m[r.Field]
		if !ok || v == nil {
			if r.Required {
				return errs.ErrPayloadInvalid.WithDetail("missing field: " + r.Field)
			}
			continue
		}
		switch r.Kind {
		case KindString:
			s, ok := v.(string)
			if !ok {
				return errs.ErrPayloadInvalid.WithDetail("field not string: " + r.Field)
			}
			if r.MaxLen > 0 && len(s) > r.MaxLen {
				return errs.ErrPayloadInvalid.WithDetail("field too long: " + r.Field)
			}
		case KindNumber:
			if _, ok := v.(float64); !ok {
				return errs.ErrPayloadInvalid.WithDetail("field not number: " + r.Field)
			}
		case KindBool:
			if _, ok := v.(bool); !ok {
				return errs.ErrPayloadInvalid.WithDetail("field not bool: " + r.Field)
			}
		case KindObject:
			if _, ok := v.(map[string]any); !ok {
				return errs.ErrPayloadInvalid.WithDetail("field not object: " + r.Field)
			}
		case KindArray:
			if _, ok := v.([]any); !ok {
				return errs.ErrPayloadInvalid.WithDetail("field not array: " + r.Field)
			}
		}
	}
	return nil
}
