package errs

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	pkgerrors "github.com/pkg/errors"
)

type CodeErrorI interface {
	ECode() int
	EMsg() string
	EDetail() string
	WithDetail(detail string) CodeError
	error
}

func NewCodeError(code int, msg string) CodeError {
	return CodeError{
		Code: code,
		Msg:  msg,
	}
}

type CodeError struct {
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
	Detail string `json:"detail,omitempty"`
}

func (e CodeError) ECode() int      { return e.Code }
func (e CodeError) EMsg() string    { return e.Msg }
func (e CodeError) EDetail() string { return e.Detail }

func (e CodeError) WithDetail(detail string) CodeError {
	var d string
	if e.Detail == "" {
		d = detail
	} else {
		d = e.Detail + ", " + detail
	}
	return CodeError{
		Code:   e.Code,
		Msg:    e.Msg,
		Detail: d,
	}
}

// Wrap 带上调用栈返回
func (e CodeError) Wrap() error {
	return pkgerrors.WithStack(e)
}

// WrapMsg 追加 detail（msg + kv 对）后带栈返回
func (e CodeError) WrapMsg(msg string, kv ...any) error {
	ret := e
	if msg != "" || len(kv) > 0 {
		detail := toString(msg, kv)
		if ret.Detail == "" {
			ret.Detail = detail
		} else {
			ret.Detail += ", " + detail
		}
	}
	return pkgerrors.WithStack(ret)
}

// Is 按 Code 比较；配合 errors.Is(err, ErrXxx) 使用
func (e CodeError) Is(err error) bool {
	var codeErr CodeError
	if !errors.As(err, &codeErr) {
		return false
	}
	return e.Code == codeErr.Code
}

func (e CodeError) Error() string {
	v := make([]string, 0, 3)
	v = append(v, strconv.Itoa(e.Code), e.Msg)
	if e.Detail != "" {
		v = append(v, e.Detail)
	}
	return strings.Join(v, " ")
}

// ECode 从任意错误提取错误码；无码错误归兜底码
func ECode(err error) int {
	var codeErr CodeError
	if errors.As(err, &codeErr) {
		return codeErr.Code
	}
	return ErrInternal.Code
}

// EMsg 提取对外文案；detail 不外露
func EMsg(err error) string {
	var codeErr CodeError
	if errors.As(err, &codeErr) {
		return codeErr.Msg
	}
	return ErrInternal.Msg
}

// New 普通错误（无错误码）
func New(msg string, kv ...any) error {
	return errors.New(toString(msg, kv))
}

func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return pkgerrors.WithStack(err)
}

func WrapMsg(err error, msg string, kv ...any) error {
	if err == nil {
		return nil
	}
	return pkgerrors.Wrap(err, toString(msg, kv))
}

func toString(msg string, kv []any) string {
	var sb strings.Builder
	sb.WriteString(msg)
	for i := 0; i < len(kv); i += 2 {
		if i > 0 || msg != "" {
			sb.WriteString(" ")
		}
		sb.WriteString(fmt.Sprintf("%v", kv[i]))
		sb.WriteString("=")
		if i+1 < len(kv) {
			sb.WriteString(fmt.Sprintf("%v", kv[i+1]))
		}
	}
	return sb.String()
}
