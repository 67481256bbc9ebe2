package payload

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrDecode 消息信封解析失败
var ErrDecode = errors.New("payload decode error")

// DecodeError 解析失败的详细原因
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", ErrDecode, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", ErrDecode, e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Is 使 errors.Is(err, ErrDecode) 成立
func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

// Payload 解析后的设备数据：字段名 -> 标量
type Payload struct {
	Fields map[string]interface{}
}

type envelope struct {
	Value json.RawMessage `json:"value"`
}

// Decode 解析入站信封 {"value": <对象 | 对象的 JSON 字符串>}
// value 可能被二次 JSON 编码，两种形式统一成 Payload
func Decode(raw []byte) (*Payload, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &DecodeError{Reason: "invalid envelope", Err: err}
	}

	inner := bytes.TrimSpace(env.Value)
	if len(inner) == 0 || bytes.Equal(inner, []byte("null")) {
		return nil, &DecodeError{Reason: "missing value"}
	}

	// 字符串形式：先解出字符串再按对象解析
	if inner[0] == '"' {
		var s string
		if err := json.Unmarshal(inner, &s); err != nil {
			return nil, &DecodeError{Reason: "invalid value string", Err: err}
		}
		inner = bytes.TrimSpace([]byte(s))
	}

	var fields map[string]interface{}
	if err := json.Unmarshal(inner, &fields); err != nil {
		return nil, &DecodeError{Reason: "value is not an object", Err: err}
	}
	if fields == nil {
		return nil, &DecodeError{Reason: "value is not an object"}
	}

	return &Payload{Fields: fields}, nil
}

// Lookup 查询字段
func (p *Payload) Lookup(key string) (interface{}, bool) {
	v, ok := p.Fields[key]
	return v, ok
}

// Number 将标量转换为数值：数字、数字字符串
func Number(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// Scalar 缓存用的数值转换：在 Number 的基础上接受布尔（true=1）
func Scalar(v interface{}) (float64, bool) {
	if b, ok := v.(bool); ok {
		if b {
			return 1, true
		}
		return 0, true
	}
	return Number(v)
}

// Integer 位图值必须是整数
func Integer(v interface{}) (int64, bool) {
	f, ok := Number(v)
	if !ok || f != math.Trunc(f) || math.Abs(f) > 1<<53 {
		return 0, false
	}
	return int64(f), true
}

// Format 触发值字符串化（35 -> "35"，true -> "true"）
func Format(v interface{}) string {
	switch val := v.(type) {
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case nil:
		return "null"
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	}
}
