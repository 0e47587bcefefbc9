package record

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// Kind classifies a record value.
type Kind int

const (
	KindUndefined Kind = iota
	KindNull
	KindBool
	KindNumber
	KindString
	KindTime
	KindList
	KindMap
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindUndefined:
		return "undefined"
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindTime:
		return "time"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return "other"
	}
}

// KindOf returns the kind of v.
func KindOf(v any) Kind {
	if IsUndefined(v) {
		return KindUndefined
	}
	if v == nil {
		return KindNull
	}
	if _, ok := asFloat(v); ok {
		return KindNumber
	}
	switch v.(type) {
	case bool:
		return KindBool
	case string:
		return KindString
	case time.Time, *time.Time:
		return KindTime
	case []any, []string:
		return KindList
	case map[string]any, Record:
		return KindMap
	}
	return KindOther
}

// asFloat converts any Go numeric type to float64.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return math.NaN(), true
		}
		return f, true
	}
	return 0, false
}

// ToNumber coerces v the way JavaScript's Number() does. Values with no numeric
// reading return NaN.
func ToNumber(v any) float64 {
	if f, ok := asFloat(v); ok {
		return f
	}
	switch t := v.(type) {
	case nil:
		return 0
	case bool:
		if t {
			return 1
		}
		return 0
	case string:
		return parseNumber(t)
	case time.Time:
		return float64(t.UnixMilli())
	case *time.Time:
		if t == nil {
			return 0
		}
		return float64(t.UnixMilli())
	case []any:
		switch len(t) {
		case 0:
			return 0
		case 1:
			return ToNumber(ToString(t[0]))
		}
	}
	return math.NaN()
}

func parseNumber(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}

	switch s {
	case "Infinity", "+Infinity":
		return math.Inf(1)
	case "-Infinity":
		return math.Inf(-1)
	}

	lower := strings.ToLower(s)
	if strings.HasPrefix(lower, "0x") || strings.HasPrefix(lower, "0o") || strings.HasPrefix(lower, "0b") {
		n, err := strconv.ParseInt(s, 0, 64)
		if err != nil {
			return math.NaN()
		}
		return float64(n)
	}

	for _, r := range s {
		if !strings.ContainsRune("0123456789.eE+-", r) {
			return math.NaN()
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return math.NaN()
	}
	return f
}

// FormatNumber renders f the way JavaScript's String() renders a number.
func FormatNumber(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	case f == 0:
		return "0"
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// ToString coerces v the way JavaScript's String() does.
func ToString(v any) string {
	if IsUndefined(v) {
		return "undefined"
	}
	if f, ok := asFloat(v); ok {
		return FormatNumber(f)
	}
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case time.Time:
		return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
	case *time.Time:
		if t == nil {
			return "null"
		}
		return ToString(*t)
	case []string:
		return strings.Join(t, ",")
	case []any:
		parts := make([]string, len(t))
		for i, item := range t {
			if item == nil || IsUndefined(item) {
				continue
			}
			parts[i] = ToString(item)
		}
		return strings.Join(parts, ",")
	case map[string]any, Record:
		return "[object Object]"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "[object Object]"
	}
	return string(b)
}

// Truthy reports JavaScript truthiness.
func Truthy(v any) bool {
	if IsUndefined(v) || v == nil {
		return false
	}
	if f, ok := asFloat(v); ok {
		return f != 0 && !math.IsNaN(f)
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t != ""
	}
	return true
}

// StrictEqual compares scalars without coercion. Numbers compare by value whatever
// their Go type. Lists, maps and times are never equal, matching reference semantics.
func StrictEqual(a, b any) bool {
	ka, kb := KindOf(a), KindOf(b)
	if ka != kb {
		return false
	}

	switch ka {
	case KindUndefined, KindNull:
		return true
	case KindNumber:
		fa, _ := asFloat(a)
		fb, _ := asFloat(b)
		return fa == fb
	case KindString:
		return a.(string) == b.(string)
	case KindBool:
		return a.(bool) == b.(bool)
	}
	return false
}
