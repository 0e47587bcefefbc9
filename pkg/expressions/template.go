package expressions

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/Ramsey-B/fern/pkg/record"
)

var (
	// valuePattern matches the bare word "value" in a mapping transformation.
	valuePattern = regexp.MustCompile(`\bvalue\b`)
	// fieldPattern matches {path.to.field} tokens in a rule transform formula.
	fieldPattern = regexp.MustCompile(`\{([\w.]+)\}`)
)

// SubstituteValue replaces every occurrence of the word "value" in template with the
// literal of v.
func SubstituteValue(template string, v any) string {
	lit := Literal(v)
	return valuePattern.ReplaceAllLiteralString(template, lit)
}

// BindFields rewrites {path} tokens into variables and returns the rewritten formula
// with the env that binds each variable to lookup(path). Repeated paths share a variable.
// A token inside a string literal is replaced by the escaped string form of its value.
func BindFields(formula string, lookup func(path string) any) (string, map[string]any) {
	env := map[string]any{}
	names := map[string]string{}

	var b strings.Builder
	var quote byte
	for i := 0; i < len(formula); i++ {
		c := formula[i]

		if c == '{' {
			if loc := fieldPattern.FindStringSubmatchIndex(formula[i:]); loc != nil && loc[0] == 0 {
				path := formula[i+loc[2] : i+loc[3]]
				v := lookup(path)
				if quote != 0 {
					b.WriteString(escapeIn(quote, record.ToString(v)))
				} else {
					b.WriteString(bindName(env, names, path, v))
				}
				i += loc[1] - 1
				continue
			}
		}

		b.WriteByte(c)
		switch {
		case quote == 0 && (c == '"' || c == '\'' || c == '`'):
			quote = c
		case quote == c:
			quote = 0
		case c == '\\' && quote != 0 && quote != '`' && i+1 < len(formula):
			i++
			b.WriteByte(formula[i])
		}
	}

	return b.String(), env
}

func bindName(env map[string]any, names map[string]string, path string, v any) string {
	if name, ok := names[path]; ok {
		return name
	}
	name := fmt.Sprintf("_f%d", len(names))
	names[path] = name

	if record.IsUndefined(v) {
		v = nil
	}
	env[name] = v
	return name
}

var singleQuoteEscaper = strings.NewReplacer(`\`, `\\`, `'`, `\'`, "\n", `\n`)

// escapeIn escapes s for use inside a literal opened by quote.
func escapeIn(quote byte, s string) string {
	switch quote {
	case '"':
		q := strconv.Quote(s)
		return q[1 : len(q)-1]
	case '\'':
		return singleQuoteEscaper.Replace(s)
	default:
		return strings.ReplaceAll(s, "`", "")
	}
}

// FieldTokens lists the distinct {path} tokens in formula in order of appearance.
func FieldTokens(formula string) []string {
	seen := map[string]bool{}
	var out []string
	for _, m := range fieldPattern.FindAllStringSubmatch(formula, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	return out
}

// Literal renders v as an expr-language literal.
func Literal(v any) string {
	if record.IsUndefined(v) || v == nil {
		return "nil"
	}

	switch record.KindOf(v) {
	case record.KindNumber:
		f := record.ToNumber(v)
		switch {
		case math.IsNaN(f):
			return "(0.0/0.0)"
		case math.IsInf(f, 1):
			return "(1.0/0.0)"
		case math.IsInf(f, -1):
			return "(-1.0/0.0)"
		}
		return record.FormatNumber(f)
	case record.KindBool:
		return strconv.FormatBool(v.(bool))
	case record.KindString:
		return strconv.Quote(v.(string))
	case record.KindTime:
		return strconv.Quote(record.ToString(v))
	}

	switch t := v.(type) {
	case []string:
		items := make([]string, len(t))
		for i, s := range t {
			items[i] = strconv.Quote(s)
		}
		return "[" + strings.Join(items, ", ") + "]"
	case []any:
		items := make([]string, len(t))
		for i, item := range t {
			items[i] = Literal(item)
		}
		return "[" + strings.Join(items, ", ") + "]"
	case record.Record:
		return mapLiteral(t)
	case map[string]any:
		return mapLiteral(t)
	}
	return strconv.Quote(record.ToString(v))
}

func mapLiteral(m map[string]any) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	items := make([]string, len(keys))
	for i, k := range keys {
		items[i] = strconv.Quote(k) + ": " + Literal(m[k])
	}
	return "{" + strings.Join(items, ", ") + "}"
}
