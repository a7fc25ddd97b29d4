package parser

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/dop251/goja"
)

// blockEvaluator evaluates the name = expression assignments of a deck's
// *parameter block. Expressions run in a fresh JavaScript VM with no host
// bindings, so the block can compute literals, arithmetic and string
// concatenation but cannot touch the environment. Each assignment's result
// is bound into the VM so later lines can build on earlier ones.
type blockEvaluator struct {
	vm *goja.Runtime
}

func newBlockEvaluator() *blockEvaluator {
	return &blockEvaluator{vm: goja.New()}
}

var assignPattern = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)\s*=\s*(\S.*)$`)

// Assign evaluates one assignment line and returns the variable name and
// its textual value. The result must be a number, string or boolean.
func (e *blockEvaluator) Assign(line string) (string, string, error) {
	m := assignPattern.FindStringSubmatch(line)
	if m == nil {
		return "", "", fmt.Errorf("malformed assignment %q, want name = expression", line)
	}
	name, expr := m[1], strings.TrimSpace(m[2])

	// Statements and code blocks are not part of the block's grammar.
	if strings.ContainsAny(expr, ";{}") {
		return "", "", fmt.Errorf("assignment %q: only literal, arithmetic and string expressions are allowed", line)
	}

	val, err := e.vm.RunString(expr)
	if err != nil {
		return "", "", fmt.Errorf("evaluate %q: %w", expr, err)
	}
	text, err := primitiveString(val.Export())
	if err != nil {
		return "", "", fmt.Errorf("assignment %q: %w", line, err)
	}
	if err := e.vm.Set(name, val); err != nil {
		return "", "", fmt.Errorf("bind %q: %w", name, err)
	}
	return name, text, nil
}

// primitiveString renders an evaluated expression result to the text that
// gets substituted into deck lines. Anything beyond a number, string or
// boolean is rejected.
func primitiveString(v any) (string, error) {
	switch val := v.(type) {
	case string:
		return val, nil
	case bool:
		return strconv.FormatBool(val), nil
	case int:
		return strconv.Itoa(val), nil
	case int64:
		return strconv.FormatInt(val, 10), nil
	case float64:
		// Format without scientific notation.
		return strconv.FormatFloat(val, 'f', -1, 64), nil
	default:
		return "", fmt.Errorf("expression must evaluate to a number, string or boolean, got %T", v)
	}
}

// expand substitutes $name and ${name} placeholders against vars. Unknown
// placeholders stay verbatim and are counted in unresolved; $$ emits a
// literal dollar sign.
func expand(line string, vars map[string]string, unresolved map[string]int) string {
	if !strings.Contains(line, "$") {
		return line
	}

	var sb strings.Builder
	for i := 0; i < len(line); i++ {
		c := line[i]
		if c != '$' {
			sb.WriteByte(c)
			continue
		}
		if i+1 < len(line) && line[i+1] == '$' {
			sb.WriteByte('$')
			i++
			continue
		}

		braced := i+1 < len(line) && line[i+1] == '{'
		start := i + 1
		if braced {
			start++
		}
		end := start
		for end < len(line) && isVarChar(line[end]) {
			end++
		}
		name := line[start:end]
		if name == "" || (braced && (end >= len(line) || line[end] != '}')) {
			// Not a placeholder; keep the dollar sign as literal text.
			sb.WriteByte('$')
			continue
		}
		token := line[i:end]
		if braced {
			token = line[i : end+1]
			end++
		}

		if val, ok := vars[name]; ok {
			sb.WriteString(val)
		} else {
			sb.WriteString(token)
			unresolved[name]++
		}
		i = end - 1
	}
	return sb.String()
}

func isVarChar(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}
