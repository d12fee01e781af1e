package variables

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
)

// interpolationPattern matches both ${scope.path} and {{scope.path}}
// forms in a single pass; group 1 catches the ${...} body, group 2 the
// {{...}} body.
var interpolationPattern = regexp.MustCompile(`\$\{([^}]+)\}|\{\{([^}]+)\}\}`)

// Interpolate replaces every ${...}/{{...}} reference in text with its
// resolved value, stringified. A reference that cannot be resolved is
// left verbatim in the output, matching the teacher's template engine's
// tolerance for partially-bound text; no error is reported for it,
// here or in the task runner's substitution step.
func Interpolate(text string, ctx *Context) string {
	return interpolationPattern.ReplaceAllStringFunc(text, func(match string) string {
		path := strings.TrimSuffix(strings.TrimPrefix(strings.TrimPrefix(match, "${"), "{{"), "}")
		path = strings.TrimSuffix(path, "}")
		path = strings.TrimSpace(path)

		val, ok, err := ctx.Resolve(path)
		if err != nil || !ok {
			return match
		}
		return stringify(val)
	})
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case fmt.Stringer:
		return t.String()
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		// a bare scalar marshals to its plain textual form; anything
		// structured stays JSON, which is what an interpolated map/slice
		// value should render as in task text.
		var scalar any
		if err := json.Unmarshal(b, &scalar); err == nil {
			if _, isString := scalar.(string); !isString {
				if s, ok := scalar.(float64); ok {
					return strconv.FormatFloat(s, 'f', -1, 64)
				}
			}
		}
		return string(b)
	}
}

// Resolve looks up a dotted path. A path whose first segment names a
// scope (workflow/agent/task/loop) resolves within that scope only; an
// unqualified path is tried against every scope in precedence order.
// ${task.<id>.output} is resolved against the late-bound Outputs
// lookup rather than the Task scope map when no matching static value
// exists there.
func (c *Context) Resolve(path string) (any, bool, error) {
	tokens, err := splitPath(path)
	if err != nil {
		return nil, false, err
	}
	if len(tokens) == 0 {
		return nil, false, nil
	}

	if scope, rest, ok := splitScope(tokens); ok {
		return c.resolveInScope(scope, rest)
	}

	for _, scope := range searchOrder {
		if val, ok, err := c.resolveInScope(scope, tokens); err == nil && ok {
			return val, true, nil
		}
	}
	return nil, false, nil
}

func splitScope(tokens []pathToken) (Scope, []pathToken, bool) {
	if len(tokens) == 0 || tokens[0].Index != nil {
		return "", nil, false
	}
	switch Scope(tokens[0].Field) {
	case ScopeWorkflow, ScopeAgent, ScopeTask, ScopeLoop:
		return Scope(tokens[0].Field), tokens[1:], true
	default:
		return "", nil, false
	}
}

func (c *Context) resolveInScope(scope Scope, tokens []pathToken) (any, bool, error) {
	if scope == ScopeTask && len(tokens) == 2 && tokens[1].Field == "output" && c.Outputs != nil {
		if _, staticallyPresent := c.scope(ScopeTask)[tokens[0].Field]; !staticallyPresent {
			if out, ok := c.Outputs.TaskOutput(tokens[0].Field); ok {
				return out, true, nil
			}
		}
	}

	root := c.scope(scope)
	if root == nil {
		return nil, false, nil
	}
	if len(tokens) == 0 {
		return root, true, nil
	}

	val, ok := root[tokens[0].Field]
	if !ok {
		return nil, false, nil
	}
	return traverse(val, tokens[1:])
}

func traverse(value any, tokens []pathToken) (any, bool, error) {
	for _, tok := range tokens {
		var ok bool
		var err error
		if tok.Index != nil {
			value, ok, err = indexInto(value, *tok.Index)
		} else {
			value, ok, err = fieldOf(value, tok.Field)
		}
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, false, nil
		}
	}
	return value, true, nil
}

func indexInto(value any, idx int) (any, bool, error) {
	switch v := value.(type) {
	case []any:
		if idx < 0 || idx >= len(v) {
			return nil, false, nil
		}
		return v[idx], true, nil
	default:
		rv := reflect.ValueOf(value)
		if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
			if idx < 0 || idx >= rv.Len() {
				return nil, false, nil
			}
			return rv.Index(idx).Interface(), true, nil
		}
		return nil, false, fmt.Errorf("variables: cannot index into %T", value)
	}
}

// fieldOf resolves one field access: map key lookup first, then struct
// field reflection, then (for anything else JSON-shaped) a marshal and
// re-lookup as a plain map — the same fallback chain the teacher's own
// template resolver uses for values it doesn't control the shape of.
func fieldOf(value any, name string) (any, bool, error) {
	switch v := value.(type) {
	case map[string]any:
		val, ok := v[name]
		return val, ok, nil
	case nil:
		return nil, false, nil
	}

	rv := reflect.ValueOf(value)
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil, false, nil
		}
		rv = rv.Elem()
	}
	if rv.Kind() == reflect.Struct {
		f := rv.FieldByNameFunc(func(n string) bool { return strings.EqualFold(n, name) })
		if f.IsValid() {
			return f.Interface(), true, nil
		}
		return nil, false, nil
	}

	b, err := json.Marshal(value)
	if err != nil {
		return nil, false, fmt.Errorf("variables: cannot resolve field %q on %T: %w", name, value, err)
	}
	var asMap map[string]any
	if err := json.Unmarshal(b, &asMap); err != nil {
		return nil, false, nil
	}
	val, ok := asMap[name]
	return val, ok, nil
}

type pathToken struct {
	Field string
	Index *int
}

// splitPath parses a dotted path with optional bracket indices, e.g.
// "items[0].name" -> [{Field:"items"} {Index:0} {Field:"name"}].
func splitPath(path string) ([]pathToken, error) {
	var tokens []pathToken
	for _, segment := range strings.Split(path, ".") {
		if segment == "" {
			continue
		}
		field, indices, err := parseArrayIndices(segment)
		if err != nil {
			return nil, err
		}
		if field != "" {
			tokens = append(tokens, pathToken{Field: field})
		}
		for _, idx := range indices {
			i := idx
			tokens = append(tokens, pathToken{Index: &i})
		}
	}
	return tokens, nil
}

var indexPattern = regexp.MustCompile(`\[(\d+)\]`)

// parseArrayIndices splits "items[0][1]" into the field name "items"
// and the ordered index list [0, 1].
func parseArrayIndices(segment string) (string, []int, error) {
	bracket := strings.IndexByte(segment, '[')
	if bracket == -1 {
		return segment, nil, nil
	}
	field := segment[:bracket]
	matches := indexPattern.FindAllStringSubmatch(segment[bracket:], -1)
	indices := make([]int, 0, len(matches))
	for _, m := range matches {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return "", nil, fmt.Errorf("variables: invalid array index in %q: %w", segment, err)
		}
		indices = append(indices, n)
	}
	return field, indices, nil
}
