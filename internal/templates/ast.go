package templates

import (
	"fmt"
	"html"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Compiled is an immutable, parsed template. It is safe for concurrent use.
type Compiled struct {
	source string
	nodes  []node
}

// Compile parses source into a Compiled template.
func Compile(source string) (*Compiled, error) {
	nodes, err := parse(source)
	if err != nil {
		return nil, err
	}
	return &Compiled{source: source, nodes: nodes}, nil
}

// Source returns the template text this was compiled from.
func (c *Compiled) Source() string { return c.source }

// Execute renders the template against data. Missing values render as "".
func (c *Compiled) Execute(data map[string]any) string {
	var b strings.Builder
	root := &scope{data: data}
	renderNodes(&b, c.nodes, root)
	return b.String()
}

// Variables returns the sorted top-level names the template reads.
func (c *Compiled) Variables() []string {
	seen := map[string]struct{}{}
	collectVariables(c.nodes, seen)
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type node interface {
	render(b *strings.Builder, s *scope)
}

type textNode string

func (t textNode) render(b *strings.Builder, _ *scope) { b.WriteString(string(t)) }

type operand struct {
	literal bool
	value   any
	path    []string
}

type expression struct {
	helper string
	fn     helperFunc
	args   []operand
}

func (e expression) eval(s *scope) any {
	if e.fn == nil {
		return s.resolve(e.args[0])
	}
	vals := make([]any, len(e.args))
	for i, a := range e.args {
		vals[i] = s.resolve(a)
	}
	return e.fn(vals)
}

type exprNode struct {
	expr expression
	raw  bool
}

func (n *exprNode) render(b *strings.Builder, s *scope) {
	out := stringify(n.expr.eval(s))
	if !n.raw {
		out = html.EscapeString(out)
	}
	b.WriteString(out)
}

type ifNode struct {
	cond   operand
	then   []node
	els    []node
	negate bool
}

func (n *ifNode) render(b *strings.Builder, s *scope) {
	if truthy(s.resolve(n.cond)) != n.negate {
		renderNodes(b, n.then, s)
		return
	}
	renderNodes(b, n.els, s)
}

type eachNode struct {
	list operand
	body []node
	els  []node
}

func (n *eachNode) render(b *strings.Builder, s *scope) {
	items, keys := iterate(s.resolve(n.list))
	if len(items) == 0 {
		renderNodes(b, n.els, s)
		return
	}
	for i, item := range items {
		child := &scope{data: item, parent: s, index: i, hasIndex: true}
		if keys != nil {
			child.key = keys[i]
		}
		renderNodes(b, n.body, child)
	}
}

func renderNodes(b *strings.Builder, nodes []node, s *scope) {
	for _, n := range nodes {
		n.render(b, s)
	}
}

// scope is one level of data context; each blocks push a child scope.
type scope struct {
	data     any
	parent   *scope
	index    int
	hasIndex bool
	key      string
}

func (s *scope) resolve(op operand) any {
	if op.literal {
		return op.value
	}
	switch op.path[0] {
	case "this":
		v, _ := lookup(s.data, op.path[1:])
		return v
	case "@index":
		if s.hasIndex {
			return float64(s.index)
		}
		return nil
	case "@key":
		if s.key != "" {
			return s.key
		}
		return nil
	}
	for cur := s; cur != nil; cur = cur.parent {
		if v, ok := lookup(cur.data, op.path); ok {
			return v
		}
	}
	return nil
}

func lookup(v any, path []string) (any, bool) {
	for _, key := range path {
		switch m := v.(type) {
		case map[string]any:
			next, ok := m[key]
			if !ok {
				return nil, false
			}
			v = next
		case map[string]string:
			next, ok := m[key]
			if !ok {
				return nil, false
			}
			v = next
		case []any:
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 || idx >= len(m) {
				return nil, false
			}
			v = m[idx]
		default:
			next, ok := lookupValue(reflect.ValueOf(v), key)
			if !ok {
				return nil, false
			}
			v = next
		}
	}
	return v, true
}

// lookupValue resolves one path segment against typed maps, slices and structs.
func lookupValue(rv reflect.Value, key string) (any, bool) {
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil, false
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		next := rv.MapIndex(reflect.ValueOf(key).Convert(rv.Type().Key()))
		if !next.IsValid() {
			return nil, false
		}
		return next.Interface(), true
	case reflect.Slice, reflect.Array:
		idx, err := strconv.Atoi(key)
		if err != nil || idx < 0 || idx >= rv.Len() {
			return nil, false
		}
		return rv.Index(idx).Interface(), true
	case reflect.Struct:
		t := rv.Type()
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if f.Name == key || name == key {
				return rv.Field(i).Interface(), true
			}
		}
	}
	return nil, false
}

func iterate(v any) ([]any, []string) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case []any:
		return x, nil
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		items := make([]any, len(keys))
		for i, k := range keys {
			items[i] = x[k]
		}
		return items, keys
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		items := make([]any, rv.Len())
		for i := range items {
			items[i] = rv.Index(i).Interface()
		}
		return items, nil
	}
	return nil, nil
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case float64:
		return x != 0
	case int:
		return x != 0
	case int64:
		return x != 0
	case time.Time:
		return !x.IsZero()
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len() > 0
	case reflect.Pointer:
		return !rv.IsNil()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int() != 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return rv.Uint() != 0
	case reflect.Float32, reflect.Float64:
		return rv.Float() != 0
	case reflect.Bool:
		return rv.Bool()
	case reflect.String:
		return rv.Len() > 0
	}
	return true
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		return x.Format(time.RFC3339)
	case interface{ String() string }:
		return x.String()
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer:
		if rv.IsNil() {
			return ""
		}
		return stringify(rv.Elem().Interface())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(rv.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(rv.Uint(), 10)
	case reflect.Float32:
		return strconv.FormatFloat(rv.Float(), 'f', -1, 32)
	case reflect.Float64:
		return strconv.FormatFloat(rv.Float(), 'f', -1, 64)
	case reflect.Bool:
		return strconv.FormatBool(rv.Bool())
	case reflect.String:
		return rv.String()
	case reflect.Slice, reflect.Array:
		items, _ := iterate(v)
		parts := make([]string, len(items))
		for i, it := range items {
			parts[i] = stringify(it)
		}
		return strings.Join(parts, ",")
	}
	return fmt.Sprint(v)
}

func collectVariables(nodes []node, seen map[string]struct{}) {
	add := func(op operand) {
		if op.literal || op.path[0] == "this" || strings.HasPrefix(op.path[0], "@") {
			return
		}
		seen[op.path[0]] = struct{}{}
	}
	for _, n := range nodes {
		switch x := n.(type) {
		case *exprNode:
			for _, a := range x.expr.args {
				add(a)
			}
		case *ifNode:
			add(x.cond)
			collectVariables(x.then, seen)
			collectVariables(x.els, seen)
		case *eachNode:
			add(x.list)
			collectVariables(x.els, seen)
		}
	}
}
