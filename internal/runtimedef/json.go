package runtimedef

import (
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// normalize unwraps JSON carried as a string value. Blank or invalid strings
// yield a missing result.
func normalize(r gjson.Result) gjson.Result {
	if !r.Exists() || r.Type == gjson.Null {
		return gjson.Result{}
	}
	if r.Type != gjson.String {
		return r
	}
	raw := strings.TrimSpace(r.Str)
	if raw == "" || !gjson.Valid(raw) {
		return gjson.Result{}
	}
	return gjson.Parse(raw)
}

// node returns the first field that exists, null included.
func node(r gjson.Result, names ...string) gjson.Result {
	for _, name := range names {
		if v := r.Get(name); v.Exists() {
			return v
		}
	}
	return gjson.Result{}
}

// present returns the first field that exists and is not null.
func present(r gjson.Result, names ...string) gjson.Result {
	for _, name := range names {
		if v := r.Get(name); v.Exists() && v.Type != gjson.Null {
			return v
		}
	}
	return gjson.Result{}
}

func text(r gjson.Result, names ...string) string {
	v := node(r, names...)
	if !v.Exists() || v.Type == gjson.Null {
		return ""
	}
	return strings.TrimSpace(v.String())
}

func integer(r gjson.Result, names ...string) (int64, bool) {
	v := node(r, names...)
	switch v.Type {
	case gjson.Number:
		return v.Int(), true
	case gjson.String:
		n, err := strconv.ParseInt(strings.TrimSpace(v.Str), 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

func int64Of(r gjson.Result, names ...string) int64 {
	n, _ := integer(r, names...)
	return n
}

func intOf(r gjson.Result, names ...string) int {
	n, _ := integer(r, names...)
	return int(n)
}

// jsonField keeps string values verbatim and renders any other JSON compactly.
func jsonField(r gjson.Result) string {
	if !r.Exists() || r.Type == gjson.Null {
		return ""
	}
	if r.Type == gjson.String {
		return strings.TrimSpace(r.Str)
	}
	return r.Raw
}

func idList(r gjson.Result) []int64 {
	arr := normalize(r)
	if !arr.IsArray() {
		return nil
	}
	seen := make(map[int64]struct{})
	var out []int64
	arr.ForEach(func(_, item gjson.Result) bool {
		var id int64
		switch item.Type {
		case gjson.Number:
			id = item.Int()
		case gjson.String:
			n, err := strconv.ParseInt(strings.TrimSpace(item.Str), 10, 64)
			if err != nil {
				return true
			}
			id = n
		default:
			return true
		}
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
		return true
	})
	return out
}

// unwrapList resolves a task or relation list that may be a JSON string, an
// array, or an object wrapping one of keys.
func unwrapList(r gjson.Result, keys ...string) gjson.Result {
	n := normalize(r)
	if n.IsObject() {
		if inner := present(n, keys...); inner.Exists() {
			n = normalize(inner)
		}
	}
	if !n.IsArray() {
		return gjson.Result{}
	}
	return n
}

// root parses payload, unwrapping a single-element export array.
func root(payload []byte) (gjson.Result, bool) {
	if len(strings.TrimSpace(string(payload))) == 0 || !gjson.ValidBytes(payload) {
		return gjson.Result{}, false
	}
	r := gjson.ParseBytes(payload)
	if r.IsArray() {
		items := r.Array()
		if len(items) == 0 {
			return gjson.Result{}, false
		}
		r = items[0]
	}
	if !r.IsObject() || len(r.Map()) == 0 {
		return gjson.Result{}, false
	}
	return r, true
}
