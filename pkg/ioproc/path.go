package ioproc

import (
	"regexp"
	"strconv"
	"strings"
)

var indexRe = regexp.MustCompile(`^(.*)\[(\d+)\]$`)

// lookupPath walks a dotted path such as "result.items[0].name" through
// nested maps and slices
func lookupPath(root interface{}, path string) (interface{}, bool) {
	if path == "" {
		return root, true
	}
	current := root
	for _, part := range strings.Split(path, ".") {
		var indexes []int
		for {
			m := indexRe.FindStringSubmatch(part)
			if m == nil {
				break
			}
			i, _ := strconv.Atoi(m[2])
			indexes = append([]int{i}, indexes...)
			part = m[1]
		}

		if part != "" {
			next, ok := field(current, part)
			if !ok {
				return nil, false
			}
			current = next
		}
		for _, i := range indexes {
			next, ok := element(current, i)
			if !ok {
				return nil, false
			}
			current = next
		}
	}
	return current, true
}

func field(v interface{}, key string) (interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		out, ok := m[key]
		return out, ok
	case map[string]string:
		out, ok := m[key]
		return out, ok
	case []interface{}:
		// numeric segments index into arrays: "items.0.name"
		i, err := strconv.Atoi(key)
		if err != nil {
			return nil, false
		}
		return element(m, i)
	default:
		return nil, false
	}
}

func element(v interface{}, i int) (interface{}, bool) {
	switch s := v.(type) {
	case []interface{}:
		if i < 0 || i >= len(s) {
			return nil, false
		}
		return s[i], true
	case []string:
		if i < 0 || i >= len(s) {
			return nil, false
		}
		return s[i], true
	case []map[string]interface{}:
		if i < 0 || i >= len(s) {
			return nil, false
		}
		return s[i], true
	default:
		return nil, false
	}
}
