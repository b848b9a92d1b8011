package sync

import (
	"strconv"
	"strings"
)

// extractString walks a decoded JSON document along a dot-path and returns
// the terminal value as a string. Any intermediate array is flattened by
// taking its first element. Missing, null, or blank terminal values yield
// ok=false ("no update"), never an error.
//
// Multi-element intermediate arrays silently contribute only their first
// element. TODO: surface a per-key warning when such an array has more
// than one element so discarded data is at least visible in logs.
func extractString(root any, dotPath string) (string, bool) {
	if root == nil || strings.TrimSpace(dotPath) == "" {
		return "", false
	}

	node := root
	for _, part := range strings.Split(dotPath, ".") {
		node = flattenArray(node)
		if node == nil {
			return "", false
		}

		obj, ok := node.(map[string]any)
		if !ok {
			return "", false
		}
		node = obj[part]
	}

	node = flattenArray(node)
	if node == nil {
		return "", false
	}

	value := stringify(node)
	if strings.TrimSpace(value) == "" {
		return "", false
	}
	return value, true
}

func flattenArray(node any) any {
	arr, ok := node.([]any)
	if !ok {
		return node
	}
	if len(arr) == 0 {
		return nil
	}
	return arr[0]
}

func stringify(node any) string {
	switch v := node.(type) {
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		// objects and nested arrays have no scalar text
		return ""
	}
}
