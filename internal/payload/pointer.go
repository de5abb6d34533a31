// Package payload implements the JSON payload handling for envelopes:
// RFC 6901 pointer resolution, merge-patch application, structural diffs,
// and schema validation against a driver's payload schema.
package payload

import (
	"strconv"
	"strings"
)

// ParsePointer splits an RFC 6901 JSON Pointer into unescaped segments.
// "" and "/" both address the document root and yield no segments.
func ParsePointer(pointer string) []string {
	if pointer == "" || pointer == "/" {
		return nil
	}

	pointer = strings.TrimPrefix(pointer, "/")
	parts := strings.Split(pointer, "/")

	segments := make([]string, len(parts))
	for i, part := range parts {
		// ~1 must be unescaped before ~0 per the RFC.
		part = strings.ReplaceAll(part, "~1", "/")
		part = strings.ReplaceAll(part, "~0", "~")
		segments[i] = part
	}
	return segments
}

// FieldExists reports whether the pointer resolves to a value in the payload.
func FieldExists(doc map[string]any, pointer string) bool {
	_, ok := resolve(doc, pointer)
	return ok
}

// GetFieldValue resolves a pointer against the payload. Missing paths return
// nil; the root pointer returns the whole payload.
func GetFieldValue(doc map[string]any, pointer string) any {
	value, ok := resolve(doc, pointer)
	if !ok {
		return nil
	}
	return value
}

func resolve(doc map[string]any, pointer string) (any, bool) {
	segments := ParsePointer(pointer)
	var current any = doc

	for _, segment := range segments {
		switch node := current.(type) {
		case map[string]any:
			value, ok := node[segment]
			if !ok {
				return nil, false
			}
			current = value
		case []any:
			idx, err := strconv.Atoi(segment)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	return current, true
}
