package generation

import (
	"strings"
)

// unevaluatedTemplate is what the workflow engine returns when its response
// template was never filled in. It is never a usable result.
const unevaluatedTemplate = "{{ $json.text }}"

// Strategy pulls a string out of a decoded JSON response.
type Strategy func(v any) (string, bool)

// TextStrategies are tried in order until one yields usable text.
var TextStrategies = []Strategy{
	Field("text"),
	Field("output"),
	Field("data", "text"),
	Field("data", "output"),
	Field("data", "result", "text"),
	Field("content"),
	Field("data", "content"),
}

// ImageURLStrategies are tried in order until one yields an image URL.
var ImageURLStrategies = []Strategy{
	Field("image_url"),
	Field("data", "image_url"),
	Field("data", "result", "image_url"),
}

// TaskIDStrategies locate the workflow's task identifier.
var TaskIDStrategies = []Strategy{
	Field("taskId"),
	Field("task_id"),
	Field("data", "taskId"),
}

// Field returns a Strategy that follows path through nested objects. Arrays met
// along the way are searched element by element, first match wins.
func Field(path ...string) Strategy {
	return func(v any) (string, bool) {
		return walk(v, path)
	}
}

func walk(v any, path []string) (string, bool) {
	if arr, ok := v.([]any); ok {
		for _, elem := range arr {
			if s, ok := walk(elem, path); ok {
				return s, true
			}
		}
		return "", false
	}
	if len(path) == 0 {
		s, ok := v.(string)
		if !ok || !usable(s) {
			return "", false
		}
		return s, true
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return "", false
	}
	next, ok := obj[path[0]]
	if !ok {
		return "", false
	}
	return walk(next, path[1:])
}

func usable(s string) bool {
	s = strings.TrimSpace(s)
	return s != "" && s != unevaluatedTemplate
}

// Extract applies strategies in order and returns the first hit.
func Extract(v any, strategies []Strategy) (string, bool) {
	for _, strategy := range strategies {
		if s, ok := strategy(v); ok {
			return s, true
		}
	}
	return "", false
}

// NormalizeImageURL repairs the URL shapes the image workflow is known to
// return: "https:/host/x" gains its missing slash, "//host/x" and bare
// "host/x" get an https scheme. Well-formed URLs are returned unchanged.
func NormalizeImageURL(raw string) string {
	u := strings.TrimSpace(raw)
	if u == "" {
		return u
	}
	for _, scheme := range []string{"https:", "http:"} {
		if strings.HasPrefix(u, scheme+"/") && !strings.HasPrefix(u, scheme+"//") {
			return scheme + "//" + strings.TrimPrefix(u, scheme+"/")
		}
	}
	switch {
	case strings.HasPrefix(u, "//"):
		return "https:" + u
	case strings.Contains(u, "://"), strings.HasPrefix(u, "data:"):
		return u
	default:
		return "https://" + u
	}
}
