package imagegen

import (
	"strings"

	"github.com/tidwall/gjson"
)

// Response-shape compatibility shim (v1). The upstream has shipped several
// layouts for the same fields; each list is tried in order and the first
// non-empty value wins. Add new paths at the end to keep older deployments
// resolving the same way.
var (
	taskIDPaths    = []string{"data.0.task_id", "data.task_id", "data.id"}
	resultURLPaths = []string{"result.images.0.url", "url", "image_url"}
)

// ExtractTaskID returns the upstream task id from a submit response body.
func ExtractTaskID(body []byte) string {
	root := gjson.ParseBytes(body)
	for _, p := range taskIDPaths {
		if s := firstString(root.Get(p)); s != "" {
			return s
		}
	}
	return ""
}

// taskData unwraps "data", which may be an object or a one-element list.
func taskData(body []byte) gjson.Result {
	data := gjson.GetBytes(body, "data")
	if data.IsArray() {
		return data.Get("0")
	}
	return data
}

// ExtractResultURL returns the produced asset reference from a task payload.
func ExtractResultURL(data gjson.Result) string {
	for _, p := range resultURLPaths {
		if s := firstString(data.Get(p)); s != "" {
			return s
		}
	}
	return ""
}

func extractError(data gjson.Result) string {
	if e := data.Get("error"); e.Exists() && e.Type != gjson.Null {
		if e.IsObject() || e.IsArray() {
			return e.Raw
		}
		if s := strings.TrimSpace(e.String()); s != "" {
			return s
		}
	}
	if m := strings.TrimSpace(data.Get("message").String()); m != "" {
		return m
	}
	return "unknown error"
}

// firstString accepts a string, a number or a list whose first element is one.
func firstString(r gjson.Result) string {
	if r.IsArray() {
		r = r.Get("0")
	}
	switch r.Type {
	case gjson.String, gjson.Number:
		return strings.TrimSpace(r.String())
	default:
		return ""
	}
}
