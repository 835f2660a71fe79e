// Package hydration expands {{name}} references in step instructions and
// params with values from the run context. Dotted paths ({{customer.name}})
// navigate nested maps.
package hydration

import (
	"regexp"

	"github.com/viant/toolbox/data"
)

var refPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z_][\w.]*)\s*\}\}`)

// HydrateText expands every {{name}} reference in text. Unresolved
// references are left verbatim so partially hydrated text stays debuggable.
func HydrateText(text string, vars map[string]interface{}) string {
	if text == "" || len(vars) == 0 {
		return text
	}
	aMap := data.Map(vars)
	return refPattern.ReplaceAllStringFunc(text, func(match string) string {
		name := refPattern.FindStringSubmatch(match)[1]
		expanded := aMap.ExpandAsText("${" + name + "}")
		if expanded == "${"+name+"}" {
			return match
		}
		return expanded
	})
}

// Hydrate walks maps and slices, expanding references in every string leaf.
func Hydrate(value interface{}, vars map[string]interface{}) interface{} {
	switch actual := value.(type) {
	case string:
		return HydrateText(actual, vars)
	case map[string]interface{}:
		expanded := make(map[string]interface{}, len(actual))
		for key, element := range actual {
			expanded[key] = Hydrate(element, vars)
		}
		return expanded
	case []interface{}:
		expanded := make([]interface{}, len(actual))
		for i, element := range actual {
			expanded[i] = Hydrate(element, vars)
		}
		return expanded
	default:
		return value
	}
}

// References lists the distinct {{name}} references found in text, in order
// of first appearance.
func References(text string) []string {
	var refs []string
	seen := map[string]bool{}
	for _, match := range refPattern.FindAllStringSubmatch(text, -1) {
		if !seen[match[1]] {
			seen[match[1]] = true
			refs = append(refs, match[1])
		}
	}
	return refs
}
