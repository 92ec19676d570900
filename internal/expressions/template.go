package expressions

import (
	"regexp"

	"github.com/rendis/eventflow/internal/fields"
)

// tokenPattern matches {identifier} placeholders. Identifiers are one or more
// letters, digits, hyphens or underscores.
var tokenPattern = regexp.MustCompile(`\{([A-Za-z0-9_-]+)\}`)

// Transform converts a namespace value into its substituted text.
// Callers that need escaping (HTML, URL, JSON) supply it here.
type Transform func(value any, field string) string

// Render substitutes every {field} token in template with the matching
// namespace value. Tokens naming absent fields are left untouched, and no
// escaping is applied unless transform does it.
func Render(template string, ns fields.Namespace, transform Transform) string {
	return tokenPattern.ReplaceAllStringFunc(template, func(token string) string {
		name := token[1 : len(token)-1]
		value, ok := ns[name]
		if !ok {
			return token
		}
		if transform != nil {
			return transform(value, name)
		}
		return fields.Stringify(value)
	})
}

// Tokens lists the distinct field names referenced by template, in order of
// first appearance.
func Tokens(template string) []string {
	matches := tokenPattern.FindAllStringSubmatch(template, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(matches))
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		if _, dup := seen[m[1]]; dup {
			continue
		}
		seen[m[1]] = struct{}{}
		names = append(names, m[1])
	}
	return names
}
