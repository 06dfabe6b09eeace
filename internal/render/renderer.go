// Package render substitutes per-recipient variables into message templates.
// Rendering is a pure function: no I/O, no errors, missing variables become
// empty strings.
package render

import (
	"regexp"
	"strings"

	"github.com/blastline/campaign-engine/internal/model"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.-]+)\s*\}\}`)

// Render substitutes every {{name}} placeholder in the template body with the
// recipient's variable of that name. Unknown placeholders render as the empty
// string. Rendering an already-rendered payload is a no-op because it contains
// no placeholders.
func Render(body string, vars model.Variables) string {
	if body == "" || !strings.Contains(body, "{{") {
		return body
	}
	return placeholderRe.ReplaceAllStringFunc(body, func(match string) string {
		name := placeholderRe.FindStringSubmatch(match)[1]
		return vars[name]
	})
}

// Placeholders returns the placeholder names in order of appearance,
// duplicates included.
func Placeholders(body string) []string {
	matches := placeholderRe.FindAllStringSubmatch(body, -1)
	if len(matches) == 0 {
		return nil
	}
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, m[1])
	}
	return names
}
