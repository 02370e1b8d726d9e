package scheduler

import (
	"fmt"
	"regexp"
	"strings"
	"text/template"
)

// placeholderPattern matches the {{var}} placeholder form prompt
// templates are written in.
var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// RenderPrompt substitutes {{var}} placeholders with the provided
// variables; unknown variables render as empty strings rather than
// failing, so a definition keeps running when a trigger omits a value.
func RenderPrompt(tmpl string, vars map[string]string) (string, error) {
	normalized := placeholderPattern.ReplaceAllString(tmpl, `{{.$1}}`)
	t, err := template.New("prompt").Option("missingkey=zero").Parse(normalized)
	if err != nil {
		return "", fmt.Errorf("parse prompt template: %w", err)
	}
	if vars == nil {
		vars = map[string]string{}
	}
	var sb strings.Builder
	if err := t.Execute(&sb, vars); err != nil {
		return "", fmt.Errorf("render prompt template: %w", err)
	}
	return sb.String(), nil
}
