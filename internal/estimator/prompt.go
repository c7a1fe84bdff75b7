package estimator

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.-]+)\s*\}\}`)

// AssemblePrompt joins the system, context and user sections in a fixed order.
// Empty system or context sections are omitted.
func AssemblePrompt(system, context, user string) string {
	var b strings.Builder
	if system != "" {
		b.WriteString("SYSTEM:\n")
		b.WriteString(system)
		b.WriteString("\n\n")
	}
	if context != "" {
		b.WriteString("CONTEXT:\n")
		b.WriteString(context)
		b.WriteString("\n\n")
	}
	b.WriteString("USER:\n")
	b.WriteString(user)
	return b.String()
}

// RenderUserPrompt substitutes {{key}} placeholders from the input payload.
// Without a template, or when any placeholder stays unresolved, the prompt
// falls back to the work type and an indented dump of the input.
func RenderUserPrompt(template, workType string, input map[string]any) string {
	if strings.TrimSpace(template) == "" {
		return rawPrompt(workType, input)
	}
	missing := false
	out := placeholder.ReplaceAllStringFunc(template, func(m string) string {
		key := placeholder.FindStringSubmatch(m)[1]
		v, ok := input[key]
		if !ok || v == nil {
			missing = true
			return m
		}
		return stringify(v)
	})
	if missing {
		return rawPrompt(workType, input)
	}
	return out
}

func rawPrompt(workType string, input map[string]any) string {
	if input == nil {
		input = map[string]any{}
	}
	data, err := json.MarshalIndent(input, "", "  ")
	if err != nil {
		data = []byte(fmt.Sprintf("%v", input))
	}
	return fmt.Sprintf("Task: %s\n\nInput:\n%s", workType, data)
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
