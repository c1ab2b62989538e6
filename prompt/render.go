package prompt

import (
	"fmt"
	"strings"

	"github.com/mbleigh/raymond"

	"github.com/PipeOpsHQ/qoe-assistant/dataset"
)

const spanLayout = "2006-01-02 15:04:05"

// Render evaluates a handlebars template against data.
func Render(template string, data any) (string, error) {
	template = strings.TrimSpace(template)
	if template == "" {
		return "", fmt.Errorf("template is required")
	}
	out, err := raymond.Render(template, data)
	if err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// Vars exposes a dataset summary to templates as start, end, rows, clients,
// servers and pairs.
func Vars(s dataset.Summary) map[string]any {
	pairs := make([]string, 0, len(s.Pairs))
	for _, p := range s.Pairs {
		pairs = append(pairs, p.String())
	}
	return map[string]any{
		"start":   s.Start.UTC().Format(spanLayout),
		"end":     s.End.UTC().Format(spanLayout),
		"rows":    s.Rows,
		"clients": s.Clients,
		"servers": s.Servers,
		"pairs":   pairs,
	}
}

// SystemPrompt renders spec with the facts of the loaded dataset. The
// dataset never changes after load, so callers render it once.
func SystemPrompt(spec Spec, s dataset.Summary) (string, error) {
	out, err := Render(spec.System, Vars(s))
	if err != nil {
		return "", fmt.Errorf("prompt %s@%s: %w", spec.Name, spec.Version, err)
	}
	return out, nil
}
