package templatefmt

import (
	"encoding/json"
	"fmt"
	"text/template"
	"time"
)

// FuncMap returns the helper set available to channel body templates.
// Params: none.
// Returns: deterministic helper map shared by rendering and validation.
func FuncMap() template.FuncMap {
	return template.FuncMap{
		"fmtDuration": FormatDuration,
		"json":        MarshalJSON,
	}
}

// ParseNotificationTemplate parses one notification template with helpers.
// Params: template name and body.
// Returns: compiled template or parse error. Missing keys are errors so a
// bad channel template fails loudly instead of sending "<no value>".
func ParseNotificationTemplate(name, body string) (*template.Template, error) {
	return template.New(name).Funcs(FuncMap()).Option("missingkey=error").Parse(body)
}

// FormatDuration renders an outage duration in compact human form.
// Params: template value expected as time.Duration or *time.Duration.
// Returns: formatted duration string such as "4.5m" or "1.2h".
func FormatDuration(value any) string {
	var duration time.Duration
	switch typed := value.(type) {
	case time.Duration:
		duration = typed
	case *time.Duration:
		if typed == nil {
			return "0.0s"
		}
		duration = *typed
	default:
		return "0.0s"
	}

	if duration < 0 {
		duration = -duration
	}
	seconds := duration.Seconds()
	switch {
	case seconds >= 3600:
		return fmt.Sprintf("%.1fh", seconds/3600)
	case seconds >= 60:
		return fmt.Sprintf("%.1fm", seconds/60)
	default:
		return fmt.Sprintf("%.1fs", seconds)
	}
}

// MarshalJSON renders a value into a JSON string for template embedding.
// Params: template value of any type.
// Returns: marshaled JSON string or "null" on marshal failure.
func MarshalJSON(value any) string {
	encoded, err := json.Marshal(value)
	if err != nil {
		return "null"
	}
	return string(encoded)
}
