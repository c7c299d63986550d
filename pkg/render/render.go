package render

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"
	"time"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

// Engine renders templates embedded in the package.
type Engine struct {
	templates *template.Template
}

var funcs = template.FuncMap{
	"join":  join,
	"clock": clock,
	"pct":   func(v float64) string { return fmt.Sprintf("%3.0f%%", v) },
	"upper": strings.ToUpper,
}

// New initialises an Engine by parsing all embedded templates.
func New() (*Engine, error) {
	t, err := template.New("render").Funcs(funcs).ParseFS(templatesFS, "templates/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	return &Engine{templates: t}, nil
}

// Render executes the named template with the provided data and returns the rendered string.
func (e *Engine) Render(name string, data any) (string, error) {
	if e == nil || e.templates == nil {
		return "", fmt.Errorf("nil engine")
	}

	buf := bytes.NewBuffer(nil)
	if err := e.templates.ExecuteTemplate(buf, name, data); err != nil {
		return "", err
	}

	return buf.String(), nil
}

// join renders any slice of string-like values separated by sep.
func join(sep string, items any) string {
	switch v := items.(type) {
	case []string:
		return strings.Join(v, sep)
	case []any:
		parts := make([]string, len(v))
		for i, item := range v {
			parts[i] = fmt.Sprint(item)
		}
		return strings.Join(parts, sep)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// clock formats a unix millisecond timestamp as a local wall-clock time.
func clock(ms any) string {
	var n int64
	switch v := ms.(type) {
	case int64:
		n = v
	case float64:
		n = int64(v)
	case int:
		n = int64(v)
	default:
		return "--:--:--"
	}
	return time.UnixMilli(n).Format("15:04:05")
}
