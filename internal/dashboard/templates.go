package dashboard

import (
	"embed"
	"html/template"
	"io"
	"time"

	"github.com/yourusername/claims-workflow/internal/workflow"
)

//go:embed templates/*.html
var templateFS embed.FS

// Render renders a template with the given data
func Render(w io.Writer, templateName string, data interface{}) error {
	// custom functions
	funcMap := template.FuncMap{
		"formatTime": func(v any) string {
			var t time.Time
			switch tv := v.(type) {
			case time.Time:
				t = tv
			case *time.Time:
				if tv != nil {
					t = *tv
				}
			}
			if t.IsZero() {
				return "-"
			}
			return t.Format("2006-01-02 15:04")
		},
		"formatDuration": func(d time.Duration) string {
			return d.Round(time.Minute).String()
		},
		"deref": func(b *bool) bool {
			return b != nil && *b
		},
		"slaClass": func(s workflow.SLAStatus) string {
			switch s {
			case workflow.SLAOverdue:
				return "overdue"
			case workflow.SLACritical:
				return "critical"
			case workflow.SLAAtRisk:
				return "at-risk"
			default:
				return "on-time"
			}
		},
	}

	tmpl, err := template.New("layout.html").Funcs(funcMap).ParseFS(templateFS, "templates/layout.html", "templates/"+templateName)
	if err != nil {
		return err
	}

	return tmpl.Execute(w, data)
}
