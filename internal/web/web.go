package web

import (
	"embed"
	"html/template"
)

//go:embed templates/*.html
var templateFS embed.FS

// Templates parses the embedded HTML templates, each named by its file name.
func Templates() (*template.Template, error) {
	return template.ParseFS(templateFS, "templates/*.html")
}
