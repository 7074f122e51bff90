// Package webapp provides the embedded HTML templates for the watch pages.
package webapp

import (
	"embed"
	"html/template"
)

//go:embed templates
var assets embed.FS

// Templates parses the embedded watch page templates.
func Templates() (*template.Template, error) {
	return template.ParseFS(assets, "templates/*.html")
}
