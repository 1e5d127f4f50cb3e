package templates

import (
	"embed"
	"html/template"
	"strings"
)

//go:embed *.html
var FS embed.FS

var funcs = template.FuncMap{
	"lower": strings.ToLower,
}

// LoadTemplates loads all setup pages from the embedded filesystem
func LoadTemplates() (*template.Template, error) {
	return template.New("setup").Funcs(funcs).ParseFS(FS, "*.html")
}
