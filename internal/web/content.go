package web

import (
	"embed"
	"html/template"
	"io/fs"
)

//go:embed templates
var ContentFS embed.FS

func GetHTMLTemplate(name string) (*template.Template, error) {
	templateFS, _ := fs.Sub(ContentFS, "templates")
	return template.ParseFS(templateFS, name+".tmpl.html")
}
