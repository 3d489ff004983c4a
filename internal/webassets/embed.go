package webassets

import (
	"embed"
	"html/template"
	"io/fs"

	"github.com/keithlinneman/formhub-edge/internal/xerrors"
)

//go:embed templates/*.html
var embedded embed.FS

// TemplatesFS exposes the raw template files.
func TemplatesFS() fs.FS {
	sub, err := fs.Sub(embedded, "templates")
	if err != nil {
		panic(xerrors.Wrap(err, "webassets: templates subfs"))
	}
	return sub
}

// Templates parses every embedded page. Templates are named by file name,
// e.g. "405.html".
func Templates() (*template.Template, error) {
	t, err := template.New("pages").ParseFS(embedded, "templates/*.html")
	if err != nil {
		return nil, xerrors.Wrap(err, "webassets: parse templates")
	}
	return t, nil
}
