package echoportal

import (
	"embed"
	"fmt"
	"html/template"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo-portal/core/resource"
	"github.com/trezcool/masomo-portal/core/user"
)

//go:embed templates/*.html
var templateFS embed.FS

// Page names
const (
	pageLogin     = "login"
	pageLoading   = "loading"
	pageDashboard = "dashboard"
	pageList      = "list"
	pageDetail    = "detail"
	pageProfile   = "profile"
	pageError     = "error"
)

type renderer struct {
	templates map[string]*template.Template
}

var funcMap = template.FuncMap{
	"title": func(k resource.Kind) string { return k.Title() },
	"roleName": func(r user.Role) string {
		for _, ri := range user.Roles {
			if ri.Value == r {
				return ri.Name
			}
		}
		return string(r)
	},
	"fields": recordFields,
	"field": func(rec resource.Record, name string) string {
		if v, ok := rec[name]; ok && v != nil {
			return fmt.Sprint(v)
		}
		return ""
	},
	"add": func(a, b int) int { return a + b },
}

// newRenderer parses every page together with the base layout.
func newRenderer() (*renderer, error) {
	pages, err := templateFS.ReadDir("templates")
	if err != nil {
		return nil, errors.Wrap(err, "reading templates")
	}
	r := &renderer{templates: make(map[string]*template.Template, len(pages))}
	for _, p := range pages {
		name := strings.TrimSuffix(p.Name(), ".html")
		if name == "base" {
			continue
		}
		tmpl, err := template.New(name).Funcs(funcMap).ParseFS(templateFS, "templates/base.html", path.Join("templates", p.Name()))
		if err != nil {
			return nil, errors.Wrapf(err, "parsing template %s", name)
		}
		r.templates[name] = tmpl
	}
	return r, nil
}

func (r *renderer) Render(w io.Writer, name string, data interface{}, _ echo.Context) error {
	tmpl, ok := r.templates[name]
	if !ok {
		return errors.Errorf("template %q not found", name)
	}
	return tmpl.ExecuteTemplate(w, "base", data)
}

// recordFields returns the sorted field names of recs, id first.
func recordFields(recs ...resource.Record) []string {
	seen := map[string]bool{"id": true, "_id": true}
	var fields []string
	for _, rec := range recs {
		for k := range rec {
			if !seen[k] {
				seen[k] = true
				fields = append(fields, k)
			}
		}
	}
	sort.Strings(fields)
	return append([]string{"id"}, fields...)
}
