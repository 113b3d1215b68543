package web

import (
	"embed"
	"html/template"
	"log"
	"net/http"

	"github.com/pkg/errors"
)

//go:embed assets
var assets embed.FS

// Link is an entry in the page menu bar.
type Link struct {
	Url      string
	Name     string
	Selected bool
}

// Templates holds the parsed page templates plus the menu for the page being rendered.
type Templates struct {
	*template.Template
	Menu  []Link
	Extra []Link
}

var menu = []Link{{Name: "train", Url: "/train"}, {Name: "config", Url: "/config"}}

func NewTemplates() (*Templates, error) {
	tmpl, err := template.ParseFS(assets, "assets/*.html")
	if err != nil {
		return nil, errors.Wrap(err, "error parsing page templates")
	}
	return &Templates{Template: tmpl}, nil
}

// Page returns a copy with the menu entry for url highlighted and any extra links for that page.
func (t *Templates) Page(url string, extra ...Link) *Templates {
	p := &Templates{Template: t.Template, Menu: make([]Link, len(menu)), Extra: extra}
	for i, l := range menu {
		l.Selected = l.Url == url
		p.Menu[i] = l
	}
	return p
}

// render returns a handler which executes the named template with data.
func render(t *Templates, name string, data interface{}) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := t.ExecuteTemplate(w, name, data); err != nil {
			httpError(w, err)
		}
	}
}

func httpError(w http.ResponseWriter, err error) {
	log.Println("monitor:", err)
	http.Error(w, err.Error(), http.StatusInternalServerError)
}
