package web

import (
	"fmt"
	"html/template"
	"net/http"

	"github.com/grantmerz/astrodet/nnet"
)

// ConfigPage shows the settings for the run. The snapshot is immutable so the page is read only.
type ConfigPage struct {
	*Templates
	Fields []Field
	run    string
}

type Field struct {
	Name  string
	Value string
}

func NewConfigPage(t *Templates, run string, conf nnet.Config) *ConfigPage {
	return &ConfigPage{Templates: t.Page("/config"), Fields: getFields(conf), run: run}
}

func (p *ConfigPage) Base() http.HandlerFunc { return render(p.Templates, "config", p) }

func (p *ConfigPage) Heading() template.HTML {
	return template.HTML("config: " + template.HTMLEscapeString(p.run))
}

func getFields(conf nnet.Config) []Field {
	keys := conf.Fields()
	flds := make([]Field, len(keys))
	for i, key := range keys {
		flds[i] = Field{Name: key, Value: fmt.Sprint(conf.Get(key))}
	}
	return flds
}
