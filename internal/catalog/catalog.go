// Package catalog renders localized user-facing texts from the embedded
// messages.yaml.
package catalog

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"
	"sync"
	"text/template"
	"unicode"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

// DefaultLanguage is used for unknown languages and missing keys.
const DefaultLanguage = "ru"

//go:embed messages.yaml
var messagesYAML []byte

var (
	parseOnce sync.Once
	parsed    map[string]map[string]string
	parseErr  error
)

func raw() (map[string]map[string]string, error) {
	parseOnce.Do(func() {
		parseErr = yaml.Unmarshal(messagesYAML, &parsed)
	})
	return parsed, parseErr
}

var funcs = template.FuncMap{
	"capitalize": capitalize,
}

// Catalog holds the compiled texts of one language.
type Catalog struct {
	lang      string
	templates map[string]*template.Template
}

// Languages lists the languages in the embedded catalog.
func Languages() []string {
	all, err := raw()
	if err != nil {
		return nil
	}
	langs := make([]string, 0, len(all))
	for l := range all {
		langs = append(langs, l)
	}
	sort.Strings(langs)
	return langs
}

// Load compiles the texts of lang, filling keys it lacks from the default
// language.
func Load(lang string) (*Catalog, error) {
	all, err := raw()
	if err != nil {
		return nil, fmt.Errorf("parse message catalog: %w", err)
	}
	if lang == "" {
		lang = DefaultLanguage
	}
	texts, ok := all[lang]
	if !ok {
		return nil, fmt.Errorf("unknown language %q (have %s)", lang, strings.Join(Languages(), ", "))
	}

	c := &Catalog{lang: lang, templates: map[string]*template.Template{}}
	for key, body := range all[DefaultLanguage] {
		if v, ok := texts[key]; ok {
			body = v
		}
		tmpl, err := template.New(key).Funcs(funcs).Parse(body)
		if err != nil {
			return nil, fmt.Errorf("parse %s/%s: %w", lang, key, err)
		}
		c.templates[key] = tmpl
	}
	return c, nil
}

// MustLoad is Load for the built-in languages; it panics on failure.
func MustLoad(lang string) *Catalog {
	c, err := Load(lang)
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Catalog) Lang() string {
	return c.lang
}

// Text renders key with data. An unknown key renders as the key itself.
func (c *Catalog) Text(key string, data any) string {
	tmpl, ok := c.templates[key]
	if !ok {
		return key
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return key
	}
	return strings.TrimRight(b.String(), "\n")
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}
