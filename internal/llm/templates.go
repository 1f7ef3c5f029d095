package llm

import (
	_ "embed"
	"os"
	"strings"
	"text/template"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/lead-pipeline/internal/model"
)

//go:embed templates.yaml
var defaultTemplatesYAML []byte

// Templates holds the deterministic outreach messages used when message
// generation fails. Niche templates override the default by lowercase niche.
type Templates struct {
	Default string            `yaml:"default"`
	Niches  map[string]string `yaml:"niches"`

	compiled map[string]*template.Template
}

// LoadTemplates reads templates from a YAML file, or the built-in set when
// path is empty.
func LoadTemplates(path string) (*Templates, error) {
	data := defaultTemplatesYAML
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, eris.Wrapf(err, "llm: read templates %s", path)
		}
	}
	return ParseTemplates(data)
}

// ParseTemplates parses and compiles a templates document.
func ParseTemplates(data []byte) (*Templates, error) {
	var wrapper struct {
		Messages Templates `yaml:"messages"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "llm: parse templates")
	}

	t := &wrapper.Messages
	if strings.TrimSpace(t.Default) == "" {
		return nil, eris.New("llm: templates need a default message")
	}

	t.compiled = make(map[string]*template.Template, len(t.Niches)+1)
	tmpl, err := template.New("default").Option("missingkey=zero").Parse(t.Default)
	if err != nil {
		return nil, eris.Wrap(err, "llm: compile default template")
	}
	t.compiled[""] = tmpl
	for niche, body := range t.Niches {
		key := strings.ToLower(strings.TrimSpace(niche))
		tmpl, err := template.New(key).Option("missingkey=zero").Parse(body)
		if err != nil {
			return nil, eris.Wrapf(err, "llm: compile template %q", niche)
		}
		t.compiled[key] = tmpl
	}
	return t, nil
}

// Render returns the fallback message for a business. It never fails; a
// template execution error yields a minimal greeting.
func (t *Templates) Render(info model.BusinessInfo) string {
	tmpl, ok := t.compiled[strings.ToLower(strings.TrimSpace(info.Niche))]
	if !ok {
		tmpl = t.compiled[""]
	}

	var b strings.Builder
	if err := tmpl.Execute(&b, info); err != nil {
		return "Hi " + info.Name + "! We built a free website preview for you. Reply if you'd like to see it."
	}
	return strings.TrimSpace(b.String())
}
