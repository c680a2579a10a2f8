package templates

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// Data is what catalog templates can reference.
type Data struct {
	Name      string
	FirstName string
	Agent     string
	Campaign  string
	Fields    map[string]string
}

// NewData fills FirstName from name and defaults it to "there".
func NewData(name, agent, campaign string, fields map[string]string) Data {
	first := "there"
	if parts := strings.Fields(name); len(parts) > 0 {
		first = parts[0]
	}
	if fields == nil {
		fields = map[string]string{}
	}
	return Data{Name: name, FirstName: first, Agent: agent, Campaign: campaign, Fields: fields}
}

// Catalog holds the parsed message variants per key.
type Catalog struct {
	variants map[string][]*template.Template
}

// Default returns the embedded catalog.
func Default() (*Catalog, error) {
	return Parse(defaultCatalog)
}

// Load returns the embedded catalog with keys from the YAML file at path
// replacing the defaults. An empty path yields the embedded catalog.
func Load(path string) (*Catalog, error) {
	base, err := Default()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(path) == "" {
		return base, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("templates: read catalog: %w", err)
	}
	override, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	for key, variants := range override.variants {
		base.variants[key] = variants
	}
	return base, nil
}

// Parse compiles every variant of a YAML catalog.
func Parse(raw []byte) (*Catalog, error) {
	var doc map[string][]string
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("templates: decode catalog: %w", err)
	}
	c := &Catalog{variants: make(map[string][]*template.Template, len(doc))}
	for key, texts := range doc {
		if len(texts) == 0 {
			return nil, fmt.Errorf("templates: %s has no variants", key)
		}
		for i, text := range texts {
			if strings.TrimSpace(text) == "" {
				return nil, fmt.Errorf("templates: %s[%d] is empty", key, i)
			}
			t, err := template.New(fmt.Sprintf("%s[%d]", key, i)).Option("missingkey=error").Parse(text)
			if err != nil {
				return nil, fmt.Errorf("templates: parse %s[%d]: %w", key, i, err)
			}
			c.variants[key] = append(c.variants[key], t)
		}
	}
	return c, nil
}

// Keys lists the catalog keys in order.
func (c *Catalog) Keys() []string {
	keys := make([]string, 0, len(c.variants))
	for k := range c.variants {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Render executes the variant of key for attempt. Attempts below 1 use the
// first variant and attempts past the end reuse the last.
func (c *Catalog) Render(key string, attempt int, data Data) (string, error) {
	variants, ok := c.variants[key]
	if !ok {
		return "", fmt.Errorf("templates: unknown message %q", key)
	}
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(variants) {
		idx = len(variants) - 1
	}
	var buf strings.Builder
	if err := variants[idx].Execute(&buf, data); err != nil {
		return "", fmt.Errorf("templates: execute %s: %w", variants[idx].Name(), err)
	}
	return strings.TrimSpace(buf.String()), nil
}
