package source

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Taxonomy is the research scope file.
type Taxonomy struct {
	ResearchTopic string         `yaml:"research_topic"`
	Categories    map[string]any `yaml:"categories,omitempty"`
}

// LoadTaxonomy reads path. A missing file returns nil and no error.
func LoadTaxonomy(path string) (*Taxonomy, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading taxonomy: %w", err)
	}
	var t Taxonomy
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parsing taxonomy %s: %w", path, err)
	}
	return &t, nil
}

// ResolveTopic picks the research topic: the explicit value, then the
// taxonomy file, then the configured fallback. An unreadable taxonomy is
// reported but does not stop resolution.
func ResolveTopic(explicit, taxonomyPath, fallback string) (string, error) {
	if s := strings.TrimSpace(explicit); s != "" {
		return s, nil
	}
	t, err := LoadTaxonomy(taxonomyPath)
	if t != nil && strings.TrimSpace(t.ResearchTopic) != "" {
		return strings.TrimSpace(t.ResearchTopic), nil
	}
	return strings.TrimSpace(fallback), err
}
