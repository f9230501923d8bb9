// internal/parser/parser.go
package parser

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrNotMapping is returned for documents whose top level is not a mapping.
var ErrNotMapping = errors.New("workflow document is not a mapping")

// Result is a parsed workflow or action definition.
type Result struct {
	Name string
	// Data is the document re-encoded as JSON.
	Data string
	// Uses lists every referenced action or reusable workflow, in document order.
	Uses []string
}

type step struct {
	Uses string `yaml:"uses"`
}

type job struct {
	Uses  string `yaml:"uses"`
	Steps []step `yaml:"steps"`
}

type runs struct {
	Using string `yaml:"using"`
	Image string `yaml:"image"`
	Steps []step `yaml:"steps"`
}

type document struct {
	Name string    `yaml:"name"`
	Jobs yaml.Node `yaml:"jobs"`
	Runs *runs     `yaml:"runs"`
}

// Processor turns downloaded workflow and action files into structured data.
type Processor struct{}

func NewProcessor() *Processor {
	return &Processor{}
}

// Process parses contents as YAML. Non-mapping documents and invalid YAML are errors.
func (p *Processor) Process(contents string) (*Result, error) {
	var root yaml.Node
	if err := yaml.Unmarshal([]byte(contents), &root); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if len(root.Content) == 0 || root.Content[0].Kind != yaml.MappingNode {
		return nil, ErrNotMapping
	}

	var raw map[string]interface{}
	if err := root.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	data, err := json.Marshal(normalize(raw))
	if err != nil {
		return nil, fmt.Errorf("encode json: %w", err)
	}

	var doc document
	if err := root.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode workflow: %w", err)
	}

	uses, err := collectUses(&doc)
	if err != nil {
		return nil, err
	}
	return &Result{Name: doc.Name, Data: string(data), Uses: uses}, nil
}

func collectUses(doc *document) ([]string, error) {
	seen := make(map[string]struct{})
	var uses []string
	add := func(ref string) {
		ref = strings.TrimSpace(ref)
		if ref == "" || strings.HasPrefix(ref, "${{") {
			return
		}
		if _, ok := seen[ref]; ok {
			return
		}
		seen[ref] = struct{}{}
		uses = append(uses, ref)
	}

	if doc.Jobs.Kind == yaml.MappingNode {
		for i := 0; i+1 < len(doc.Jobs.Content); i += 2 {
			var j job
			if err := doc.Jobs.Content[i+1].Decode(&j); err != nil {
				return nil, fmt.Errorf("decode job %q: %w", doc.Jobs.Content[i].Value, err)
			}
			add(j.Uses)
			for _, s := range j.Steps {
				add(s.Uses)
			}
		}
	}
	if doc.Runs != nil {
		for _, s := range doc.Runs.Steps {
			add(s.Uses)
		}
		// Docker actions may run a published image instead of a local Dockerfile.
		if strings.HasPrefix(doc.Runs.Image, "docker://") {
			add(doc.Runs.Image)
		}
	}
	return uses, nil
}

// normalize converts the map[interface{}]interface{} values yaml produces for
// non-string keys into JSON-encodable maps.
func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		for k, val := range t {
			t[k] = normalize(val)
		}
		return t
	case map[interface{}]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, val := range t {
			m[fmt.Sprint(k)] = normalize(val)
		}
		return m
	case []interface{}:
		for i, val := range t {
			t[i] = normalize(val)
		}
		return t
	}
	return v
}
