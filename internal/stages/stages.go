// Package stages defines the analysis stages, their prompts and the
// dependency graph between them.
package stages

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/sozercan/finsight/internal/llm"
	"github.com/sozercan/finsight/internal/pipeline"
)

const (
	Inference   = "inference"
	SWOT        = "swot"
	Strategy    = "strategy"
	Profile     = "profile"
	KeyAnalysis = "keyAnalysis"
	Summary     = "summary"
)

// Required lists the stages every catalog must define.
var Required = []string{Inference, SWOT, Strategy, Profile, KeyAnalysis, Summary}

// ErrMissingInput is returned when a stage is asked to run without the text
// of one of its dependencies.
var ErrMissingInput = errors.New("missing stage input")

//go:embed stages.yaml
var defaultCatalog []byte

type Generation struct {
	Temperature     float64 `yaml:"temperature"`
	TopP            float64 `yaml:"top_p"`
	TopK            float64 `yaml:"top_k"`
	MaxOutputTokens int64   `yaml:"max_output_tokens"`
}

type Stage struct {
	Name string `yaml:"name"`
	// Field is the JSON field the stage result is reported under.
	Field       string     `yaml:"field"`
	Model       string     `yaml:"model"`
	Document    bool       `yaml:"document"`
	Deps        []string   `yaml:"deps"`
	Generation  Generation `yaml:"generation"`
	System      string     `yaml:"system"`
	Context     string     `yaml:"context"`
	Instruction string     `yaml:"instruction"`

	context *template.Template
}

type Catalog struct {
	stages []*Stage
	byName map[string]*Stage
	graph  *pipeline.Graph
}

// Default returns the built-in catalog.
func Default() (*Catalog, error) {
	return Parse(defaultCatalog)
}

// Load reads a catalog from path, or returns the built-in one when path is
// empty.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading stage catalog: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Catalog, error) {
	var doc struct {
		Stages []*Stage `yaml:"stages"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing stage catalog: %w", err)
	}

	c := &Catalog{byName: make(map[string]*Stage, len(doc.Stages))}
	nodes := make([]pipeline.Node, 0, len(doc.Stages))
	for _, s := range doc.Stages {
		if s.Instruction == "" {
			return nil, fmt.Errorf("stage %s: instruction is required", s.Name)
		}
		if s.Field == "" {
			s.Field = s.Name
		}
		tmpl, err := template.New(s.Name).Option("missingkey=error").Parse(s.Context)
		if err != nil {
			return nil, fmt.Errorf("stage %s: parsing context template: %w", s.Name, err)
		}
		s.context = tmpl
		c.stages = append(c.stages, s)
		c.byName[s.Name] = s
		nodes = append(nodes, pipeline.Node{Name: s.Name, Deps: s.Deps})
	}

	for _, name := range Required {
		if _, ok := c.byName[name]; !ok {
			return nil, fmt.Errorf("stage catalog is missing stage %s", name)
		}
	}
	if !c.byName[Inference].Document || len(c.byName[Inference].Deps) > 0 {
		return nil, fmt.Errorf("stage %s must take the document and nothing else", Inference)
	}

	graph, err := pipeline.NewGraph(nodes...)
	if err != nil {
		return nil, fmt.Errorf("stage catalog: %w", err)
	}
	c.graph = graph
	return c, nil
}

func (c *Catalog) Get(name string) (*Stage, bool) {
	s, ok := c.byName[name]
	return s, ok
}

// Stages returns the stages in declaration order.
func (c *Catalog) Stages() []*Stage {
	return append([]*Stage(nil), c.stages...)
}

func (c *Catalog) Graph() *pipeline.Graph {
	return c.graph
}

// Prompt renders the stage prompt from the texts of its dependencies. Every
// dependency must be present and non-blank.
func (s *Stage) Prompt(inputs map[string]string) (llm.Prompt, error) {
	var missing []string
	for _, d := range s.Deps {
		if strings.TrimSpace(inputs[d]) == "" {
			missing = append(missing, d)
		}
	}
	if len(missing) > 0 {
		return llm.Prompt{}, fmt.Errorf("%w: %s needs %s", ErrMissingInput, s.Name, strings.Join(missing, ", "))
	}

	var sb strings.Builder
	if err := s.context.Execute(&sb, inputs); err != nil {
		return llm.Prompt{}, fmt.Errorf("rendering %s prompt: %w", s.Name, err)
	}

	return llm.Prompt{
		Name:        s.Name,
		System:      s.System,
		Context:     sb.String(),
		Instruction: s.Instruction,
	}, nil
}

// Options returns the model and generation settings of the stage.
func (s *Stage) Options() []llm.Option {
	opts := []llm.Option{llm.WithModel(s.Model)}
	if g := s.Generation; g != (Generation{}) {
		opts = append(opts,
			llm.WithTemperature(g.Temperature),
			llm.WithTopP(g.TopP),
			llm.WithTopK(g.TopK),
			llm.WithMaxTokens(g.MaxOutputTokens),
		)
	}
	return opts
}

// QueryParam is the request parameter carrying the text of stage name when a
// caller supplies upstream results directly.
func QueryParam(name string) string {
	if name == Inference {
		return "inferences"
	}
	return name
}
