package patterns

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/MikeSquared-Agency/clinicrelay/internal/chat"
)

// File is the YAML layout of a pattern file:
//
//	sets:
//	  scheduling:
//	    - id: scheduling.book
//	      terms: [agendar, consulta, marcar]
//	  crisis:
//	    - id: crisis.custom
//	      regex: 'quero\s+sumir'
type File struct {
	Sets map[string][]Entry `yaml:"sets"`
}

// LoadFile reads and compiles a pattern file. The result must define every
// required set; optional sets absent from the file fall back to the defaults.
func LoadFile(path string) (Sets, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &chat.ConfigurationError{Field: "PATTERNS_FILE", Reason: err.Error()}
	}
	return Parse(data)
}

// Parse compiles pattern sets from YAML bytes.
func Parse(data []byte) (Sets, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, &chat.ConfigurationError{Field: "PATTERNS_FILE", Reason: fmt.Sprintf("parse yaml: %v", err)}
	}

	sets := make(Sets, len(f.Sets))
	for name, entries := range f.Sets {
		s, err := Compile(name, entries)
		if err != nil {
			return nil, &chat.ConfigurationError{Field: "PATTERNS_FILE", Reason: err.Error()}
		}
		sets[name] = s
	}
	if err := Validate(sets); err != nil {
		return nil, err
	}

	for name, s := range Defaults() {
		if _, ok := sets[name]; !ok {
			sets[name] = s
		}
	}
	return sets, nil
}

// Validate checks that every required set is present and non-empty.
func Validate(sets Sets) error {
	for _, name := range RequiredSets {
		s, ok := sets[name]
		if !ok || s == nil {
			return &chat.ConfigurationError{Field: "patterns." + name, Reason: "required set missing"}
		}
		if len(s.Patterns) == 0 {
			return &chat.ConfigurationError{Field: "patterns." + name, Reason: "required set is empty"}
		}
	}
	return nil
}
